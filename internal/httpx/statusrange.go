package httpx

import (
	"fmt"
	"strconv"
	"strings"
)

// StatusRange matches an inclusive [Low, High] band of HTTP status codes.
type StatusRange struct {
	Low  int
	High int
}

// Matches reports whether status falls within the range.
func (r StatusRange) Matches(status int) bool {
	return status >= r.Low && status <= r.High
}

// ParseStatusRange parses a status filter value in one of three forms:
//
//	"404"      -> exact match
//	"400-499"  -> inclusive numeric range
//	"4xx"      -> class shorthand (2xx, 3xx, 4xx, 5xx, 1xx)
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return StatusRange{}, fmt.Errorf("status filter must not be empty")
	}

	if len(s) == 3 && (s[1] == 'x' || s[1] == 'X') && (s[2] == 'x' || s[2] == 'X') {
		digit := s[0]
		if digit < '1' || digit > '5' {
			return StatusRange{}, fmt.Errorf("invalid status class %q", s)
		}
		low := int(digit-'0') * 100
		return StatusRange{Low: low, High: low + 99}, nil
	}

	if idx := strings.IndexByte(s, '-'); idx > 0 {
		lowStr, highStr := s[:idx], s[idx+1:]
		low, err := strconv.Atoi(lowStr)
		if err != nil {
			return StatusRange{}, fmt.Errorf("invalid status range %q: %w", s, err)
		}
		high, err := strconv.Atoi(highStr)
		if err != nil {
			return StatusRange{}, fmt.Errorf("invalid status range %q: %w", s, err)
		}
		if low > high {
			return StatusRange{}, fmt.Errorf("invalid status range %q: low > high", s)
		}
		if low < 100 || high > 599 {
			return StatusRange{}, fmt.Errorf("invalid status range %q: out of bounds [100,599]", s)
		}
		return StatusRange{Low: low, High: high}, nil
	}

	exact, err := strconv.Atoi(s)
	if err != nil {
		return StatusRange{}, fmt.Errorf("invalid status filter %q: %w", s, err)
	}
	if exact < 100 || exact > 599 {
		return StatusRange{}, fmt.Errorf("invalid status filter %q: out of bounds [100,599]", s)
	}
	return StatusRange{Low: exact, High: exact}, nil
}
