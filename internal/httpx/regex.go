package httpx

import (
	"fmt"
	"regexp"
)

// maxFilterPatternLen bounds regex filter patterns so a client can't hand the
// daemon a multi-megabyte pattern string to compile on every list call.
const maxFilterPatternLen = 1024

// nestedQuantifier matches a parenthesized group whose body itself carries a
// +/* quantifier, immediately followed by another +/* quantifier on the
// group, e.g. (a+)+ or (a*)+, the textbook catastrophic-backtracking shape.
// Go's RE2 engine can't actually blow up on this (it's linear-time by
// construction), but spec.md §8 calls for rejecting the shape itself, not
// just relying on the engine's immunity to it.
var nestedQuantifier = regexp.MustCompile(`\([^()]*[+*][^()]*\)[+*]`)

// CompileFilterPattern compiles a user-supplied regex for request filtering,
// rejecting unreasonably long patterns and the documented
// catastrophic-backtracking heuristic before ever handing the pattern to
// regexp.Compile.
func CompileFilterPattern(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > maxFilterPatternLen {
		return nil, fmt.Errorf("regex filter pattern too long: %d bytes (max %d)", len(pattern), maxFilterPatternLen)
	}
	if nestedQuantifier.MatchString(pattern) {
		return nil, fmt.Errorf("regex filter pattern rejected: nested quantifier (catastrophic backtracking shape)")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex filter: %w", err)
	}
	return re, nil
}
