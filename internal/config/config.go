// Package config loads the daemon's .procsi/config.json file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/procsi/procsid/internal/logging"
)

// Defaults mirror spec.md §5's bounded-resource defaults.
const (
	DefaultMaxStoredRequests = 5000
	DefaultMaxBodySize       = 10 * 1024 * 1024
	DefaultMaxLogSize        = 50 * 1024 * 1024
	DefaultPollIntervalMS    = 1000
)

// Config holds the values in .procsi/config.json. All fields are optional
// in the file; invalid or missing values fall back to documented defaults.
type Config struct {
	MaxStoredRequests int `json:"maxStoredRequests"`
	MaxBodySize       int `json:"maxBodySize"`
	MaxLogSize        int `json:"maxLogSize"`
	PollIntervalMS    int `json:"pollInterval"`
}

// rawConfig matches the JSON shape with pointer fields so "absent" and
// "present but invalid" can be told apart during validation.
type rawConfig struct {
	MaxStoredRequests *int `json:"maxStoredRequests"`
	MaxBodySize       *int `json:"maxBodySize"`
	MaxLogSize        *int `json:"maxLogSize"`
	PollIntervalMS    *int `json:"pollInterval"`
}

// Default returns a Config populated with every default value.
func Default() Config {
	return Config{
		MaxStoredRequests: DefaultMaxStoredRequests,
		MaxBodySize:       DefaultMaxBodySize,
		MaxLogSize:        DefaultMaxLogSize,
		PollIntervalMS:    DefaultPollIntervalMS,
	}
}

// Load reads and validates config.json at path. A missing file yields
// defaults silently (first run); a present-but-unparsable file yields
// defaults with a warning log line, per spec.md §6.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		logging.Warn("config_parse_failed", logging.Fields{Component: "config", Error: err.Error()})
		return cfg, nil
	}

	cfg.MaxStoredRequests = positiveOrDefault(raw.MaxStoredRequests, "maxStoredRequests", DefaultMaxStoredRequests)
	cfg.MaxBodySize = positiveOrDefault(raw.MaxBodySize, "maxBodySize", DefaultMaxBodySize)
	cfg.MaxLogSize = positiveOrDefault(raw.MaxLogSize, "maxLogSize", DefaultMaxLogSize)
	cfg.PollIntervalMS = positiveOrDefault(raw.PollIntervalMS, "pollInterval", DefaultPollIntervalMS)

	return cfg, nil
}

func positiveOrDefault(v *int, name string, def int) int {
	if v == nil {
		return def
	}
	if *v <= 0 {
		logging.Warn("config_value_invalid", logging.Fields{
			Component: "config",
			Error:     fmt.Sprintf("%s must be a positive integer, got %d; using default %d", name, *v, def),
		})
		return def
	}
	return *v
}

// ProjectDir returns the absolute path to the .procsi directory rooted at
// dir (typically the current working directory).
func ProjectDir(dir string) string {
	return filepath.Join(dir, ".procsi")
}
