package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultThinkTime          = time.Second
	DefaultTimeout            = 30 * time.Second
	DefaultGracefulStop       = 30 * time.Second
	DefaultTickInterval       = 100 * time.Millisecond
	DefaultEvaluationInterval = time.Second
)

// LoadConfig reads, schema-checks and decodes a configuration file. The
// format is chosen by extension: .json is JSON, anything else YAML.
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseConfig(data, path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes configuration data. filename only selects the format.
func ParseConfig(data []byte, filename string) (*TestConfig, error) {
	isJSON := strings.EqualFold(filepath.Ext(filename), ".json")

	if err := ValidateSchema(data, isJSON); err != nil {
		return nil, err
	}

	var cfg TestConfig
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	}

	return &cfg, nil
}

// ParseDurationString parses durations like "30s", "1h30m", "2 minutes"
// or a bare number of seconds. An empty string is zero.
func ParseDurationString(duration string) (time.Duration, error) {
	duration = strings.TrimSpace(duration)
	if duration == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(duration); err == nil {
		return d, nil
	}

	if secs, err := strconv.ParseFloat(duration, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	// Handle additional formats like "1 minute", "30 seconds"
	duration = strings.ToLower(duration)
	duration = strings.ReplaceAll(duration, " ", "")

	// Longest words first so "seconds" is not turned into "ss".
	replacer := strings.NewReplacer(
		"seconds", "s", "second", "s",
		"minutes", "m", "minute", "m",
		"hours", "h", "hour", "h",
	)
	duration = replacer.Replace(duration)

	d, err := time.ParseDuration(duration)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", duration)
	}
	return d, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *TestConfig) {
	if cfg.Name == "" {
		cfg.Name = "vuload"
	}

	if cfg.Target.Method == "" {
		cfg.Target.Method = "GET"
	}
	cfg.Target.Method = strings.ToUpper(cfg.Target.Method)
	if cfg.Target.Timeout == 0 {
		cfg.Target.Timeout = Duration(DefaultTimeout)
	}
	if cfg.Target.Client == "" {
		cfg.Target.Client = "nethttp"
	}

	if cfg.ThinkTime == nil {
		cfg.ThinkTime = &ThinkTimeConfig{Min: Duration(DefaultThinkTime), Max: Duration(DefaultThinkTime)}
	}

	if cfg.RampMode == "" {
		cfg.RampMode = "linear"
	}
	if cfg.GracefulStop == nil {
		graceful := Duration(DefaultGracefulStop)
		cfg.GracefulStop = &graceful
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = Duration(DefaultTickInterval)
	}
	if cfg.EvaluationInterval == 0 {
		cfg.EvaluationInterval = Duration(DefaultEvaluationInterval)
	}

	if cfg.Metrics.Overflow == "" {
		cfg.Metrics.Overflow = "block"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}
