// Package config loads and validates load-test configuration files.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/vuload/internal/logging"
	"github.com/wesleyorama2/vuload/internal/sampler"
)

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: fitness-home
//	target:
//	  url: https://example.com/
//	thinkTime: 1s
//	stages:
//	  - {duration: 1m, target: 500}
//	  - {duration: 3m, target: 500}
//	  - {duration: 1m, target: 0}
//	thresholds:
//	  http_req_duration: ["p(99)<1500"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Target is the HTTP endpoint every VU requests
	Target TargetConfig `json:"target" yaml:"target"`

	// ThinkTime is the pause between iterations (default: 1s)
	ThinkTime *ThinkTimeConfig `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`

	// RampMode is "linear" (default) or "step"
	RampMode string `json:"rampMode,omitempty" yaml:"rampMode,omitempty"`

	// GracefulStop is how long VUs get to finish after being stopped
	// (default: 30s). An explicit 0 force-stops immediately.
	GracefulStop *Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// TickInterval is how often the VU count is adjusted (default: 100ms)
	TickInterval Duration `json:"tickInterval,omitempty" yaml:"tickInterval,omitempty"`

	// EvaluationInterval is how often thresholds are checked during the run (default: 1s)
	EvaluationInterval Duration `json:"evaluationInterval,omitempty" yaml:"evaluationInterval,omitempty"`

	// Stages is the ramp profile. The first stage ramps from 0 VUs.
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Checks are evaluated on every response
	Checks []sampler.Check `json:"checks,omitempty" yaml:"checks,omitempty"`

	// Thresholds maps metric names to pass/fail conditions
	Thresholds map[string][]ThresholdSpec `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Metrics tunes the aggregator
	Metrics MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Outputs lists result destinations
	Outputs OutputsConfig `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Log configures logging
	Log logging.Config `json:"log,omitempty" yaml:"log,omitempty"`
}

// TargetConfig describes the request every iteration issues.
type TargetConfig struct {
	// URL to request
	URL string `json:"url" yaml:"url"`

	// Method must be GET
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Headers sent with every request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Timeout per request (default: 30s)
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Client is "nethttp" (default) or "fasthttp"
	Client string `json:"client,omitempty" yaml:"client,omitempty"`

	// MaxConnsPerHost limits connections per host (0 = client default)
	MaxConnsPerHost int `json:"maxConnsPerHost,omitempty" yaml:"maxConnsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host (default: 100)
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// DisableKeepAlives opens a new connection per request
	DisableKeepAlives bool `json:"disableKeepAlives,omitempty" yaml:"disableKeepAlives,omitempty"`
}

// StageConfig defines a single stage of the ramp.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// ThinkTimeConfig is either a constant ("1s") or a range
// ({min: 500ms, max: 1500ms}).
type ThinkTimeConfig struct {
	Min Duration `json:"min" yaml:"min"`
	Max Duration `json:"max" yaml:"max"`
}

// UnmarshalYAML accepts a scalar duration or a min/max mapping.
func (t *ThinkTimeConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		d, err := ParseDurationString(value.Value)
		if err != nil {
			return fmt.Errorf("thinkTime: %w", err)
		}
		t.Min, t.Max = Duration(d), Duration(d)
		return nil
	}

	var raw struct {
		Min Duration `yaml:"min"`
		Max Duration `yaml:"max"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t.Min, t.Max = raw.Min, raw.Max
	return nil
}

// UnmarshalJSON accepts a duration string or a min/max object.
func (t *ThinkTimeConfig) UnmarshalJSON(b []byte) error {
	var d Duration
	if err := d.UnmarshalJSON(b); err == nil {
		t.Min, t.Max = d, d
		return nil
	}

	var raw struct {
		Min Duration `json:"min"`
		Max Duration `json:"max"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("thinkTime: %w", err)
	}
	t.Min, t.Max = raw.Min, raw.Max
	return nil
}

// ThresholdSpec is one threshold as written in the config: either a bare
// expression or an object with flags.
type ThresholdSpec struct {
	// Threshold is the expression, e.g. "p(99)<1500"
	Threshold string `json:"threshold" yaml:"threshold"`

	// Required defaults to true; false makes the threshold advisory
	Required *bool `json:"required,omitempty" yaml:"required,omitempty"`

	// AbortOnFail stops the run as soon as the threshold is violated
	AbortOnFail bool `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
}

// IsRequired reports whether a violation fails the run.
func (s ThresholdSpec) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// UnmarshalYAML accepts a string or a mapping.
func (s *ThresholdSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s.Threshold = value.Value
		return nil
	}

	type plain ThresholdSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = ThresholdSpec(p)
	return nil
}

// UnmarshalJSON accepts a string or an object.
func (s *ThresholdSpec) UnmarshalJSON(b []byte) error {
	var expr string
	if err := json.Unmarshal(b, &expr); err == nil {
		s.Threshold = expr
		return nil
	}

	type plain ThresholdSpec
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = ThresholdSpec(p)
	return nil
}

// MetricsConfig tunes the metrics aggregator.
type MetricsConfig struct {
	// QueueSize is the inbound outcome queue capacity (default: 65536)
	QueueSize int `json:"queueSize,omitempty" yaml:"queueSize,omitempty"`

	// Overflow is "block" (default) or "drop-oldest"
	Overflow string `json:"overflow,omitempty" yaml:"overflow,omitempty"`

	// MaxBlock bounds producer waits under "block" (default: 1s)
	MaxBlock Duration `json:"maxBlock,omitempty" yaml:"maxBlock,omitempty"`

	// BucketInterval is the time-series resolution (default: 1s)
	BucketInterval Duration `json:"bucketInterval,omitempty" yaml:"bucketInterval,omitempty"`
}

// OutputsConfig lists where results go besides the console.
type OutputsConfig struct {
	// JSON is a path for the final result document
	JSON string `json:"json,omitempty" yaml:"json,omitempty"`

	// Parquet is a path for raw per-request outcomes
	Parquet string `json:"parquet,omitempty" yaml:"parquet,omitempty"`

	// Prometheus is a listen address for a live /metrics endpoint
	Prometheus string `json:"prometheus,omitempty" yaml:"prometheus,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML
// strings or plain numbers of seconds.
type Duration time.Duration

// GetDuration returns the duration or a default if zero.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*d = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = unquoted
	} else if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return fmt.Errorf("invalid duration %s", s)
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	dur, err := ParseDurationString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
