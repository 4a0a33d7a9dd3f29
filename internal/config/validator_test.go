package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/vuload/internal/logging"
	"github.com/wesleyorama2/vuload/internal/sampler"
)

func validConfig() *TestConfig {
	return &TestConfig{
		Target: TargetConfig{URL: "https://example.com/"},
		Stages: []StageConfig{
			{Duration: Duration(time.Minute), Target: 10},
			{Duration: Duration(time.Minute), Target: 0},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*TestConfig)
		field  string
	}{
		{"empty stages", func(c *TestConfig) { c.Stages = nil }, "stages"},
		{"zero duration", func(c *TestConfig) { c.Stages[0].Duration = 0 }, "stages[0].duration"},
		{"negative duration", func(c *TestConfig) { c.Stages[1].Duration = Duration(-time.Second) }, "stages[1].duration"},
		{"negative target", func(c *TestConfig) { c.Stages[1].Target = -1 }, "stages[1].target"},
		{"missing url", func(c *TestConfig) { c.Target.URL = "" }, "target.url"},
		{"bad scheme", func(c *TestConfig) { c.Target.URL = "ftp://example.com/" }, "target.url"},
		{"missing host", func(c *TestConfig) { c.Target.URL = "http:///path" }, "target.url"},
		{"non-GET method", func(c *TestConfig) { c.Target.Method = "POST" }, "target.method"},
		{"unknown client", func(c *TestConfig) { c.Target.Client = "curl" }, "target.client"},
		{"negative timeout", func(c *TestConfig) { c.Target.Timeout = Duration(-time.Second) }, "target.timeout"},
		{"think time inverted", func(c *TestConfig) {
			c.ThinkTime = &ThinkTimeConfig{Min: Duration(2 * time.Second), Max: Duration(time.Second)}
		}, "thinkTime"},
		{"bad ramp mode", func(c *TestConfig) { c.RampMode = "cubic" }, "rampMode"},
		{"negative graceful stop", func(c *TestConfig) { d := Duration(-time.Second); c.GracefulStop = &d }, "gracefulStop"},
		{"invalid check", func(c *TestConfig) { c.Checks = []sampler.Check{{Name: "empty"}} }, "checks[0]"},
		{"unknown threshold metric", func(c *TestConfig) {
			c.Thresholds = map[string][]ThresholdSpec{"vus_max": {{Threshold: "value<10"}}}
		}, "thresholds.vus_max[0]"},
		{"malformed threshold", func(c *TestConfig) {
			c.Thresholds = map[string][]ThresholdSpec{"http_req_duration": {{Threshold: "p(99) 1500"}}}
		}, "thresholds.http_req_duration[0]"},
		{"bad overflow", func(c *TestConfig) { c.Metrics.Overflow = "spill" }, "metrics.overflow"},
		{"bad log level", func(c *TestConfig) { c.Log = logging.Config{Level: "loud"} }, "log.level"},
		{"bad log format", func(c *TestConfig) { c.Log = logging.Config{Format: "xml"} }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			verrs, ok := err.(*ValidationErrors)
			require.True(t, ok, "expected *ValidationErrors, got %T", err)
			assert.Contains(t, verrs.Fields(), tt.field)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Target.URL = ""
	cfg.Stages[0].Duration = 0
	cfg.Stages[1].Target = -5

	err := cfg.Validate()
	require.Error(t, err)

	verrs := err.(*ValidationErrors)
	assert.Equal(t, []string{"target.url", "stages[0].duration", "stages[1].target"}, verrs.Fields())
	assert.Contains(t, err.Error(), "3 validation errors")
}

func TestValidationError_Error(t *testing.T) {
	e := &ValidationError{Field: "stages", Message: "at least one stage is required"}
	assert.Equal(t, "validation error on field 'stages': at least one stage is required", e.Error())

	e = &ValidationError{Message: "bad"}
	assert.Equal(t, "validation error: bad", e.Error())
}

func TestThresholdMetrics_Order(t *testing.T) {
	m := map[string][]ThresholdSpec{
		"zeta":              nil,
		"checks":            nil,
		"http_req_duration": nil,
		"alpha":             nil,
	}
	assert.Equal(t, []string{"http_req_duration", "checks", "alpha", "zeta"}, thresholdMetrics(m))
}

func TestPointerToField(t *testing.T) {
	assert.Equal(t, "", pointerToField(""))
	assert.Equal(t, "rampMode", pointerToField("/rampMode"))
	assert.Equal(t, "stages[0].target", pointerToField("/stages/0/target"))
	assert.Equal(t, "thresholds.http_reqs[1]", pointerToField("/thresholds/http_reqs/1"))
}
