package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/wesleyorama2/vuload/internal/logging"
	"github.com/wesleyorama2/vuload/internal/metrics"
	"github.com/wesleyorama2/vuload/internal/sampler"
	"github.com/wesleyorama2/vuload/internal/scheduler"
	"github.com/wesleyorama2/vuload/internal/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Fields returns the field of every error, in order.
func (e *ValidationErrors) Fields() []string {
	fields := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		fields[i] = err.Field
	}
	return fields
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing all validation errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	validateTarget(&c.Target, errs)
	validateThinkTime(c.ThinkTime, errs)

	if _, err := scheduler.ParseRampMode(c.RampMode); err != nil {
		errs.Add("rampMode", err.Error())
	}
	if c.GracefulStop != nil && *c.GracefulStop < 0 {
		errs.Add("gracefulStop", "cannot be negative")
	}
	if c.TickInterval < 0 {
		errs.Add("tickInterval", "cannot be negative")
	}
	if c.EvaluationInterval < 0 {
		errs.Add("evaluationInterval", "cannot be negative")
	}

	if len(c.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}
	for i, stage := range c.Stages {
		validateStage(fmt.Sprintf("stages[%d]", i), &stage, errs)
	}

	for i, check := range c.Checks {
		if err := check.Validate(); err != nil {
			errs.Add(fmt.Sprintf("checks[%d]", i), err.Error())
		}
	}

	validateThresholds(c.Thresholds, errs)
	validateMetrics(&c.Metrics, errs)
	validateLog(&c.Log, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateTarget validates the request target.
func validateTarget(t *TargetConfig, errs *ValidationErrors) {
	if t.URL == "" {
		errs.Add("target.url", "url is required")
	} else {
		u, err := url.Parse(t.URL)
		switch {
		case err != nil:
			errs.Add("target.url", fmt.Sprintf("invalid URL: %v", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs.Add("target.url", fmt.Sprintf("unsupported scheme %q (expected http or https)", u.Scheme))
		case u.Host == "":
			errs.Add("target.url", "host is required")
		}
	}

	if t.Method != "" && !strings.EqualFold(t.Method, "GET") {
		errs.Add("target.method", fmt.Sprintf("only GET is supported, got %s", t.Method))
	}

	if t.Timeout < 0 {
		errs.Add("target.timeout", "cannot be negative")
	}

	switch sampler.ClientKind(t.Client) {
	case "", sampler.ClientNetHTTP, sampler.ClientFastHTTP:
	default:
		errs.Add("target.client", fmt.Sprintf("unknown client: %s", t.Client))
	}

	if t.MaxConnsPerHost < 0 {
		errs.Add("target.maxConnsPerHost", "cannot be negative")
	}
	if t.MaxIdleConnsPerHost < 0 {
		errs.Add("target.maxIdleConnsPerHost", "cannot be negative")
	}
}

// validateThinkTime validates the pause between iterations.
func validateThinkTime(t *ThinkTimeConfig, errs *ValidationErrors) {
	if t == nil {
		return
	}
	if t.Min < 0 {
		errs.Add("thinkTime.min", "cannot be negative")
	}
	if t.Max < 0 {
		errs.Add("thinkTime.max", "cannot be negative")
	}
	if t.Min > t.Max {
		errs.Add("thinkTime", "min must be less than or equal to max")
	}
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration <= 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}
	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

// validateThresholds parses every threshold expression.
func validateThresholds(thresholds map[string][]ThresholdSpec, errs *ValidationErrors) {
	for _, metric := range thresholdMetrics(thresholds) {
		for i, spec := range thresholds[metric] {
			if _, err := threshold.Parse(metric, spec.Threshold); err != nil {
				errs.Add(fmt.Sprintf("thresholds.%s[%d]", metric, i), err.Error())
			}
		}
	}
}

// thresholdMetrics returns the configured metric names, known metrics
// first in report order, then unknown ones sorted.
func thresholdMetrics(thresholds map[string][]ThresholdSpec) []string {
	names := make([]string, 0, len(thresholds))
	for _, m := range threshold.Metrics {
		if _, ok := thresholds[m]; ok {
			names = append(names, m)
		}
	}

	var unknown []string
	for m := range thresholds {
		found := false
		for _, known := range threshold.Metrics {
			if m == known {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, m)
		}
	}
	sort.Strings(unknown)
	return append(names, unknown...)
}

// validateMetrics validates aggregator settings.
func validateMetrics(m *MetricsConfig, errs *ValidationErrors) {
	if m.QueueSize < 0 {
		errs.Add("metrics.queueSize", "cannot be negative")
	}
	switch metrics.OverflowPolicy(m.Overflow) {
	case "", metrics.OverflowBlock, metrics.OverflowDropOldest:
	default:
		errs.Add("metrics.overflow", fmt.Sprintf("unknown overflow policy %q (expected block or drop-oldest)", m.Overflow))
	}
	if m.MaxBlock < 0 {
		errs.Add("metrics.maxBlock", "cannot be negative")
	}
	if m.BucketInterval < 0 {
		errs.Add("metrics.bucketInterval", "cannot be negative")
	}
}

// validateLog validates logger settings.
func validateLog(l *logging.Config, errs *ValidationErrors) {
	if l.Level != "" {
		if _, err := logging.ParseLevel(l.Level); err != nil {
			errs.Add("log.level", err.Error())
		}
	}
	switch l.Format {
	case "", "console", "json":
	default:
		errs.Add("log.format", fmt.Sprintf("unknown format %q (expected console or json)", l.Format))
	}
}
