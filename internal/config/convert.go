package config

import (
	"fmt"
	"time"

	"github.com/wesleyorama2/vuload/internal/metrics"
	"github.com/wesleyorama2/vuload/internal/sampler"
	"github.com/wesleyorama2/vuload/internal/scheduler"
	"github.com/wesleyorama2/vuload/internal/threshold"
	"github.com/wesleyorama2/vuload/internal/vu"
)

// SchedulerStages converts the configured stages.
func (c *TestConfig) SchedulerStages() []scheduler.Stage {
	stages := make([]scheduler.Stage, len(c.Stages))
	for i, s := range c.Stages {
		stages[i] = scheduler.Stage{
			Duration: s.Duration.GetDuration(0),
			Target:   s.Target,
			Name:     s.Name,
		}
	}
	return stages
}

// SchedulerConfig returns the ramp scheduler settings.
func (c *TestConfig) SchedulerConfig() (scheduler.Config, error) {
	mode, err := scheduler.ParseRampMode(c.RampMode)
	if err != nil {
		return scheduler.Config{}, err
	}
	graceful := DefaultGracefulStop
	if c.GracefulStop != nil {
		graceful = time.Duration(*c.GracefulStop)
	}
	return scheduler.Config{
		Stages:       c.SchedulerStages(),
		Mode:         mode,
		TickInterval: c.TickInterval.GetDuration(DefaultTickInterval),
		GracefulStop: graceful,
	}, nil
}

// ThresholdList parses every threshold in report order.
func (c *TestConfig) ThresholdList() ([]threshold.Threshold, error) {
	var out []threshold.Threshold
	for _, metric := range thresholdMetrics(c.Thresholds) {
		for _, spec := range c.Thresholds[metric] {
			t, err := threshold.Parse(metric, spec.Threshold)
			if err != nil {
				return nil, fmt.Errorf("thresholds.%s: %w", metric, err)
			}
			t.Required = spec.IsRequired()
			t.AbortOnFail = spec.AbortOnFail
			out = append(out, t)
		}
	}
	return out, nil
}

// HTTPClientConfig returns the transport settings for the target.
func (c *TestConfig) HTTPClientConfig() sampler.HTTPClientConfig {
	cfg := sampler.DefaultHTTPClientConfig()
	cfg.Timeout = c.Target.Timeout.GetDuration(DefaultTimeout)
	if c.Target.MaxIdleConnsPerHost > 0 {
		cfg.MaxIdleConnsPerHost = c.Target.MaxIdleConnsPerHost
	}
	// Allow at least one idle connection per VU at peak.
	if peak := scheduler.MaxTarget(c.SchedulerStages()); c.Target.MaxIdleConnsPerHost == 0 && peak > cfg.MaxIdleConnsPerHost {
		cfg.MaxIdleConnsPerHost = peak
	}
	cfg.MaxConnsPerHost = c.Target.MaxConnsPerHost
	cfg.DisableKeepAlives = c.Target.DisableKeepAlives
	cfg.InsecureSkipVerify = c.Target.InsecureSkipVerify
	cfg.Headers = c.Target.Headers
	return cfg
}

// ClientKind returns the configured HTTP client implementation.
func (c *TestConfig) ClientKind() sampler.ClientKind {
	return sampler.ClientKind(c.Target.Client)
}

// MetricsConfig returns the aggregator settings.
func (c *TestConfig) MetricsConfig() metrics.Config {
	return metrics.Config{
		QueueSize:      c.Metrics.QueueSize,
		Overflow:       metrics.OverflowPolicy(c.Metrics.Overflow),
		MaxBlock:       c.Metrics.MaxBlock.GetDuration(0),
		BucketInterval: c.Metrics.BucketInterval.GetDuration(0),
	}
}

// VUThinkTime returns the per-iteration pause, DefaultThinkTime when unset.
func (c *TestConfig) VUThinkTime() vu.ThinkTime {
	if c.ThinkTime == nil {
		return vu.ConstantThinkTime(DefaultThinkTime)
	}
	return vu.ThinkTime{Min: c.ThinkTime.Min.GetDuration(0), Max: c.ThinkTime.Max.GetDuration(0)}
}
