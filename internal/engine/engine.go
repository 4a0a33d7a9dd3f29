// Package engine orchestrates a load test run: it wires the sampler,
// virtual users, ramp scheduler and metrics aggregator together, checks
// thresholds while the run progresses and produces the final verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/vuload/internal/config"
	"github.com/wesleyorama2/vuload/internal/logging"
	"github.com/wesleyorama2/vuload/internal/metrics"
	"github.com/wesleyorama2/vuload/internal/sampler"
	"github.com/wesleyorama2/vuload/internal/scheduler"
	"github.com/wesleyorama2/vuload/internal/threshold"
	"github.com/wesleyorama2/vuload/internal/vu"
)

// Exit codes returned by Result.ExitCode. A run interrupted by a signal
// exits by its verdict; 105 is reserved for a threshold abort.
const (
	ExitPassed             = 0
	ExitError              = 1
	ExitThresholdsFailed   = 99
	ExitAbortedByThreshold = 105
)

var (
	// ErrInvalidConfig wraps every configuration problem found by New.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAlreadyRunning is returned by Run when a run is in progress.
	ErrAlreadyRunning = errors.New("controller is already running")
)

// Options carries optional collaborators.
type Options struct {
	// Logger defaults to a no-op logger
	Logger *zap.Logger

	// Client replaces the client built from the target configuration
	Client sampler.Client

	// Sinks receive every recorded outcome (Parquet, Prometheus)
	Sinks []metrics.Sink

	// Progress, when set, is called with a live snapshot every
	// evaluation interval
	Progress func(*metrics.Snapshot)
}

// Controller runs one load test.
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("fitness.yaml")
//	ctrl, _ := engine.New(cfg, engine.Options{})
//	result, _ := ctrl.Run(ctx)
//	os.Exit(result.ExitCode())
type Controller struct {
	config     *config.TestConfig
	opts       Options
	logger     *zap.Logger
	thresholds []threshold.Threshold
	schedCfg   scheduler.Config

	mu      sync.Mutex
	running bool

	// sched is set while Run is active
	sched atomic.Pointer[scheduler.RampScheduler]
	state atomic.Int32
}

// Result is the structured outcome of a run.
type Result struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Target      string        `json:"target"`
	State       string        `json:"state"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	// MaxVUs is the peak target of the ramp profile
	MaxVUs int `json:"maxVUs"`

	// ForceCancelled counts VUs still running when the grace period ran out
	ForceCancelled int `json:"forceCancelled,omitempty"`

	Metrics    *metrics.Snapshot     `json:"metrics"`
	TimeSeries []*metrics.TimeBucket `json:"timeSeries,omitempty"`
	Verdict    threshold.Verdict     `json:"verdict"`

	// Aborted is true when the run ended before its last stage
	Aborted bool `json:"aborted"`

	// AbortedBy is the abortOnFail threshold that stopped the run
	AbortedBy *threshold.Threshold `json:"abortedBy,omitempty"`

	// Reason describes why an aborted run stopped
	Reason string `json:"reason,omitempty"`
}

// Passed reports whether every required threshold held.
func (r *Result) Passed() bool {
	return r.Verdict.Passed
}

// ExitCode maps the result to a process exit status.
func (r *Result) ExitCode() int {
	switch {
	case r == nil:
		return ExitError
	case r.AbortedBy != nil:
		return ExitAbortedByThreshold
	case !r.Verdict.Passed:
		return ExitThresholdsFailed
	default:
		return ExitPassed
	}
}

// New validates cfg and prepares a controller. Configuration problems are
// returned wrapped in ErrInvalidConfig before anything is started.
func New(cfg *config.TestConfig, opts Options) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	config.ApplyDefaults(cfg)

	thresholds, err := cfg.ThresholdList()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := scheduler.ValidateStages(schedCfg.Stages); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return &Controller{
		config:     cfg,
		opts:       opts,
		logger:     logging.OrNop(opts.Logger),
		thresholds: thresholds,
		schedCfg:   schedCfg,
	}, nil
}

// Thresholds returns the parsed thresholds in report order.
func (c *Controller) Thresholds() []threshold.Threshold {
	return c.thresholds
}

// State returns the current run state.
func (c *Controller) State() scheduler.RunState {
	if s := c.sched.Load(); s != nil {
		return s.Phase()
	}
	return scheduler.RunState(c.state.Load())
}

// Run executes the test until the last stage ends or ctx is cancelled.
// A cancelled run is not an error: it ends Aborted with a final snapshot
// and verdict over the data collected so far.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	client := c.opts.Client
	if client == nil {
		var err error
		client, err = sampler.NewClient(c.config.ClientKind(), c.config.HTTPClientConfig())
		if err != nil {
			c.state.Store(int32(scheduler.StateAborted))
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		defer client.Close()
	}

	runID := uuid.New()
	logger := c.logger.With(zap.String("run", runID.String()))

	smp := sampler.New(client, c.config.Checks...)
	agg := metrics.NewAggregator(c.config.MetricsConfig(), logger, c.opts.Sinks...)

	target := c.config.Target.URL
	think := c.config.VUThinkTime()
	newVU := func(id int) *vu.VirtualUser {
		return vu.New(id, target, smp, agg, think)
	}

	sched := scheduler.New(c.schedCfg, newVU, agg, logger)
	c.sched.Store(sched)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("starting run",
		zap.String("name", c.config.Name),
		zap.String("target", target),
		zap.Int("stages", len(c.schedCfg.Stages)),
		zap.Int("maxVUs", scheduler.MaxTarget(c.schedCfg.Stages)),
		zap.Duration("duration", scheduler.TotalDuration(c.schedCfg.Stages)),
		zap.String("rampMode", string(c.schedCfg.Mode)),
		zap.Int("thresholds", len(c.thresholds)))

	startTime := time.Now()

	var abortedBy atomic.Pointer[threshold.Threshold]
	evalDone := make(chan struct{})
	evalStopped := make(chan struct{})
	go func() {
		defer close(evalStopped)
		c.evaluationLoop(agg, sched, evalDone, func(t threshold.Threshold, actual float64) {
			if abortedBy.CompareAndSwap(nil, &t) {
				logger.Warn("threshold crossed, aborting run",
					zap.String("threshold", t.String()),
					zap.String("actual", t.FormatValue(actual)))
				cancel()
			}
		})
	}()

	runErr := sched.Run(runCtx)

	close(evalDone)
	<-evalStopped

	// Close drains the queue, so the final snapshot sees every published
	// outcome.
	agg.Close()
	endTime := time.Now()

	final := agg.Snapshot()
	final.Progress = sched.Progress()
	verdict := threshold.Evaluate(final, c.thresholds)

	state := sched.Phase()
	c.state.Store(int32(state))
	c.sched.Store(nil)

	result := &Result{
		ID:             runID,
		Name:           c.config.Name,
		Description:    c.config.Description,
		Target:         target,
		State:          state.String(),
		StartTime:      startTime,
		EndTime:        endTime,
		Duration:       endTime.Sub(startTime),
		MaxVUs:         scheduler.MaxTarget(c.schedCfg.Stages),
		ForceCancelled: sched.ForceCancelled(),
		Metrics:        final,
		TimeSeries:     agg.TimeSeries(),
		Verdict:        verdict,
		Aborted:        state == scheduler.StateAborted,
		AbortedBy:      abortedBy.Load(),
	}

	if result.Aborted {
		switch {
		case result.AbortedBy != nil:
			result.Reason = "threshold crossed: " + result.AbortedBy.String()
		case runErr != nil:
			result.Reason = runErr.Error()
		default:
			result.Reason = "aborted"
		}
	}

	for _, v := range verdict.Advisory() {
		logger.Warn("advisory threshold violated",
			zap.String("threshold", v.Threshold.String()),
			zap.String("actual", v.Threshold.FormatValue(v.Actual)))
	}

	logger.Info("run finished",
		zap.String("state", result.State),
		zap.Bool("passed", verdict.Passed),
		zap.Int64("requests", final.Requests),
		zap.Int64("failed", final.Failed),
		zap.Int64("dropped", final.Dropped),
		zap.Duration("p99", final.Latency.P99),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// evaluationLoop checks thresholds on a live snapshot every evaluation
// interval until done is closed. onAbort is called for the first
// violated abortOnFail threshold.
func (c *Controller) evaluationLoop(agg *metrics.Aggregator, sched *scheduler.RampScheduler, done <-chan struct{}, onAbort func(threshold.Threshold, float64)) {
	watch := abortable(c.thresholds)
	if len(watch) == 0 && c.opts.Progress == nil {
		return
	}

	ticker := time.NewTicker(c.config.EvaluationInterval.GetDuration(config.DefaultEvaluationInterval))
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		snap := agg.Snapshot()
		snap.Progress = sched.Progress()
		if c.opts.Progress != nil {
			c.opts.Progress(snap)
		}
		if len(watch) == 0 || snap.Requests == 0 {
			continue
		}

		verdict := threshold.Evaluate(snap, watch)
		if t, ok := verdict.AbortTrigger(); ok {
			for _, v := range verdict.Violations {
				if v.Threshold.Source == t.Source && v.Threshold.Metric == t.Metric {
					onAbort(t, v.Actual)
					break
				}
			}
			return
		}
	}
}

// abortable returns the thresholds that can stop a run early.
func abortable(thresholds []threshold.Threshold) []threshold.Threshold {
	var out []threshold.Threshold
	for _, t := range thresholds {
		if t.AbortOnFail {
			out = append(out, t)
		}
	}
	return out
}
