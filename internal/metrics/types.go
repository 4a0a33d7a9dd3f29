package metrics

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/vuload/internal/sampler"
)

// OverflowPolicy decides what Publish does when the inbound queue is full.
type OverflowPolicy string

const (
	// OverflowBlock makes the producer wait up to Config.MaxBlock for room,
	// then drops the outcome and counts it.
	OverflowBlock OverflowPolicy = "block"

	// OverflowDropOldest evicts the oldest queued outcome to make room.
	OverflowDropOldest OverflowPolicy = "drop-oldest"
)

// Config contains configuration for the aggregator.
type Config struct {
	// QueueSize is the capacity of the inbound outcome queue (default: 65536)
	QueueSize int

	// Overflow is the policy applied when the queue is full (default: block)
	Overflow OverflowPolicy

	// MaxBlock bounds how long a producer waits under OverflowBlock (default: 1s)
	MaxBlock time.Duration

	// BucketInterval is the interval for time-series buckets (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the maximum number of buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:        65536,
		Overflow:         OverflowBlock,
		MaxBlock:         time.Second,
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Overflow == "" {
		c.Overflow = d.Overflow
	}
	if c.MaxBlock <= 0 {
		c.MaxBlock = d.MaxBlock
	}
	if c.BucketInterval <= 0 {
		c.BucketInterval = d.BucketInterval
	}
	if c.MaxBuckets <= 0 {
		c.MaxBuckets = d.MaxBuckets
	}
	if c.HistogramMin <= 0 {
		c.HistogramMin = d.HistogramMin
	}
	if c.HistogramMax <= c.HistogramMin {
		c.HistogramMax = d.HistogramMax
	}
	if c.HistogramSigFigs <= 0 || c.HistogramSigFigs > 5 {
		c.HistogramSigFigs = d.HistogramSigFigs
	}
	return c
}

// Sink receives every recorded outcome from the aggregator's consumer
// goroutine. Implementations are called from a single goroutine.
type Sink interface {
	Record(o sampler.Outcome)
}

// Snapshot is a point-in-time, read-only view of the aggregated metrics.
type Snapshot struct {
	// Requests is the number of recorded outcomes
	Requests int64 `json:"requests"`

	// Succeeded counts outcomes with Success set
	Succeeded int64 `json:"succeeded"`

	// Failed counts outcomes without Success (transport errors and bad statuses)
	Failed int64 `json:"failed"`

	// Dropped counts outcomes lost to queue overflow
	Dropped int64 `json:"dropped"`

	// ErrorRate is Failed/Requests (0.0 to 1.0)
	ErrorRate float64 `json:"errorRate"`

	// Bytes is the total response body size received
	Bytes int64 `json:"bytes"`

	// RPS is Requests divided by the window length
	RPS float64 `json:"rps"`

	// Latency contains latency statistics
	Latency LatencyStats `json:"latency"`

	// ChecksPassed and ChecksFailed count check results over all responses
	ChecksPassed int64 `json:"checksPassed"`
	ChecksFailed int64 `json:"checksFailed"`

	// Failures breaks failed outcomes down by kind
	Failures map[sampler.FailureKind]int64 `json:"failures,omitempty"`

	// StatusCodes counts responses per HTTP status
	StatusCodes map[int]int64 `json:"statusCodes,omitempty"`

	// ActiveVUs and Phase are the last values reported by the scheduler
	ActiveVUs int    `json:"activeVUs"`
	Phase     string `json:"phase,omitempty"`

	// WindowStart and WindowEnd bound the aggregation window
	WindowStart time.Time     `json:"windowStart"`
	WindowEnd   time.Time     `json:"windowEnd"`
	Elapsed     time.Duration `json:"elapsed"`

	// Progress is the scheduler's elapsed fraction of the ramp profile,
	// set by the run controller
	Progress float64 `json:"progress"`

	hist *hdrhistogram.Histogram
}

// ChecksRate is the fraction of passed checks, 0 when no check ran.
func (s *Snapshot) ChecksRate() float64 {
	total := s.ChecksPassed + s.ChecksFailed
	if total == 0 {
		return 0
	}
	return float64(s.ChecksPassed) / float64(total)
}

// Percentile returns the latency at percentile p (0 < p <= 100).
func (s *Snapshot) Percentile(p float64) time.Duration {
	if s.hist == nil || s.hist.TotalCount() == 0 {
		return 0
	}
	return time.Duration(s.hist.ValueAtQuantile(p)) * time.Microsecond
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

// TimeBucket holds metrics for one bucket interval.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	// Cumulative counters
	TotalRequests int64 `json:"totalRequests"`
	TotalFailures int64 `json:"totalFailures"`
	TotalDropped  int64 `json:"totalDropped"`

	// Interval metrics
	IntervalRequests  int64   `json:"intervalRequests"`
	IntervalRPS       float64 `json:"intervalRPS"`
	IntervalErrorRate float64 `json:"intervalErrorRate"`

	// Cumulative latency at this point in time
	LatencyP50 time.Duration `json:"latencyP50"`
	LatencyP95 time.Duration `json:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99"`

	ActiveVUs int    `json:"activeVUs"`
	Phase     string `json:"phase,omitempty"`
}
