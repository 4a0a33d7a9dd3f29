// Package metrics aggregates request outcomes into counters and an HDR
// latency histogram.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"github.com/wesleyorama2/vuload/internal/logging"
	"github.com/wesleyorama2/vuload/internal/sampler"
)

// Aggregator collects outcomes published by virtual users.
//
// Producers call Publish, which only touches a bounded channel. A single
// consumer goroutine drains the channel, records into the histogram and
// counters under mu, and forwards each outcome to the configured sinks.
// Snapshot holds mu only long enough to copy state, so it never waits on
// producers and producers never wait on it.
//
// A single producer's outcomes are recorded in publish order. There is no
// ordering across producers.
type Aggregator struct {
	config Config
	logger *zap.Logger
	sinks  []Sink

	queue chan sampler.Outcome

	// pubMu guards closed against concurrent Publish/Close.
	pubMu  sync.RWMutex
	closed bool

	dropped      atomic.Int64
	overflowOnce sync.Once

	// Guarded by mu, written only by the consumer.
	mu           sync.Mutex
	hist         *hdrhistogram.Histogram
	requests     int64
	succeeded    int64
	failed       int64
	bytes        int64
	checksPassed int64
	checksFailed int64
	failures     map[sampler.FailureKind]int64
	statusCodes  map[int]int64

	activeVUs atomic.Int32
	phase     atomic.Value // string

	bucketStore *TimeBucketStore
	startTime   time.Time

	stopCh       chan struct{}
	consumerDone chan struct{}
	emitterDone  chan struct{}
	closeOnce    sync.Once
}

// NewAggregator creates an aggregator and starts its consumer and
// time-bucket emitter goroutines. Close must be called to stop them.
func NewAggregator(cfg Config, logger *zap.Logger, sinks ...Sink) *Aggregator {
	cfg = cfg.withDefaults()

	a := &Aggregator{
		config:       cfg,
		logger:       logging.OrNop(logger),
		sinks:        sinks,
		queue:        make(chan sampler.Outcome, cfg.QueueSize),
		hist:         hdrhistogram.New(cfg.HistogramMin, cfg.HistogramMax, cfg.HistogramSigFigs),
		failures:     make(map[sampler.FailureKind]int64),
		statusCodes:  make(map[int]int64),
		bucketStore:  NewTimeBucketStore(cfg.MaxBuckets),
		startTime:    time.Now(),
		stopCh:       make(chan struct{}),
		consumerDone: make(chan struct{}),
		emitterDone:  make(chan struct{}),
	}
	a.phase.Store("")

	go a.consume()
	go a.runEmitter()

	return a
}

// Publish hands an outcome to the aggregator. It returns false when the
// outcome was dropped; every drop is counted in Snapshot.Dropped.
func (a *Aggregator) Publish(o sampler.Outcome) bool {
	a.pubMu.RLock()
	defer a.pubMu.RUnlock()

	if a.closed {
		a.recordDrop()
		return false
	}

	select {
	case a.queue <- o:
		return true
	default:
	}

	switch a.config.Overflow {
	case OverflowDropOldest:
		for {
			select {
			case a.queue <- o:
				return true
			default:
			}
			select {
			case <-a.queue:
				a.recordDrop()
			default:
			}
		}

	default:
		timer := time.NewTimer(a.config.MaxBlock)
		defer timer.Stop()

		select {
		case a.queue <- o:
			return true
		case <-timer.C:
			a.recordDrop()
			return false
		}
	}
}

func (a *Aggregator) recordDrop() {
	a.dropped.Add(1)
	a.overflowOnce.Do(func() {
		a.logger.Warn("metrics queue saturated, dropping samples",
			zap.Int("queueSize", a.config.QueueSize),
			zap.String("policy", string(a.config.Overflow)),
		)
	})
}

// consume drains the queue until Close, then records whatever is left.
func (a *Aggregator) consume() {
	defer close(a.consumerDone)

	for {
		select {
		case o := <-a.queue:
			a.record(o)
		case <-a.stopCh:
			for {
				select {
				case o := <-a.queue:
					a.record(o)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) record(o sampler.Outcome) {
	latencyMicros := o.Latency.Microseconds()
	if latencyMicros < a.config.HistogramMin {
		latencyMicros = a.config.HistogramMin
	}
	if latencyMicros > a.config.HistogramMax {
		latencyMicros = a.config.HistogramMax
	}

	a.mu.Lock()
	_ = a.hist.RecordValue(latencyMicros)
	a.requests++
	a.bytes += o.Bytes
	if o.Success {
		a.succeeded++
	} else {
		a.failed++
		a.failures[o.Failure]++
	}
	if o.Status != 0 {
		a.statusCodes[o.Status]++
	}
	a.checksPassed += int64(o.ChecksPassed)
	a.checksFailed += int64(o.ChecksFailed)
	a.mu.Unlock()

	a.bucketStore.RecordRequest(o.Success)

	for _, s := range a.sinks {
		s.Record(o)
	}
}

// SetActiveVUs records the live VU count reported by the scheduler.
func (a *Aggregator) SetActiveVUs(n int) {
	a.activeVUs.Store(int32(n))
}

// SetPhase records the current run phase for snapshots and buckets.
func (a *Aggregator) SetPhase(phase string) {
	a.phase.Store(phase)
}

// Snapshot returns a point-in-time copy of all metrics.
func (a *Aggregator) Snapshot() *Snapshot {
	now := time.Now()

	a.mu.Lock()
	hist := hdrhistogram.New(a.config.HistogramMin, a.config.HistogramMax, a.config.HistogramSigFigs)
	hist.Merge(a.hist)
	snap := &Snapshot{
		Requests:     a.requests,
		Succeeded:    a.succeeded,
		Failed:       a.failed,
		Bytes:        a.bytes,
		ChecksPassed: a.checksPassed,
		ChecksFailed: a.checksFailed,
		Failures:     make(map[sampler.FailureKind]int64, len(a.failures)),
		StatusCodes:  make(map[int]int64, len(a.statusCodes)),
	}
	for k, v := range a.failures {
		snap.Failures[k] = v
	}
	for k, v := range a.statusCodes {
		snap.StatusCodes[k] = v
	}
	a.mu.Unlock()

	snap.hist = hist
	snap.Dropped = a.dropped.Load()
	snap.ActiveVUs = int(a.activeVUs.Load())
	snap.Phase, _ = a.phase.Load().(string)
	snap.WindowStart = a.startTime
	snap.WindowEnd = now
	snap.Elapsed = now.Sub(a.startTime)

	if snap.Requests > 0 {
		snap.ErrorRate = float64(snap.Failed) / float64(snap.Requests)
	}
	if secs := snap.Elapsed.Seconds(); secs > 0 {
		snap.RPS = float64(snap.Requests) / secs
	}

	if hist.TotalCount() > 0 {
		snap.Latency = LatencyStats{
			Min:    time.Duration(hist.Min()) * time.Microsecond,
			Max:    time.Duration(hist.Max()) * time.Microsecond,
			Mean:   time.Duration(hist.Mean()) * time.Microsecond,
			StdDev: time.Duration(hist.StdDev()) * time.Microsecond,
			P50:    time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond,
			P90:    time.Duration(hist.ValueAtQuantile(90)) * time.Microsecond,
			P95:    time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond,
			P99:    time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond,
			Count:  hist.TotalCount(),
		}
	}

	return snap
}

// TimeSeries returns all time-series buckets in chronological order.
func (a *Aggregator) TimeSeries() []*TimeBucket {
	return a.bucketStore.GetBuckets()
}

func (a *Aggregator) runEmitter() {
	defer close(a.emitterDone)

	ticker := time.NewTicker(a.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.emitBucket()
		}
	}
}

func (a *Aggregator) emitBucket() {
	snap := a.Snapshot()
	a.bucketStore.CreateBucket(TimeBucket{
		TotalRequests: snap.Requests,
		TotalFailures: snap.Failed,
		TotalDropped:  snap.Dropped,
		LatencyP50:    snap.Latency.P50,
		LatencyP95:    snap.Latency.P95,
		LatencyP99:    snap.Latency.P99,
		ActiveVUs:     snap.ActiveVUs,
		Phase:         snap.Phase,
	})
}

// Close stops accepting outcomes, records everything still queued, emits
// a final bucket and stops the background goroutines. It is idempotent.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		a.pubMu.Lock()
		a.closed = true
		a.pubMu.Unlock()

		close(a.stopCh)
		<-a.consumerDone
		<-a.emitterDone

		a.emitBucket()
	})
}
