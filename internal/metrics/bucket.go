package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimeBucketStore stores time-bucketed metrics in a ring buffer.
//
// Interval counters are updated lock-free by the aggregator's consumer;
// the emitter turns them into a bucket once per interval. When the buffer
// is full the oldest bucket is overwritten.
type TimeBucketStore struct {
	buckets    []*TimeBucket
	head       int // Next write position
	count      int // Current number of buckets
	maxBuckets int
	mu         sync.RWMutex

	lastBucketTime time.Time

	// Current interval accumulator
	currentRequests atomic.Int64
	currentFailures atomic.Int64
}

// NewTimeBucketStore creates a new time bucket store retaining at most
// maxBuckets buckets.
func NewTimeBucketStore(maxBuckets int) *TimeBucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}

	return &TimeBucketStore{
		buckets:        make([]*TimeBucket, maxBuckets),
		maxBuckets:     maxBuckets,
		lastBucketTime: time.Now(),
	}
}

// RecordRequest adds one request to the current interval.
func (tbs *TimeBucketStore) RecordRequest(success bool) {
	tbs.currentRequests.Add(1)
	if !success {
		tbs.currentFailures.Add(1)
	}
}

// CreateBucket closes the current interval. base carries the cumulative
// fields; interval fields are filled in here.
func (tbs *TimeBucketStore) CreateBucket(base TimeBucket) *TimeBucket {
	tbs.mu.Lock()
	defer tbs.mu.Unlock()

	now := time.Now()
	intervalRequests := tbs.currentRequests.Swap(0)
	intervalFailures := tbs.currentFailures.Swap(0)

	intervalDuration := now.Sub(tbs.lastBucketTime).Seconds()
	if intervalDuration <= 0 {
		intervalDuration = 1.0
	}

	bucket := base
	bucket.Timestamp = now
	bucket.IntervalRequests = intervalRequests
	bucket.IntervalRPS = float64(intervalRequests) / intervalDuration
	if intervalRequests > 0 {
		bucket.IntervalErrorRate = float64(intervalFailures) / float64(intervalRequests)
	}

	tbs.buckets[tbs.head] = &bucket
	tbs.head = (tbs.head + 1) % tbs.maxBuckets
	if tbs.count < tbs.maxBuckets {
		tbs.count++
	}
	tbs.lastBucketTime = now

	return &bucket
}

// GetBuckets returns a copy of all buckets in chronological order.
func (tbs *TimeBucketStore) GetBuckets() []*TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}

	result := make([]*TimeBucket, tbs.count)
	start := 0
	if tbs.count == tbs.maxBuckets {
		start = tbs.head
	}
	for i := 0; i < tbs.count; i++ {
		result[i] = tbs.buckets[(start+i)%tbs.maxBuckets]
	}
	return result
}
