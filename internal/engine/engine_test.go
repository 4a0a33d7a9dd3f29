package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/vuload/internal/config"
	"github.com/wesleyorama2/vuload/internal/metrics"
	"github.com/wesleyorama2/vuload/internal/sampler"
	"github.com/wesleyorama2/vuload/internal/scheduler"
	"github.com/wesleyorama2/vuload/internal/threshold"
)

// newTarget returns a server that answers every request after delay, or
// after slowDelay for every slowEvery-th request when slowEvery > 0.
func newTarget(status int, delay time.Duration, slowEvery int64, slowDelay time.Duration) (*httptest.Server, *atomic.Int64) {
	var count atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := count.Add(1)
		if slowEvery > 0 && n%slowEvery == 0 {
			time.Sleep(slowDelay)
		} else {
			time.Sleep(delay)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	return srv, &count
}

func dur(d time.Duration) config.Duration { return config.Duration(d) }

func durPtr(d time.Duration) *config.Duration {
	cd := config.Duration(d)
	return &cd
}

func testConfig(url string, stages ...config.StageConfig) *config.TestConfig {
	return &config.TestConfig{
		Name:         "engine-test",
		Target:       config.TargetConfig{URL: url},
		ThinkTime:    &config.ThinkTimeConfig{Min: dur(10 * time.Millisecond), Max: dur(10 * time.Millisecond)},
		TickInterval: dur(20 * time.Millisecond),
		GracefulStop: durPtr(10 * time.Second),
		Stages:       stages,
		Thresholds: map[string][]config.ThresholdSpec{
			"http_req_duration": {{Threshold: "p(99)<1500"}},
		},
	}
}

func stage(d time.Duration, target int) config.StageConfig {
	return config.StageConfig{Duration: dur(d), Target: target}
}

func TestController_FastTargetPasses(t *testing.T) {
	srv, count := newTarget(http.StatusOK, 100*time.Millisecond, 0, 0)
	defer srv.Close()

	cfg := testConfig(srv.URL,
		stage(300*time.Millisecond, 5),
		stage(500*time.Millisecond, 5),
		stage(200*time.Millisecond, 0),
	)
	cfg.Checks = []sampler.Check{{Name: "status is 200", Status: 200}}

	ctrl, err := New(cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, scheduler.StateIdle, ctrl.State())

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Passed())
	assert.Empty(t, result.Verdict.Violations)
	assert.Equal(t, ExitPassed, result.ExitCode())
	assert.False(t, result.Aborted)
	assert.Equal(t, "completed", result.State)
	assert.Equal(t, scheduler.StateCompleted, ctrl.State())
	assert.Equal(t, 5, result.MaxVUs)
	assert.NotEqual(t, uuid.Nil, result.ID)

	snap := result.Metrics
	assert.Greater(t, snap.Requests, int64(0))
	assert.Equal(t, count.Load(), snap.Requests)
	assert.Zero(t, snap.Failed)
	assert.Zero(t, snap.Dropped)
	assert.Equal(t, snap.Requests, snap.ChecksPassed)
	assert.GreaterOrEqual(t, snap.Latency.P99, 100*time.Millisecond)
	assert.Less(t, snap.Latency.P99, 1500*time.Millisecond)
}

func TestController_SlowTailFailsThreshold(t *testing.T) {
	if testing.Short() {
		t.Skip("slow responses take 5s")
	}

	// Every 50th request takes 5s: 2% of requests.
	srv, count := newTarget(http.StatusOK, 20*time.Millisecond, 50, 5*time.Second)
	defer srv.Close()

	cfg := testConfig(srv.URL,
		stage(200*time.Millisecond, 10),
		stage(1*time.Second, 10),
	)
	cfg.ThinkTime = &config.ThinkTimeConfig{}

	ctrl, err := New(cfg, Options{})
	require.NoError(t, err)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.GreaterOrEqual(t, result.Metrics.Requests, int64(50))
	assert.Equal(t, count.Load(), result.Metrics.Requests)

	assert.False(t, result.Passed())
	require.Len(t, result.Verdict.Violations, 1)
	v := result.Verdict.Violations[0]
	assert.Equal(t, threshold.MetricReqDuration, v.Threshold.Metric)
	assert.Equal(t, "p(99)", v.Threshold.Stat)
	assert.GreaterOrEqual(t, v.Actual, 4990.0)
	assert.Equal(t, ExitThresholdsFailed, result.ExitCode())
	assert.False(t, result.Aborted)
}

func TestController_CancelMidRamp(t *testing.T) {
	srv, _ := newTarget(http.StatusOK, 5*time.Millisecond, 0, 0)
	defer srv.Close()

	cfg := testConfig(srv.URL, stage(10*time.Second, 50), stage(10*time.Second, 0))
	cfg.ThinkTime = &config.ThinkTimeConfig{Min: dur(100 * time.Millisecond), Max: dur(100 * time.Millisecond)}
	cfg.GracefulStop = durPtr(time.Second)

	ctrl, err := New(cfg, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := ctrl.Run(ctx)
	require.NoError(t, err)

	// One think time plus the grace period, with slack.
	assert.Less(t, time.Since(start), 500*time.Millisecond+100*time.Millisecond+time.Second+500*time.Millisecond)

	assert.True(t, result.Aborted)
	assert.Equal(t, "aborted", result.State)
	assert.Equal(t, scheduler.StateAborted, ctrl.State())
	assert.Nil(t, result.AbortedBy)
	assert.Contains(t, result.Reason, "canceled")
	assert.Greater(t, result.Metrics.Requests, int64(0))
	assert.True(t, result.Passed())
	assert.Zero(t, result.ForceCancelled)
}

func TestController_StateIsAbortedWhileDraining(t *testing.T) {
	srv, _ := newTarget(http.StatusOK, 2*time.Second, 0, 0)
	defer srv.Close()

	cfg := testConfig(srv.URL, stage(time.Minute, 20))
	cfg.RampMode = "step"
	cfg.GracefulStop = durPtr(5 * time.Second)

	ctrl, err := New(cfg, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() {
		result, _ := ctrl.Run(ctx)
		done <- result
	}()

	require.Eventually(t, func() bool { return ctrl.State() == scheduler.StateRampingUp }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(800 * time.Millisecond)
	cancel()
	time.Sleep(300 * time.Millisecond)

	// In-flight requests take 2s, so the VUs are still draining here.
	select {
	case <-done:
		t.Fatal("run returned before in-flight requests finished")
	default:
	}
	assert.Equal(t, scheduler.StateAborted, ctrl.State())

	result := <-done
	require.NotNil(t, result)
	assert.Equal(t, "aborted", result.State)
	assert.Zero(t, result.ForceCancelled)
	assert.Equal(t, int64(20), result.Metrics.Requests)
}

func TestController_AbortOnFail(t *testing.T) {
	srv, _ := newTarget(http.StatusInternalServerError, 5*time.Millisecond, 0, 0)
	defer srv.Close()

	cfg := testConfig(srv.URL, stage(10*time.Second, 5))
	cfg.EvaluationInterval = dur(100 * time.Millisecond)
	cfg.GracefulStop = durPtr(time.Second)
	cfg.Thresholds = map[string][]config.ThresholdSpec{
		"http_req_failed": {{Threshold: "rate<0.1", AbortOnFail: true}},
	}

	var progress atomic.Int32
	var lastProgress atomic.Pointer[float64]
	ctrl, err := New(cfg, Options{Progress: func(snap *metrics.Snapshot) {
		progress.Add(1)
		p := snap.Progress
		lastProgress.Store(&p)
	}})
	require.NoError(t, err)

	start := time.Now()
	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, result.Aborted)
	require.NotNil(t, result.AbortedBy)
	assert.Equal(t, threshold.MetricReqFailed, result.AbortedBy.Metric)
	assert.Contains(t, result.Reason, "http_req_failed: rate<0.1")
	assert.False(t, result.Passed())
	assert.Equal(t, ExitAbortedByThreshold, result.ExitCode())
	assert.Equal(t, 1.0, result.Metrics.ErrorRate)
	assert.Greater(t, progress.Load(), int32(0))

	// Live snapshots carry the scheduler's progress through the ramp.
	require.NotNil(t, lastProgress.Load())
	assert.Greater(t, *lastProgress.Load(), 0.0)
	assert.Less(t, *lastProgress.Load(), 0.5)
	assert.Equal(t, 1.0, result.Metrics.Progress)
}

func TestController_AdvisoryThresholdDoesNotFail(t *testing.T) {
	srv, _ := newTarget(http.StatusOK, 20*time.Millisecond, 0, 0)
	defer srv.Close()

	notRequired := false
	cfg := testConfig(srv.URL, stage(300*time.Millisecond, 2))
	cfg.Thresholds = map[string][]config.ThresholdSpec{
		"http_req_duration": {{Threshold: "p(99)<1", Required: &notRequired}},
	}

	ctrl, err := New(cfg, Options{})
	require.NoError(t, err)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Passed())
	assert.Len(t, result.Verdict.Violations, 1)
	assert.Equal(t, ExitPassed, result.ExitCode())
}

func TestController_SinksReceiveOutcomes(t *testing.T) {
	srv, count := newTarget(http.StatusOK, 5*time.Millisecond, 0, 0)
	defer srv.Close()

	sink := &countingSink{}
	cfg := testConfig(srv.URL, stage(300*time.Millisecond, 3))

	ctrl, err := New(cfg, Options{Sinks: []metrics.Sink{sink}})
	require.NoError(t, err)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, count.Load(), sink.n.Load())
	assert.Equal(t, result.Metrics.Requests, sink.n.Load())
}

type countingSink struct{ n atomic.Int64 }

func (s *countingSink) Record(sampler.Outcome) { s.n.Add(1) }

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.TestConfig
	}{
		{"nil", nil},
		{"empty stages", testConfig("http://localhost/")},
		{"negative duration", testConfig("http://localhost/", stage(-time.Second, 1))},
		{"negative target", testConfig("http://localhost/", stage(time.Second, -1))},
		{"bad threshold", func() *config.TestConfig {
			c := testConfig("http://localhost/", stage(time.Second, 1))
			c.Thresholds["http_req_duration"] = []config.ThresholdSpec{{Threshold: "p(99)"}}
			return c
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, err := New(tt.cfg, Options{})
			require.Error(t, err)
			assert.Nil(t, ctrl)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}

	_, err := New(testConfig("http://localhost/"), Options{})
	var verrs *config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, verrs.Fields(), "stages")
}

func TestController_RejectsConcurrentRun(t *testing.T) {
	srv, _ := newTarget(http.StatusOK, time.Millisecond, 0, 0)
	defer srv.Close()

	ctrl, err := New(testConfig(srv.URL, stage(500*time.Millisecond, 1)), Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ctrl.Run(context.Background())
	}()

	require.Eventually(t, func() bool { return ctrl.State() != scheduler.StateIdle }, time.Second, 5*time.Millisecond)
	_, err = ctrl.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	<-done
}

func TestResult_ExitCode(t *testing.T) {
	var nilResult *Result
	assert.Equal(t, ExitError, nilResult.ExitCode())

	trigger := threshold.MustParse("http_req_failed", "rate<0.1")
	tests := []struct {
		name   string
		result Result
		want   int
	}{
		{"passed", Result{Verdict: threshold.Verdict{Passed: true}}, ExitPassed},
		{"thresholds failed", Result{}, ExitThresholdsFailed},
		{"aborted by threshold", Result{Aborted: true, AbortedBy: &trigger}, ExitAbortedByThreshold},
		// An interrupted run is judged by its thresholds alone.
		{"interrupted and passing", Result{Aborted: true, Reason: "context canceled", Verdict: threshold.Verdict{Passed: true}}, ExitPassed},
		{"interrupted and failing", Result{Aborted: true, Reason: "context canceled"}, ExitThresholdsFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.ExitCode())
		})
	}
}
