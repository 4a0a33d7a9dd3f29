package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/vuload/internal/engine"
	"github.com/wesleyorama2/vuload/internal/metrics"
	"github.com/wesleyorama2/vuload/internal/sampler"
	"github.com/wesleyorama2/vuload/internal/scheduler"
	"github.com/wesleyorama2/vuload/internal/threshold"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0ms"},
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDurationShort(tt.duration))
		})
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "0", formatNumber(0))
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1,000", formatNumber(1000))
	assert.Equal(t, "1,234,567", formatNumber(1234567))
}

func TestRenderProgressBar(t *testing.T) {
	assert.Equal(t, "[░░░░]", renderProgressBar(-1, 4))
	assert.Equal(t, "[██░░]", renderProgressBar(0.5, 4))
	assert.Equal(t, "[████]", renderProgressBar(2, 4))
}

func TestVisibleLen(t *testing.T) {
	assert.Equal(t, 5, visibleLen("hello"))
	assert.Equal(t, 5, visibleLen("\033[32mhello\033[0m"))
	assert.Equal(t, 1, visibleLen("│"))
}

func fitnessStages() []scheduler.Stage {
	return []scheduler.Stage{
		{Duration: time.Minute, Target: 500},
		{Duration: 3 * time.Minute, Target: 500, Name: "hold"},
		{Duration: time.Minute, Target: 0},
	}
}

func TestConsole_PrintHeader(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	c.PrintHeader("fitness", "https://example.com/", fitnessStages(), scheduler.RampLinear)

	out := buf.String()
	assert.Contains(t, out, "fitness - Running")
	assert.Contains(t, out, "https://example.com/")
	assert.Contains(t, out, "linear, 3 stages, 5m 00s, max 500 VUs")
	assert.Contains(t, out, "hold")
	assert.NotContains(t, out, "\033[")
}

func TestConsole_NonTTYUpdatePrintsLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})
	require.False(t, c.IsTTY())

	c.Update(&LiveStats{
		Elapsed:       30 * time.Second,
		Phase:         "ramping-up",
		ActiveVUs:     250,
		TargetVUs:     250,
		TotalRequests: 5000,
		RPS:           240.5,
		Errors:        5,
		ErrorRate:     0.001,
		LatencyP95:    120 * time.Millisecond,
	})

	line := buf.String()
	assert.Equal(t, 1, strings.Count(line, "\n"))
	assert.Contains(t, line, "[30.0s] ramping-up")
	assert.Contains(t, line, "VUs: 250/250")
	assert.Contains(t, line, "RPS: 240.5")
	assert.Contains(t, line, "P95: 120ms")
}

func TestConsole_TTYUpdateRedraws(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, ForceTTY: true, NoColor: true})

	stats := &LiveStats{Progress: 0.5, Phase: "steady-hold", CurrentStage: 2, TotalStages: 3, Dropped: 3}
	c.Update(stats)
	first := buf.String()
	assert.Contains(t, first, "Progress: [")
	assert.Contains(t, first, "steady-hold (2/3)")
	assert.Contains(t, first, "Dropped: 3")
	assert.NotContains(t, first, "\033[2K")

	c.Update(stats)
	assert.Contains(t, buf.String()[len(first):], "\033[2K")
}

func TestConsole_Quiet(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, Quiet: true})

	c.PrintHeader("x", "http://x/", fitnessStages(), scheduler.RampLinear)
	c.Update(&LiveStats{})
	assert.Empty(t, buf.String())

	c.PrintSummary(&engine.Result{Verdict: threshold.Verdict{Passed: true}})
	assert.Equal(t, "PASSED\n", buf.String())

	buf.Reset()
	c.PrintSummary(&engine.Result{Verdict: threshold.Verdict{Passed: false}})
	assert.Equal(t, "FAILED\n", buf.String())
}

func sampleResult() *engine.Result {
	p99 := threshold.MustParse(threshold.MetricReqDuration, "p(99)<1500")
	p95 := threshold.MustParse(threshold.MetricReqDuration, "p(95)<100")
	p95.Required = false

	return &engine.Result{
		Name:     "fitness",
		State:    "completed",
		Duration: 5 * time.Minute,
		Metrics: &metrics.Snapshot{
			Requests:     1000,
			Failed:       20,
			ErrorRate:    0.02,
			RPS:          3.3,
			ChecksPassed: 980,
			ChecksFailed: 20,
			Failures:     map[sampler.FailureKind]int64{sampler.FailureTimeout: 15, sampler.FailureStatus: 5},
			Latency: metrics.LatencyStats{
				Min: 90 * time.Millisecond,
				P50: 100 * time.Millisecond,
				P99: 5 * time.Second,
				Max: 5 * time.Second,
			},
		},
		Verdict: threshold.Verdict{
			Passed: false,
			Results: []threshold.Result{
				{Threshold: p99, Actual: 5000, Passed: false},
				{Threshold: p95, Actual: 120, Passed: false},
			},
		},
	}
}

func TestConsole_PrintSummary(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	c.PrintSummary(sampleResult())
	out := buf.String()

	assert.Contains(t, out, "fitness - Failed ✗")
	assert.Contains(t, out, "Requests:      1,000 (3.3/s)")
	assert.Contains(t, out, "Success Rate:  98.0%")
	assert.Contains(t, out, "Checks:        980/1000 (98.0%)")
	assert.Contains(t, out, "P99:       5.00s")
	assert.Contains(t, out, "✗ http_req_duration: p(99)<1500 (actual: 5s)")
	assert.Contains(t, out, "⚠ http_req_duration: p(95)<100 (actual: 120ms)")

	// Failure kinds are sorted.
	assert.Less(t, strings.Index(out, "status"), strings.Index(out, "timeout"))
}

func TestConsole_PrintSummaryAbortedByThreshold(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	r := sampleResult()
	trigger := threshold.MustParse(threshold.MetricReqFailed, "rate<0.01")
	r.Aborted = true
	r.AbortedBy = &trigger
	r.Reason = "threshold crossed: " + trigger.String()
	r.ForceCancelled = 2

	c.PrintSummary(r)
	out := buf.String()
	assert.Contains(t, out, "Aborted by threshold ✗")
	assert.Contains(t, out, "Reason:        threshold crossed: http_req_failed: rate<0.01")
	assert.Contains(t, out, "Force-stopped: 2 VUs")
}

func TestStatsFromSnapshot(t *testing.T) {
	stages := fitnessStages()

	empty := StatsFromSnapshot(nil, stages, scheduler.RampLinear)
	assert.Equal(t, "idle", empty.Phase)
	assert.Equal(t, 3, empty.TotalStages)

	snap := &metrics.Snapshot{
		Requests:  100,
		Failed:    1,
		ErrorRate: 0.01,
		ActiveVUs: 250,
		Phase:     "ramping-up",
		Elapsed:   30 * time.Second,
	}
	stats := StatsFromSnapshot(snap, stages, scheduler.RampLinear)

	assert.InDelta(t, 0.1, stats.Progress, 1e-9)
	assert.Equal(t, 270*time.Second, stats.Remaining)
	assert.Equal(t, 250, stats.TargetVUs)
	assert.Equal(t, 1, stats.CurrentStage)
	assert.Equal(t, int64(100), stats.TotalRequests)
	assert.Equal(t, "ramping-up", stats.Phase)

	snap.Elapsed = 6 * time.Minute
	stats = StatsFromSnapshot(snap, stages, scheduler.RampLinear)
	assert.Equal(t, 1.0, stats.Progress)
	assert.Equal(t, time.Duration(0), stats.Remaining)

	// The scheduler's progress wins over the snapshot clock.
	snap.Elapsed = 30 * time.Second
	snap.Progress = 0.25
	stats = StatsFromSnapshot(snap, stages, scheduler.RampLinear)
	assert.Equal(t, 0.25, stats.Progress)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	f, err = ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestColorSchemes(t *testing.T) {
	for _, s := range []*ColorScheme{DefaultColorScheme(), NoColorScheme()} {
		for _, c := range s.all() {
			assert.NotNil(t, c)
		}
	}
	assert.Equal(t, "ok", NoColorScheme().Pass.Sprint("ok"))
	assert.NotEqual(t, "ok", DefaultColorScheme().Pass.Sprint("ok"))

	assert.Equal(t, "✓", SuccessIcon(true))
	assert.Equal(t, "✗", ErrorIcon(true))
	assert.Equal(t, "⚠", WarningIcon(true))
}
