// Package threshold parses pass/fail conditions over aggregated metrics
// and evaluates them against a snapshot.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/vuload/internal/metrics"
)

// Metric names accepted in threshold definitions.
const (
	MetricReqDuration    = "http_req_duration"
	MetricReqFailed      = "http_req_failed"
	MetricReqs           = "http_reqs"
	MetricChecks         = "checks"
	MetricDroppedSamples = "dropped_samples"
)

// Metrics lists the known metrics in report order.
var Metrics = []string{
	MetricReqDuration,
	MetricReqFailed,
	MetricReqs,
	MetricChecks,
	MetricDroppedSamples,
}

// stats accepted per metric; "p" stands for any p(N).
var metricStats = map[string][]string{
	MetricReqDuration:    {"p", "avg", "med", "min", "max"},
	MetricReqFailed:      {"rate"},
	MetricReqs:           {"count", "rate"},
	MetricChecks:         {"rate"},
	MetricDroppedSamples: {"count"},
}

// Comparator is a threshold comparison operator.
type Comparator string

const (
	Less         Comparator = "<"
	LessEqual    Comparator = "<="
	Greater      Comparator = ">"
	GreaterEqual Comparator = ">="
	Equal        Comparator = "=="
	NotEqual     Comparator = "!="
)

// Compare reports whether actual op bound holds.
func (c Comparator) Compare(actual, bound float64) bool {
	switch c {
	case Less:
		return actual < bound
	case LessEqual:
		return actual <= bound
	case Greater:
		return actual > bound
	case GreaterEqual:
		return actual >= bound
	case Equal:
		return actual == bound
	case NotEqual:
		return actual != bound
	default:
		return false
	}
}

// Threshold is one parsed condition. For http_req_duration the bound is in
// milliseconds.
type Threshold struct {
	Metric      string     `json:"metric"`
	Stat        string     `json:"stat"`
	Comparator  Comparator `json:"comparator"`
	Bound       float64    `json:"bound"`
	Required    bool       `json:"required"`
	AbortOnFail bool       `json:"abortOnFail,omitempty"`
	Source      string     `json:"source"`

	// percentile is set for p(N) stats
	percentile float64
}

// String returns "metric: expression".
func (t Threshold) String() string {
	return t.Metric + ": " + t.Source
}

// IsDuration reports whether the threshold compares latencies.
func (t Threshold) IsDuration() bool {
	return t.Metric == MetricReqDuration
}

var exprPattern = regexp.MustCompile(`^([a-z]+|p\(\s*[0-9.]+\s*\)|p[0-9.]+)\s*(<=|>=|==|!=|<|>|=)\s*(\S+)$`)

// Parse parses a k6-style expression such as "p(99)<1500", "p95 < 1.5s"
// or "rate<0.01" for the given metric. The result is required; callers
// relax it for advisory thresholds.
func Parse(metric, expr string) (Threshold, error) {
	stats, ok := metricStats[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unknown metric %q (expected one of %s)", metric, strings.Join(Metrics, ", "))
	}

	source := strings.TrimSpace(expr)
	m := exprPattern.FindStringSubmatch(source)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold expression %q", expr)
	}

	t := Threshold{
		Metric:     metric,
		Comparator: Comparator(m[2]),
		Required:   true,
		Source:     source,
	}
	if t.Comparator == "=" {
		t.Comparator = Equal
	}

	stat := m[1]
	kind := stat
	if stat == "p" {
		return Threshold{}, fmt.Errorf("missing percentile in %q", expr)
	}
	if strings.HasPrefix(stat, "p") {
		n := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(stat, "p"), "("), ")"))
		p, err := strconv.ParseFloat(n, 64)
		if err != nil || p <= 0 || p > 100 {
			return Threshold{}, fmt.Errorf("invalid percentile in %q: must be in (0, 100]", expr)
		}
		t.percentile = p
		stat = "p(" + strconv.FormatFloat(p, 'f', -1, 64) + ")"
		kind = "p"
	}
	t.Stat = stat

	if !contains(stats, kind) {
		return Threshold{}, fmt.Errorf("%s does not support %q", metric, t.Stat)
	}

	bound, err := parseBound(t.IsDuration(), m[3])
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid bound in %q: %w", expr, err)
	}
	t.Bound = bound

	return t, nil
}

// MustParse is like Parse but panics on error.
func MustParse(metric, expr string) Threshold {
	t, err := Parse(metric, expr)
	if err != nil {
		panic(err)
	}
	return t
}

// parseBound parses a bound. Duration bounds without a unit are
// milliseconds; with a unit they are converted to milliseconds.
func parseBound(duration bool, s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	if !duration {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return float64(d) / float64(time.Millisecond), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Value extracts the value the threshold compares from a snapshot.
// Durations are returned in milliseconds.
func (t Threshold) Value(snap *metrics.Snapshot) float64 {
	switch t.Metric {
	case MetricReqDuration:
		var d time.Duration
		switch t.Stat {
		case "avg":
			d = snap.Latency.Mean
		case "med":
			d = snap.Percentile(50)
		case "min":
			d = snap.Latency.Min
		case "max":
			d = snap.Latency.Max
		default:
			d = snap.Percentile(t.percentile)
		}
		return float64(d) / float64(time.Millisecond)

	case MetricReqFailed:
		return snap.ErrorRate

	case MetricReqs:
		if t.Stat == "count" {
			return float64(snap.Requests)
		}
		return snap.RPS

	case MetricChecks:
		return snap.ChecksRate()

	case MetricDroppedSamples:
		return float64(snap.Dropped)
	}
	return 0
}

// FormatValue renders a value of this threshold's metric for humans.
func (t Threshold) FormatValue(v float64) string {
	switch {
	case t.IsDuration():
		return time.Duration(v * float64(time.Millisecond)).Round(time.Microsecond).String()
	case t.Stat == "count":
		return strconv.FormatFloat(v, 'f', 0, 64)
	default:
		return strconv.FormatFloat(v, 'f', 4, 64)
	}
}
