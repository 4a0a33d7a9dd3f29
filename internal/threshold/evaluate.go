package threshold

import (
	"fmt"

	"github.com/wesleyorama2/vuload/internal/metrics"
)

// Result is the outcome of one threshold.
type Result struct {
	Threshold Threshold `json:"threshold"`
	Actual    float64   `json:"actual"`
	Passed    bool      `json:"passed"`
}

// Message describes the result for logs and reports.
func (r Result) Message() string {
	t := r.Threshold
	if r.Passed {
		return fmt.Sprintf("%s %s is %s", t.Metric, t.Stat, t.FormatValue(r.Actual))
	}
	return fmt.Sprintf("%s %s is %s, threshold: %s %s %s",
		t.Metric, t.Stat, t.FormatValue(r.Actual), t.Stat, t.Comparator, t.FormatValue(t.Bound))
}

// Violation is a threshold that did not hold, with the value observed.
type Violation struct {
	Threshold Threshold `json:"threshold"`
	Actual    float64   `json:"actual"`
}

// Verdict is the evaluation of all thresholds against one snapshot.
type Verdict struct {
	// Passed is false when any required threshold is violated.
	Passed bool `json:"passed"`

	// Violations in threshold order, advisory ones included.
	Violations []Violation `json:"violations,omitempty"`

	// Results holds every threshold in order.
	Results []Result `json:"results,omitempty"`
}

// Evaluate checks every threshold against snap. It has no side effects:
// evaluating the same snapshot twice gives the same verdict.
func Evaluate(snap *metrics.Snapshot, thresholds []Threshold) Verdict {
	v := Verdict{Passed: true}
	if len(thresholds) == 0 {
		return v
	}

	v.Results = make([]Result, 0, len(thresholds))
	for _, t := range thresholds {
		actual := t.Value(snap)
		ok := t.Comparator.Compare(actual, t.Bound)

		v.Results = append(v.Results, Result{Threshold: t, Actual: actual, Passed: ok})
		if ok {
			continue
		}

		v.Violations = append(v.Violations, Violation{Threshold: t, Actual: actual})
		if t.Required {
			v.Passed = false
		}
	}
	return v
}

// AbortTrigger returns the first violated threshold marked abortOnFail.
func (v Verdict) AbortTrigger() (Threshold, bool) {
	for _, viol := range v.Violations {
		if viol.Threshold.AbortOnFail {
			return viol.Threshold, true
		}
	}
	return Threshold{}, false
}

// Advisory returns the violations that do not fail the run.
func (v Verdict) Advisory() []Violation {
	var out []Violation
	for _, viol := range v.Violations {
		if !viol.Threshold.Required {
			out = append(out, viol)
		}
	}
	return out
}
