// Package scheduler drives the virtual user population through a staged
// ramp profile.
package scheduler

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of a run.
type RunState int32

const (
	StateIdle RunState = iota
	StateRampingUp
	StateSteadyHold
	StateRampingDown
	StateCompleted
	StateAborted
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRampingUp:
		return "ramping-up"
	case StateSteadyHold:
		return "steady-hold"
	case StateRampingDown:
		return "ramping-down"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RampMode selects how the desired VU count moves within a stage.
type RampMode string

const (
	// RampLinear interpolates from the previous stage's target to this
	// stage's target over the stage duration.
	RampLinear RampMode = "linear"

	// RampStep jumps to the stage target at the start of the stage.
	RampStep RampMode = "step"
)

// ParseRampMode parses a ramp mode, defaulting to linear for "".
func ParseRampMode(s string) (RampMode, error) {
	switch RampMode(s) {
	case "", RampLinear:
		return RampLinear, nil
	case RampStep:
		return RampStep, nil
	default:
		return "", fmt.Errorf("unknown ramp mode %q (expected linear or step)", s)
	}
}

// Stage is one segment of the ramp profile. The first stage starts from
// zero VUs.
type Stage struct {
	Duration time.Duration
	Target   int
	Name     string
}

// ValidateStages checks the invariants every stage sequence must hold.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	for i, s := range stages {
		if s.Duration <= 0 {
			return fmt.Errorf("stage %d: duration must be positive, got %s", i, s.Duration)
		}
		if s.Target < 0 {
			return fmt.Errorf("stage %d: target must not be negative, got %d", i, s.Target)
		}
	}
	return nil
}

// TotalDuration returns the sum of all stage durations.
func TotalDuration(stages []Stage) time.Duration {
	var total time.Duration
	for _, s := range stages {
		total += s.Duration
	}
	return total
}

// StageAt returns the index of the stage active at elapsed time t, its
// start offset and the target it starts from. The index is len(stages)
// once every stage has elapsed.
func StageAt(stages []Stage, t time.Duration) (idx int, start time.Duration, from int) {
	for i, s := range stages {
		if t < start+s.Duration {
			return i, start, from
		}
		start += s.Duration
		from = s.Target
	}
	return len(stages), start, from
}

// DesiredAt returns the desired VU count at elapsed time t, rounded to the
// nearest integer. Past the last stage it returns the last target.
func DesiredAt(stages []Stage, mode RampMode, t time.Duration) int {
	if len(stages) == 0 {
		return 0
	}
	if t < 0 {
		t = 0
	}

	idx, start, from := StageAt(stages, t)
	if idx == len(stages) {
		return stages[len(stages)-1].Target
	}

	stage := stages[idx]
	if mode == RampStep {
		return stage.Target
	}

	progress := float64(t-start) / float64(stage.Duration)
	target := float64(from) + float64(stage.Target-from)*progress
	return int(target + 0.5)
}

// PhaseAt classifies the stage active at t by the direction of its target.
func PhaseAt(stages []Stage, t time.Duration) RunState {
	idx, _, from := StageAt(stages, t)
	if idx == len(stages) {
		return StateCompleted
	}

	switch to := stages[idx].Target; {
	case to > from:
		return StateRampingUp
	case to < from:
		return StateRampingDown
	default:
		return StateSteadyHold
	}
}

// MaxTarget returns the largest stage target.
func MaxTarget(stages []Stage) int {
	max := 0
	for _, s := range stages {
		if s.Target > max {
			max = s.Target
		}
	}
	return max
}
