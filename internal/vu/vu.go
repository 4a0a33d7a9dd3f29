// Package vu implements the virtual user loop.
package vu

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/vuload/internal/sampler"
)

// State represents the lifecycle state of a Virtual User.
type State int32

const (
	// StateIdle indicates the VU is created but not yet running.
	StateIdle State = iota
	// StateRunning indicates the VU is actively running iterations.
	StateRunning
	// StateStopping indicates the VU has been requested to stop.
	StateStopping
	// StateStopped indicates the VU has fully stopped.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sampler performs one request against target.
type Sampler interface {
	Sample(ctx context.Context, target string) sampler.Outcome
}

// Publisher accepts outcomes. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(o sampler.Outcome) bool
}

// ThinkTime is the pause between iterations. Min == Max gives a constant
// pause; otherwise each pause is drawn uniformly from [Min, Max].
type ThinkTime struct {
	Min time.Duration
	Max time.Duration
}

// ConstantThinkTime returns a fixed think time.
func ConstantThinkTime(d time.Duration) ThinkTime {
	return ThinkTime{Min: d, Max: d}
}

// Next returns the next pause.
func (t ThinkTime) Next() time.Duration {
	if t.Max <= t.Min {
		return t.Min
	}
	return t.Min + rand.N(t.Max-t.Min+1)
}

// VirtualUser repeatedly samples a target, publishes the outcome and
// thinks.
//
// Stopping is cooperative: RequestStop interrupts think time at once but is
// otherwise observed only between iterations, so a request in flight always
// completes. Cancelling the context passed to Run aborts in-flight requests;
// the resulting canceled outcome is not published.
type VirtualUser struct {
	// Unique identifier for this VU
	ID int

	target    string
	sampler   Sampler
	publisher Publisher
	thinkTime ThinkTime

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	// Stop signal
	stopCh chan struct{}

	// Done signal (closed when Run returns)
	doneCh chan struct{}

	iteration atomic.Int64
}

// New creates a Virtual User in the idle state.
func New(id int, target string, s Sampler, p Publisher, think ThinkTime) *VirtualUser {
	return &VirtualUser{
		ID:        id,
		target:    target,
		sampler:   s,
		publisher: p,
		thinkTime: think,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// State returns the current VU state.
func (vu *VirtualUser) State() State {
	return State(vu.state.Load())
}

// Run executes iterations until RequestStop is called or ctx is cancelled.
// It must be called at most once.
func (vu *VirtualUser) Run(ctx context.Context) {
	defer vu.markStopped()

	if !vu.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-vu.stopCh:
			return
		default:
		}

		iter := vu.iteration.Add(1)
		out := vu.sampler.Sample(ctx, vu.target)
		if out.Failure == sampler.FailureCanceled || ctx.Err() != nil {
			return
		}

		out.VU = vu.ID
		out.Iteration = iter
		vu.publisher.Publish(out)

		if !vu.think(ctx) {
			return
		}
	}
}

// think waits for the next think time. It returns false when interrupted.
func (vu *VirtualUser) think(ctx context.Context) bool {
	d := vu.thinkTime.Next()
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-vu.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// RequestStop signals the VU to stop at the next iteration boundary.
// It is safe to call more than once.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
		vu.state.CompareAndSwap(int32(StateIdle), int32(StateStopping)) {
		close(vu.stopCh)
	}
}

func (vu *VirtualUser) markStopped() {
	vu.state.Store(int32(StateStopped))
	close(vu.doneCh)
}
