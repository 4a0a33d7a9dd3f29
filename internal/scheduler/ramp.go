package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/vuload/internal/logging"
	"github.com/wesleyorama2/vuload/internal/vu"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultGracefulStop = 30 * time.Second
)

// Config configures a RampScheduler.
type Config struct {
	Stages       []Stage
	Mode         RampMode
	TickInterval time.Duration

	// GracefulStop is how long stopped VUs get before their context is
	// cancelled. 0 cancels immediately; negative means DefaultGracefulStop.
	GracefulStop time.Duration
}

// Reporter receives the live VU count and phase after every tick.
type Reporter interface {
	SetActiveVUs(n int)
	SetPhase(phase string)
}

// VUFactory builds the VU with the given id.
type VUFactory func(id int) *vu.VirtualUser

// RampScheduler ramps the VU population up and down according to stages.
//
// Every tick it compares the number of VUs it has not asked to stop with
// the desired count, spawning new VUs or stopping the most recently
// spawned ones. Once the last stage has elapsed, or ctx is cancelled, every
// VU is asked to stop; stragglers still running after GracefulStop have
// their context cancelled.
type RampScheduler struct {
	config   Config
	newVU    VUFactory
	reporter Reporter
	logger   *zap.Logger

	startNanos atomic.Int64
	running    atomic.Bool

	activeVUs atomic.Int32
	targetVUs atomic.Int32
	phase     atomic.Int32
	nextID    atomic.Int32
	forced    atomic.Int32

	// live holds VUs not yet asked to stop, in spawn order.
	live []*vu.VirtualUser
	mu   sync.Mutex
	wg   sync.WaitGroup
}

// New creates a scheduler. reporter may be nil.
func New(cfg Config, newVU VUFactory, reporter Reporter, logger *zap.Logger) *RampScheduler {
	if cfg.Mode == "" {
		cfg.Mode = RampLinear
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.GracefulStop < 0 {
		cfg.GracefulStop = DefaultGracefulStop
	}

	return &RampScheduler{
		config:   cfg,
		newVU:    newVU,
		reporter: reporter,
		logger:   logging.OrNop(logger),
	}
}

// Run blocks until every stage has elapsed and all VUs have stopped, or
// until ctx is cancelled and the same shutdown has completed. It returns
// ctx.Err() when cancelled.
func (s *RampScheduler) Run(ctx context.Context) error {
	startTime := time.Now()
	s.startNanos.Store(startTime.UnixNano())
	s.running.Store(true)
	defer s.running.Store(false)

	// VUs are not children of ctx: abort goes through RequestStop and the
	// grace period like a normal end of test.
	hardCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()

	total := TotalDuration(s.config.Stages)
	s.logger.Info("ramp started",
		zap.Int("stages", len(s.config.Stages)),
		zap.Duration("duration", total),
		zap.String("mode", string(s.config.Mode)),
	)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	lastStage := -1
	aborted := false

loop:
	for {
		elapsed := time.Since(startTime)
		if elapsed >= total {
			break
		}

		if idx, _, _ := StageAt(s.config.Stages, elapsed); idx != lastStage {
			lastStage = idx
			stage := s.config.Stages[idx]
			s.logger.Info("stage started",
				zap.Int("stage", idx),
				zap.String("name", stage.Name),
				zap.Int("target", stage.Target),
				zap.Duration("duration", stage.Duration),
			)
		}

		desired := DesiredAt(s.config.Stages, s.config.Mode, elapsed)
		s.targetVUs.Store(int32(desired))
		s.setPhase(PhaseAt(s.config.Stages, elapsed))
		s.scale(hardCtx, desired)
		s.report()

		select {
		case <-ctx.Done():
			aborted = true
			break loop
		case <-ticker.C:
		}
	}

	if aborted {
		// Aborted is reported while VUs are still draining.
		s.setPhase(StateAborted)
		s.report()
		s.shutdown(hardCancel)
		s.report()
		return ctx.Err()
	}

	s.shutdown(hardCancel)
	s.setPhase(StateCompleted)
	s.report()
	return nil
}

// scale spawns or stops VUs so that len(live) == desired.
func (s *RampScheduler) scale(hardCtx context.Context, desired int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.live)
	switch {
	case desired > current:
		for i := current; i < desired; i++ {
			v := s.newVU(int(s.nextID.Add(1)))
			s.live = append(s.live, v)
			s.start(hardCtx, v)
		}
	case desired < current:
		// Most recently spawned first.
		for i := current - 1; i >= desired; i-- {
			s.live[i].RequestStop()
			s.live[i] = nil
		}
		s.live = s.live[:desired]
	}
}

func (s *RampScheduler) start(hardCtx context.Context, v *vu.VirtualUser) {
	s.wg.Add(1)
	s.activeVUs.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.activeVUs.Add(-1)
		v.Run(hardCtx)
	}()
}

// shutdown stops every VU, waits up to GracefulStop, then force-cancels
// the remaining ones and waits for them to exit.
func (s *RampScheduler) shutdown(hardCancel context.CancelFunc) {
	s.mu.Lock()
	for _, v := range s.live {
		v.RequestStop()
	}
	s.live = nil
	s.mu.Unlock()
	s.targetVUs.Store(0)
	s.report()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.config.GracefulStop)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	remaining := s.activeVUs.Load()
	s.forced.Store(remaining)
	s.logger.Warn("graceful stop expired, cancelling remaining VUs",
		zap.Duration("gracefulStop", s.config.GracefulStop),
		zap.Int32("remaining", remaining),
	)
	hardCancel()
	<-done
}

func (s *RampScheduler) setPhase(p RunState) {
	s.phase.Store(int32(p))
}

func (s *RampScheduler) report() {
	if s.reporter == nil {
		return
	}
	s.reporter.SetActiveVUs(s.ActiveVUs())
	s.reporter.SetPhase(s.Phase().String())
}

// ActiveVUs returns the number of VU goroutines still running, including
// those asked to stop that have not finished yet.
func (s *RampScheduler) ActiveVUs() int {
	return int(s.activeVUs.Load())
}

// TargetVUs returns the desired VU count computed at the last tick.
func (s *RampScheduler) TargetVUs() int {
	return int(s.targetVUs.Load())
}

// Phase returns the current phase.
func (s *RampScheduler) Phase() RunState {
	return RunState(s.phase.Load())
}

// Spawned returns the number of VUs created so far.
func (s *RampScheduler) Spawned() int {
	return int(s.nextID.Load())
}

// ForceCancelled returns how many VUs outlived the grace period.
func (s *RampScheduler) ForceCancelled() int {
	return int(s.forced.Load())
}

// Progress returns elapsed time over total stage duration (0.0 to 1.0).
func (s *RampScheduler) Progress() float64 {
	if !s.running.Load() {
		if s.startNanos.Load() == 0 {
			return 0.0
		}
		return 1.0
	}

	total := TotalDuration(s.config.Stages)
	if total == 0 {
		return 1.0
	}

	progress := float64(time.Since(time.Unix(0, s.startNanos.Load()))) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}
