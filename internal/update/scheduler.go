package update

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler periodically starts a due-feeds-only run when none is active.
// It can be toggled at runtime without stopping the loop.
type Scheduler struct {
	orch    *Orchestrator
	tick    time.Duration
	logger  *slog.Logger
	enabled atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler, enabled by default.
func NewScheduler(orch *Orchestrator, tick time.Duration, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		orch:   orch,
		tick:   tick,
		logger: logger,
		stop:   make(chan struct{}),
	}
	s.enabled.Store(true)
	return s
}

// SetEnabled toggles whether ticks trigger runs.
func (s *Scheduler) SetEnabled(v bool) {
	s.enabled.Store(v)
}

// Enabled reports the current toggle.
func (s *Scheduler) Enabled() bool {
	return s.enabled.Load()
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.enabled.Load() {
					continue
				}
				_, err := s.orch.Start(ctx, true)
				if errors.Is(err, ErrAlreadyRunning) {
					continue
				}
				if err != nil {
					s.logger.Error("scheduled run failed to start", "error", err)
				}
			}
		}
	}()
}

// Stop halts the loop. An already-started run is left to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
