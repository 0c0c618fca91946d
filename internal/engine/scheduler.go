package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/store"
	"forex-trading-bot/internal/types"
)

// Scheduler drives Step on a timer. The next cycle is scheduled only after
// the previous one returns, so cycles never overlap.
type Scheduler struct {
	eng  interfaces.Engine
	orch *Orchestrator

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler steps eng, which is usually orch wrapped for observability.
func NewScheduler(eng interfaces.Engine, orch *Orchestrator) *Scheduler {
	return &Scheduler{eng: eng, orch: orch}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return types.ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.orch.Resume()
	go s.run(loopCtx, s.done)
	logger.Info(ctx, "Scheduler started", "period", s.orch.Period().String())
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		res, err := s.eng.Step(ctx)
		switch {
		case errors.Is(err, types.ErrCycleInProgress):
			logger.Warn(ctx, "Skipped tick, previous cycle still running")
		case err != nil:
			logger.ErrorWithErr(ctx, "Trading cycle failed", err)
		case res != nil && len(res.Errors) > 0:
			logger.Warn(ctx, "Trading cycle finished with errors", "errors", len(res.Errors))
		}
		timer.Reset(s.orch.Period())
	}
}

// Stop halts the orchestrator and cancels the timer without waiting for an
// in-flight cycle; it is safe to call from inside one.
func (s *Scheduler) Stop() {
	s.orch.Halt()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Wait blocks until the loop goroutine of the last Start has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// UpdateConfig stages cfg for the next cycle.
func (s *Scheduler) UpdateConfig(cfg *store.Config) error {
	return s.orch.UpdateConfig(cfg)
}

func (s *Scheduler) CloseAll(ctx context.Context, reason string) error {
	return s.orch.CloseAll(ctx, reason)
}
