package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"forex-trading-bot/internal/safety"
	"forex-trading-bot/internal/store"
	"forex-trading-bot/internal/types"
)

// slowEngine counts Step calls and how many run at once.
type slowEngine struct {
	mu        sync.Mutex
	delay     time.Duration
	calls     int
	active    int
	maxActive int
}

func (e *slowEngine) Step(context.Context) (*types.StepResult, error) {
	e.mu.Lock()
	e.calls++
	e.active++
	e.maxActive = max(e.maxActive, e.active)
	e.mu.Unlock()

	time.Sleep(e.delay)

	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	return &types.StepResult{}, nil
}

func (e *slowEngine) stats() (calls, maxActive int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls, e.maxActive
}

func newTestScheduler(t *testing.T, period int, delay time.Duration) (*Scheduler, *slowEngine, *harness) {
	t.Helper()
	h := newHarness(t, 60)
	h.orch.cfg.Cycle.PeriodSeconds = period
	eng := &slowEngine{delay: delay}
	return NewScheduler(eng, h.orch), eng, h
}

func waitDone(t *testing.T, s *Scheduler) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler loop did not exit")
	}
}

func TestSchedulerNeverOverlapsSlowCycles(t *testing.T) {
	// a zero period schedules the next cycle the moment one returns
	s, eng, _ := newTestScheduler(t, 0, 20*time.Millisecond)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls, _ := eng.stats(); calls < 4; calls, _ = eng.stats() {
		if time.Now().After(deadline) {
			t.Fatalf("only %d cycles ran", calls)
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	waitDone(t, s)

	if _, maxActive := eng.stats(); maxActive != 1 {
		t.Errorf("max concurrent cycles = %d, want 1", maxActive)
	}
}

func TestSchedulerStopCancelsPendingCycle(t *testing.T) {
	s, eng, h := newTestScheduler(t, 3600, 0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, types.ErrAlreadyRunning) {
		t.Errorf("second Start err = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls, _ := eng.stats(); calls < 1; calls, _ = eng.stats() {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	waitDone(t, s)
	if !h.orch.Halted() {
		t.Error("orchestrator not halted")
	}
	time.Sleep(30 * time.Millisecond)
	if calls, _ := eng.stats(); calls != 1 {
		t.Errorf("cycles after Stop = %d, want 1", calls)
	}
}

func TestSchedulerStopPreventsFurtherSteps(t *testing.T) {
	s, eng, _ := newTestScheduler(t, 0, time.Millisecond)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	waitDone(t, s)

	before, _ := eng.stats()
	time.Sleep(30 * time.Millisecond)
	if after, _ := eng.stats(); after != before {
		t.Errorf("Step ran %d times after Stop", after-before)
	}
}

func TestEmergencyStopInsideCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 60)
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("P%d", i)
		h.brk.positions[id] = types.Position{ID: id, Side: types.SideBuy, Size: 0.01, OpenPrice: 1.1, StopLoss: 1.095}
	}
	h.brk.setPrice(1.09)

	cfg := store.Default()
	cfg.Credentials = store.Credentials{APIKey: "k", AccountID: "a"}
	ctrl := safety.New(h.brk, h.bus)
	if err := ctrl.Initialize(cfg); err != nil {
		t.Fatal(err)
	}
	h.orch.SetHooks(ctrl)
	sched := NewScheduler(h.orch, h.orch)
	ctrl.Attach(sched)

	if err := ctrl.VerifyAccount(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.StartTrading(ctx); err != nil {
		t.Fatal(err)
	}
	// the stop cancels the loop from inside the first cycle
	waitDone(t, sched)

	s := ctrl.Snapshot()
	if ctrl.State() != safety.StateStopped || !s.EmergencyStopActive {
		t.Fatalf("state = %s safety = %+v", ctrl.State(), s)
	}
	if len(s.EmergencyStopHistory) != 1 || s.EmergencyStopHistory[0].Kind != types.StopConsecutiveLosses {
		t.Errorf("history = %+v", s.EmergencyStopHistory)
	}
	h.brk.mu.Lock()
	remaining, placed := len(h.brk.positions), len(h.brk.placed)
	h.brk.mu.Unlock()
	if remaining != 0 || placed != 0 {
		t.Errorf("broker open = %d placed = %d", remaining, placed)
	}
	if !h.orch.Halted() {
		t.Error("orchestrator still running")
	}
	if n := len(h.orch.Snapshot().Closed); n != 6 {
		t.Errorf("closed trades = %d, want 6", n)
	}
}
