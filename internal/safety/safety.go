// Package safety is the outer guard around the trading loop: it checks the
// configuration before anything runs, verifies the account, decides whether
// trading may start and trips emergency stops that the loop cannot override.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"forex-trading-bot/internal/events"
	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/store"
	"forex-trading-bot/internal/types"
)

type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateVerified      State = "VERIFIED"
	StateRunning       State = "RUNNING"
	StateStopped       State = "STOPPED"
)

// Runner is the trading loop the controller starts, halts and flattens.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
	CloseAll(ctx context.Context, reason string) error
}

type Controller struct {
	mu sync.Mutex

	cfg         *store.Config
	window      tradingWindow
	initialized bool
	state       State
	safety      types.SafetyState
	// balance at account verification; drawdown is measured against it
	startBalance    float64
	connectionFails int

	broker    interfaces.Broker
	bus       *events.Bus
	runner    Runner
	confirmer interfaces.Confirmer
	journal   interfaces.Journal
	now       func() time.Time
}

type Option func(*Controller)

func WithConfirmer(c interfaces.Confirmer) Option {
	return func(s *Controller) { s.confirmer = c }
}

func WithJournal(j interfaces.Journal) Option {
	return func(s *Controller) { s.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(s *Controller) { s.now = now }
}

func New(brk interfaces.Broker, bus *events.Bus, opts ...Option) *Controller {
	c := &Controller{
		state:  StateUninitialized,
		broker: brk,
		bus:    bus,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Attach sets the loop controlled by StartTrading and emergency stops.
func (c *Controller) Attach(r Runner) {
	c.mu.Lock()
	c.runner = r
	c.mu.Unlock()
}

// Initialize checks the configuration against the hard safety limits. Every
// violation is reported; on failure nothing changes.
func (c *Controller) Initialize(cfg *store.Config) error {
	v := cfg.SafetyViolations()
	window, err := newTradingWindow(cfg.Safety.TradingHours, cfg.Location())
	if err != nil {
		v = append(v, err.Error())
	}
	if len(v) > 0 {
		return &types.ConfigurationError{Violations: v}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		return types.ErrAlreadyRunning
	}
	c.cfg = cfg
	c.window = window
	c.initialized = true
	c.safety = types.SafetyState{
		Environment:          cfg.Environment,
		EmergencyStopHistory: []types.EmergencyStopRecord{},
	}
	c.state = StateUninitialized
	logger.Info(context.Background(), "Safety controller initialized",
		"environment", cfg.Environment,
		"max_consecutive_losses", cfg.MaxConsecutiveLosses(),
	)
	return nil
}

// ConfigTarget receives configuration updates that passed the safety checks.
type ConfigTarget interface {
	UpdateConfig(cfg *store.Config) error
}

// UpdateConfig applies the same checks as Initialize to cfg and, if they
// pass, hands it to the attached loop. The environment cannot change while
// trading. The counters and any stop latch are kept.
func (c *Controller) UpdateConfig(ctx context.Context, cfg *store.Config) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return types.ErrNotInitialized
	}
	current, runner := c.cfg, c.runner
	c.mu.Unlock()

	v := cfg.SafetyViolations()
	if cfg.Environment != current.Environment {
		v = append(v, fmt.Sprintf("environment cannot change from %s to %s without a restart", current.Environment, cfg.Environment))
	}
	window, err := newTradingWindow(cfg.Safety.TradingHours, cfg.Location())
	if err != nil {
		v = append(v, err.Error())
	}
	if len(v) > 0 {
		cerr := &types.ConfigurationError{Violations: v}
		logger.ErrorWithErr(ctx, "Rejected config update", cerr)
		return cerr
	}

	if target, ok := runner.(ConfigTarget); ok {
		if err := target.UpdateConfig(cfg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.cfg = cfg
	c.window = window
	c.mu.Unlock()
	logger.Info(ctx, "Safety limits updated", "max_consecutive_losses", cfg.MaxConsecutiveLosses())
	return nil
}

// RestoreHistory replays stops recorded by an earlier process. A daily loss
// or drawdown stop from the current trading day latches again, so a restart
// cannot lift it.
func (c *Controller) RestoreHistory(ctx context.Context, recs []types.EmergencyStopRecord) {
	if len(recs) == 0 {
		return
	}
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	loc := c.cfg.Location()
	y, m, d := c.now().In(loc).Date()
	var latched *types.EmergencyStopRecord
	for _, r := range recs {
		r := r // per-iteration copy (go directive is 1.21; latched keeps &r)
		ry, rm, rd := r.Timestamp.In(loc).Date()
		if !r.Kind.Sticky() || ry != y || rm != m || rd != d {
			continue
		}
		if latched == nil || r.Timestamp.After(latched.Timestamp) {
			latched = &r
		}
	}
	if latched == nil {
		c.mu.Unlock()
		return
	}
	c.safety.EmergencyStopActive = true
	c.safety.EmergencyStopHistory = append(c.safety.EmergencyStopHistory, *latched)
	c.mu.Unlock()

	logger.Warn(ctx, "Emergency stop restored from journal", "kind", latched.Kind, "at", latched.Timestamp, "message", latched.Message)
	c.publishState(ctx, nil)
}

// VerifyAccount checks connectivity and a positive balance.
func (c *Controller) VerifyAccount(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return types.ErrNotInitialized
	}
	env, minBalance := c.cfg.Environment, c.cfg.Safety.MinLiveBalance
	c.mu.Unlock()

	connected := c.broker.TestConnection(ctx)
	c.mu.Lock()
	c.safety.Connected = connected
	c.mu.Unlock()
	if !connected {
		return &types.ConnectionError{Op: "verify account", Err: fmt.Errorf("broker unreachable")}
	}

	balance, err := c.broker.AccountBalance(ctx)
	if err != nil {
		return err
	}
	if balance <= 0 {
		c.mu.Lock()
		c.safety.AccountVerified = false
		c.mu.Unlock()
		err := fmt.Errorf("%w: %.2f", types.ErrInvalidBalance, balance)
		c.EmergencyStop(ctx, types.StopAccountError, err.Error())
		return err
	}

	c.mu.Lock()
	c.safety.AccountVerified = true
	c.startBalance = balance
	if c.state == StateUninitialized {
		c.state = StateVerified
	}
	c.mu.Unlock()

	logger.Info(ctx, "Account verified", "balance", balance, "environment", env)
	if env == types.EnvLive && balance < minBalance {
		c.bus.Publish(ctx, events.RiskAlert{
			Severity: events.SeverityMedium,
			Reason:   "low_balance",
			Message:  fmt.Sprintf("live balance %.2f below recommended %.2f", balance, minBalance),
		})
	}
	c.publishState(ctx, nil)
	return nil
}

// StartTrading runs the checks that gate the loop and starts it.
func (c *Controller) StartTrading(ctx context.Context) error {
	c.mu.Lock()
	if err := c.startBlockedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	needConfirm := c.cfg.Environment == types.EnvLive && c.cfg.Safety.RequireManualConfirmation
	confirmer, runner := c.confirmer, c.runner
	c.mu.Unlock()

	if needConfirm {
		if confirmer == nil {
			return types.ErrConfirmationDenied
		}
		ok, err := confirmer.Confirm(ctx, "Start LIVE trading?")
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrConfirmationDenied, err)
		}
		if !ok {
			return types.ErrConfirmationDenied
		}
	}

	c.mu.Lock()
	// a stop may have landed while waiting for the operator
	if err := c.startBlockedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StateRunning
	c.safety.SessionStart = c.now()
	c.mu.Unlock()

	if runner != nil {
		if err := runner.Start(ctx); err != nil {
			c.mu.Lock()
			c.state = StateStopped
			c.mu.Unlock()
			return err
		}
	}
	logger.Info(ctx, "Trading started")
	c.publishState(ctx, nil)
	return nil
}

func (c *Controller) startBlockedLocked() error {
	if !c.initialized {
		return types.ErrNotInitialized
	}
	if c.state == StateRunning {
		return types.ErrAlreadyRunning
	}
	if c.safety.EmergencyStopActive {
		last := c.lastStopLocked()
		return &types.EmergencyStopError{Kind: last.Kind, Message: last.Message}
	}
	if !c.safety.AccountVerified {
		return types.ErrNotVerified
	}
	if !c.window.contains(c.now()) {
		return types.ErrOutsideTradingHours
	}
	return nil
}

func (c *Controller) lastStopLocked() types.EmergencyStopRecord {
	h := c.safety.EmergencyStopHistory
	if len(h) == 0 {
		return types.EmergencyStopRecord{}
	}
	return h[len(h)-1]
}

// ManualStop halts the loop without flagging an emergency.
func (c *Controller) ManualStop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return types.ErrNotRunning
	}
	c.state = StateStopped
	runner := c.runner
	c.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
	logger.Info(ctx, "Trading stopped manually")
	c.publishState(ctx, nil)
	return nil
}

// OnTradeOutcome counts consecutive losses; a win resets the streak.
func (c *Controller) OnTradeOutcome(ctx context.Context, pnl float64) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.safety.TotalTrades++
	c.safety.LastTradeTime = c.now()
	switch {
	case pnl < 0:
		c.safety.ConsecutiveLosses++
	case pnl > 0:
		c.safety.ConsecutiveLosses = 0
	}
	losses, limit := c.safety.ConsecutiveLosses, c.cfg.MaxConsecutiveLosses()
	c.mu.Unlock()

	if pnl < 0 && losses >= limit {
		c.EmergencyStop(ctx, types.StopConsecutiveLosses,
			fmt.Sprintf("%d consecutive losing trades", losses))
	}
}

// OnAccountUpdate re-derives daily loss and drawdown percentages after each
// valuation pass. Both limits are inclusive.
func (c *Controller) OnAccountUpdate(ctx context.Context, m types.AccountMetrics) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	maxDaily, maxDD := c.cfg.Risk.MaxDailyLossPct, c.cfg.Risk.MaxDrawdownPct
	start := c.startBalance
	c.mu.Unlock()

	if m.Balance > 0 && m.DailyPnL < 0 {
		if pct := -m.DailyPnL / m.Balance * 100; pct >= maxDaily {
			c.EmergencyStop(ctx, types.StopDailyLoss,
				fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", pct, maxDaily))
			return
		}
	}
	if start > 0 && m.MaxDrawdown > 0 {
		if pct := m.MaxDrawdown / start * 100; pct >= maxDD {
			c.EmergencyStop(ctx, types.StopDrawdown,
				fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", pct, maxDD))
		}
	}
}

// OnBrokerHealth trips connection_lost after too many failed cycles in a row.
func (c *Controller) OnBrokerHealth(ctx context.Context, healthy bool) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.safety.Connected = healthy
	if healthy {
		c.connectionFails = 0
		c.mu.Unlock()
		return
	}
	c.connectionFails++
	fails, limit := c.connectionFails, c.cfg.Safety.MaxConnectionFailures
	c.mu.Unlock()

	if limit > 0 && fails >= limit {
		c.EmergencyStop(ctx, types.StopConnectionLost,
			fmt.Sprintf("broker unreachable for %d consecutive cycles", fails))
	}
}

// EmergencyStop latches the stop flag, halts the loop and closes every open
// position on a best-effort basis. A second call while active is ignored.
func (c *Controller) EmergencyStop(ctx context.Context, kind types.StopKind, message string) {
	c.mu.Lock()
	if c.safety.EmergencyStopActive {
		c.mu.Unlock()
		return
	}
	rec := types.EmergencyStopRecord{Kind: kind, Message: message, Timestamp: c.now()}
	c.safety.EmergencyStopActive = true
	c.safety.EmergencyStopHistory = append(c.safety.EmergencyStopHistory, rec)
	if c.state == StateRunning {
		c.state = StateStopped
	}
	runner, journal := c.runner, c.journal
	c.mu.Unlock()

	logger.Risk(ctx, "", "EMERGENCY_STOP", "kind", kind, "message", message)
	c.bus.Publish(ctx, events.RiskAlert{Severity: events.SeverityCritical, Reason: string(kind), Message: message})
	c.publishState(ctx, &rec)

	if journal != nil {
		if err := journal.RecordEmergencyStop(ctx, rec); err != nil {
			logger.ErrorWithErr(ctx, "Failed to journal emergency stop", err)
		}
	}

	if runner != nil {
		runner.Stop()
		if err := runner.CloseAll(ctx, "emergency_stop:"+string(kind)); err != nil {
			logger.ErrorWithErr(ctx, "Emergency close-all incomplete", err)
		}
		return
	}
	c.closeAllDirect(ctx)
}

// closeAllDirect flattens through the broker when no loop is attached.
func (c *Controller) closeAllDirect(ctx context.Context) {
	open, err := c.broker.OpenPositions(ctx)
	if err != nil {
		logger.ErrorWithErr(ctx, "Emergency close-all could not list positions", err)
		return
	}
	for _, p := range open {
		if err := c.broker.ClosePosition(ctx, p.ID); err != nil {
			logger.ErrorWithErr(ctx, "Emergency close failed", err, "position_id", p.ID)
		}
	}
}

// ClearEmergencyStop lifts the latch unless the last stop was a daily loss
// or drawdown stop. Trading must be started again afterwards.
func (c *Controller) ClearEmergencyStop(ctx context.Context) bool {
	c.mu.Lock()
	if !c.safety.EmergencyStopActive {
		c.mu.Unlock()
		return true
	}
	last := c.lastStopLocked()
	if last.Kind.Sticky() {
		c.mu.Unlock()
		logger.Warn(ctx, "Emergency stop cannot be cleared this session", "kind", last.Kind)
		return false
	}
	c.safety.EmergencyStopActive = false
	c.safety.EmergencyStopHistory = []types.EmergencyStopRecord{}
	c.safety.ConsecutiveLosses = 0
	c.connectionFails = 0
	c.mu.Unlock()

	logger.Info(ctx, "Emergency stop cleared", "kind", last.Kind)
	c.publishState(ctx, nil)
	return true
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the safety state.
func (c *Controller) Snapshot() types.SafetyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.safety
	s.EmergencyStopHistory = append([]types.EmergencyStopRecord(nil), c.safety.EmergencyStopHistory...)
	return s
}

func (c *Controller) publishState(ctx context.Context, stop *types.EmergencyStopRecord) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	c.bus.Publish(ctx, events.SafetyStateChanged{State: string(state), Safety: c.Snapshot(), Stop: stop})
}
