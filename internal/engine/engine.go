package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"forex-trading-bot/internal/events"
	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/risk"
	"forex-trading-bot/internal/store"
	"forex-trading-bot/internal/ta"
	"forex-trading-bot/internal/types"
)

// SafetyHooks receives outcomes the safety layer needs to watch. Calls are
// made without any orchestrator lock held, so hooks may stop the loop or
// close positions.
type SafetyHooks interface {
	OnTradeOutcome(ctx context.Context, pnl float64)
	OnAccountUpdate(ctx context.Context, m types.AccountMetrics)
	OnBrokerHealth(ctx context.Context, healthy bool)
}

type Deps struct {
	Broker    interfaces.Broker
	Predictor interfaces.Predictor
	Risk      *risk.Manager
	Bus       *events.Bus
	// Optional
	Calculator interfaces.IndicatorCalculator
	Journal    interfaces.Journal
	Hooks      SafetyHooks
	Clock      func() time.Time
}

// Orchestrator runs one trading cycle per Step. It owns the bar window,
// indicators, open positions and performance; nothing else mutates them.
type Orchestrator struct {
	mu sync.Mutex

	cfg        *store.Config
	pendingCfg *store.Config
	ownCalc    bool

	brk     interfaces.Broker
	pred    interfaces.Predictor
	calc    interfaces.IndicatorCalculator
	risk    *risk.Manager
	sizing  risk.SizingPolicy
	bus     *events.Bus
	journal interfaces.Journal
	hooks   SafetyHooks
	now     func() time.Time

	window     *barWindow
	indicators *types.IndicatorSet
	lastSignal *types.Signal
	lastPrice  float64
	book       *positionManager
	closed     []types.Trade
	perf       types.Performance
	balance    float64

	inFlight atomic.Bool
	halted   atomic.Bool
}

var _ interfaces.Engine = (*Orchestrator)(nil)

func New(cfg *store.Config, d Deps) (*Orchestrator, error) {
	if d.Broker == nil || d.Predictor == nil || d.Risk == nil || d.Bus == nil {
		return nil, errors.New("orchestrator needs a broker, predictor, risk manager and event bus")
	}
	sizing, err := risk.Policy(cfg.Risk.SizingPolicy, d.Risk)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:     cfg,
		brk:     d.Broker,
		pred:    d.Predictor,
		calc:    d.Calculator,
		risk:    d.Risk,
		sizing:  sizing,
		bus:     d.Bus,
		journal: d.Journal,
		hooks:   d.Hooks,
		now:     d.Clock,
		window:  newBarWindow(cfg.Cycle.HistoryBars),
		book:    newPositionManager(),
	}
	if o.calc == nil {
		o.calc = ta.NewCalculator(cfg.Indicators)
		o.ownCalc = true
	}
	if o.journal == nil {
		o.journal = nopJournal{}
	}
	if o.hooks == nil {
		o.hooks = nopHooks{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.halted.Store(true)
	return o, nil
}

// SetHooks attaches the safety layer after construction.
func (o *Orchestrator) SetHooks(h SafetyHooks) {
	o.mu.Lock()
	o.hooks = h
	o.mu.Unlock()
}

func (o *Orchestrator) safetyHooks() SafetyHooks {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hooks
}

// UpdateConfig stages cfg; it takes effect at the start of the next cycle.
// A config that breaks a structural check or a hard safety limit is rejected
// with a *types.ConfigurationError and the current one stays in force.
func (o *Orchestrator) UpdateConfig(cfg *store.Config) error {
	var v []string
	if err := cfg.Validate(); err != nil {
		v = append(v, err.Error())
	}
	v = append(v, cfg.SafetyViolations()...)
	if _, err := risk.Policy(cfg.Risk.SizingPolicy, o.risk); err != nil {
		v = append(v, err.Error())
	}
	if len(v) > 0 {
		return &types.ConfigurationError{Violations: v}
	}
	o.mu.Lock()
	o.pendingCfg = cfg.Clone()
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) applyPendingConfig(ctx context.Context) {
	o.mu.Lock()
	cfg := o.pendingCfg
	o.pendingCfg = nil
	o.mu.Unlock()
	if cfg == nil {
		return
	}

	sizing, err := risk.Policy(cfg.Risk.SizingPolicy, o.risk)
	if err != nil {
		logger.ErrorWithErr(ctx, "Rejected config update", err)
		return
	}
	o.risk.UpdateConfig(cfg)

	o.mu.Lock()
	o.cfg = cfg
	o.sizing = sizing
	o.window.resize(cfg.Cycle.HistoryBars)
	if o.ownCalc {
		o.calc = ta.NewCalculator(cfg.Indicators)
	}
	o.mu.Unlock()
	logger.Info(ctx, "Configuration update applied", "sizing_policy", sizing.Name())
}

// Resume lets cycles trade again after Halt.
func (o *Orchestrator) Resume() {
	o.halted.Store(false)
	o.risk.SetActive(true)
}

// Halt makes the in-flight cycle stop before its next step and blocks new
// trades. It never waits.
func (o *Orchestrator) Halt() {
	o.halted.Store(true)
	o.risk.SetActive(false)
}

func (o *Orchestrator) Halted() bool { return o.halted.Load() }

// Period is the delay between cycles under the current configuration.
func (o *Orchestrator) Period() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Period()
}

func (o *Orchestrator) config() *store.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Step runs one full cycle. Overlapping calls fail with ErrCycleInProgress.
// Cancelling ctx does not interrupt a cycle that has started; use Halt.
func (o *Orchestrator) Step(ctx context.Context) (*types.StepResult, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, types.ErrCycleInProgress
	}
	defer o.inFlight.Store(false)
	ctx = context.WithoutCancel(ctx)

	o.applyPendingConfig(ctx)
	cfg := o.config()
	res := &types.StepResult{Instrument: cfg.Instrument, Time: o.now()}

	// 1. market data
	price, fresh := o.refreshMarketData(ctx, cfg, res)
	if o.stopRequested(res) {
		return res, nil
	}

	// 2. indicators
	inds, ready := o.refreshIndicators(ctx, cfg, res)
	if o.stopRequested(res) {
		return res, nil
	}

	// 3. positions, valuation and account limits
	var balance float64
	var balanceOK bool
	if fresh {
		balance, balanceOK = o.refreshPositions(ctx, cfg, price, res)
	}
	if o.stopRequested(res) {
		return res, nil
	}

	// 4. forced liquidation
	if balanceOK {
		o.mu.Lock()
		open := o.book.list()
		o.mu.Unlock()
		if liquidate, reason := o.risk.ShouldLiquidateAll(open, balance); liquidate {
			logger.Risk(ctx, cfg.Instrument, "LIQUIDATE_ALL", "reason", reason)
			o.bus.Publish(ctx, events.RiskAlert{Severity: events.SeverityHigh, Reason: "liquidate_all", Message: reason})
			if err := o.CloseAll(ctx, "liquidation"); err != nil {
				o.stepError(ctx, res, "liquidation", err)
			}
			res.Liquidated = true
			res.Reason = reason
			return res, nil
		}
	}

	// 5. signals and execution
	if !ready {
		res.Reason = "insufficient_bars"
	} else if fresh && balanceOK {
		o.evaluateAndExecute(ctx, cfg, inds, price, balance, res)
	}

	// 6. performance
	o.publishPerformance(ctx)
	return res, nil
}

func (o *Orchestrator) stopRequested(res *types.StepResult) bool {
	if o.halted.Load() {
		res.Reason = "halted"
		return true
	}
	return false
}

func (o *Orchestrator) stepError(ctx context.Context, res *types.StepResult, step string, err error) {
	logger.ErrorWithErr(ctx, "Trading cycle step failed", err, "step", step)
	res.Errors = append(res.Errors, types.StepError{Step: step, Err: err.Error()})
	o.bus.Publish(ctx, events.Error{Step: step, Message: err.Error()})
}

func (o *Orchestrator) brokerHealth(ctx context.Context, err error) {
	var ce *types.ConnectionError
	if err == nil {
		o.safetyHooks().OnBrokerHealth(ctx, true)
	} else if errors.As(err, &ce) {
		o.safetyHooks().OnBrokerHealth(ctx, false)
	}
}

func (o *Orchestrator) refreshMarketData(ctx context.Context, cfg *store.Config, res *types.StepResult) (float64, bool) {
	o.mu.Lock()
	count := cfg.Cycle.HistoryBars
	if o.window.len() > 0 {
		count = min(count, refreshBars)
	}
	o.mu.Unlock()

	bars, err := o.brk.HistoricalData(ctx, count, cfg.Cycle.Granularity)
	if err != nil {
		o.brokerHealth(ctx, err)
		o.stepError(ctx, res, "market_data", err)
	} else {
		o.mu.Lock()
		o.window.merge(bars)
		o.mu.Unlock()
	}

	price, perr := o.brk.CurrentPrice(ctx)
	o.brokerHealth(ctx, perr)
	if perr != nil {
		o.stepError(ctx, res, "price", perr)
	}

	o.mu.Lock()
	res.Bars = o.window.len()
	last, _ := o.window.last()
	if perr == nil {
		o.lastPrice = price
	}
	o.mu.Unlock()

	if perr != nil {
		return 0, false
	}
	res.Price = price
	o.bus.Publish(ctx, events.PriceUpdated{Instrument: cfg.Instrument, Price: price, Bar: last})
	return price, true
}

// refreshBars is how many recent bars are re-fetched once the window is seeded.
const refreshBars = 5

func (o *Orchestrator) refreshIndicators(ctx context.Context, cfg *store.Config, res *types.StepResult) (types.IndicatorSet, bool) {
	o.mu.Lock()
	bars := o.window.snapshot()
	calc := o.calc
	o.mu.Unlock()

	if len(bars) < cfg.Cycle.MinBars {
		logger.Debug(ctx, "Not enough bars for indicators", "bars", len(bars), "required", cfg.Cycle.MinBars)
		o.mu.Lock()
		o.indicators = nil
		o.mu.Unlock()
		return types.IndicatorSet{}, false
	}
	inds, err := calc.Compute(bars)
	if err != nil {
		o.stepError(ctx, res, "indicators", err)
		return types.IndicatorSet{}, false
	}
	o.mu.Lock()
	o.indicators = &inds
	o.mu.Unlock()

	res.IndicatorsReady = true
	o.bus.Publish(ctx, events.IndicatorsUpdated{Indicators: inds})
	return inds, true
}

// refreshPositions reconciles the book with the broker, enforces stops,
// revalues what is left and reports the account to the safety layer.
func (o *Orchestrator) refreshPositions(ctx context.Context, cfg *store.Config, price float64, res *types.StepResult) (float64, bool) {
	brokerOpen, err := o.brk.OpenPositions(ctx)
	if err != nil {
		o.brokerHealth(ctx, err)
		o.stepError(ctx, res, "positions", err)
	} else {
		o.reconcile(ctx, cfg, brokerOpen, price, res)
	}

	o.mu.Lock()
	o.book.revalue(price, o.risk.PnL)
	open := o.book.list()
	o.mu.Unlock()

	for _, p := range open {
		reason, hit := stopHit(p, price)
		if !hit {
			continue
		}
		logger.Risk(ctx, cfg.Instrument, "STOP_TRIGGERED", "position_id", p.ID, "reason", reason, "price", price)
		if t, ok := o.closePosition(ctx, p.ID, price, reason); ok {
			res.Closed = append(res.Closed, t)
		}
	}

	o.mu.Lock()
	o.book.revalue(price, o.risk.PnL)
	open = o.book.list()
	o.mu.Unlock()
	unrealized := o.risk.UpdateValuation(open)
	o.bus.Publish(ctx, events.PositionsUpdated{Positions: open, UnrealizedPnL: unrealized})

	balance, err := o.brk.AccountBalance(ctx)
	if err != nil {
		o.brokerHealth(ctx, err)
		o.stepError(ctx, res, "balance", err)
		return 0, false
	}
	o.mu.Lock()
	o.balance = balance
	perf := o.perf
	o.mu.Unlock()

	o.safetyHooks().OnAccountUpdate(ctx, types.AccountMetrics{
		Balance:     balance,
		DailyPnL:    o.risk.State().DailyPnL + unrealized,
		MaxDrawdown: perf.MaxDrawdown,
	})
	return balance, true
}

// reconcile settles positions the broker no longer reports and adopts ones
// the book does not know.
func (o *Orchestrator) reconcile(ctx context.Context, cfg *store.Config, brokerOpen []types.Position, price float64, res *types.StepResult) {
	seen := make(map[string]bool, len(brokerOpen))
	o.mu.Lock()
	for _, p := range brokerOpen {
		seen[p.ID] = true
		if !o.book.has(p.ID) {
			o.book.adopt(p, cfg.Instrument)
			logger.Warn(ctx, "Adopted position unknown to the book", "position_id", p.ID, "side", p.Side, "size", p.Size)
		}
	}
	var gone []types.Trade
	for _, id := range o.book.ids() {
		if seen[id] {
			continue
		}
		if t, ok := o.book.claim(id); ok {
			gone = append(gone, t)
		}
	}
	o.mu.Unlock()

	for _, t := range gone {
		res.Closed = append(res.Closed, o.settle(ctx, t, price, closeReconciled))
	}
}

// closePosition closes id at the broker and settles it at price.
func (o *Orchestrator) closePosition(ctx context.Context, id string, price float64, reason string) (types.Trade, bool) {
	o.mu.Lock()
	t, ok := o.book.claim(id)
	o.mu.Unlock()
	if !ok {
		return types.Trade{}, false
	}
	if err := o.brk.ClosePosition(ctx, id); err != nil {
		o.mu.Lock()
		o.book.release(id)
		o.mu.Unlock()
		logger.ErrorWithErr(ctx, "Failed to close position", err, "position_id", id, "reason", reason)
		o.bus.Publish(ctx, events.Error{Step: "close_position", Message: err.Error()})
		return types.Trade{}, false
	}
	return o.settle(ctx, t, price, reason), true
}

// settle books a claimed trade as closed and notifies every listener.
func (o *Orchestrator) settle(ctx context.Context, t types.Trade, price float64, reason string) types.Trade {
	pnl := o.risk.PnL(t.Side, t.Size, t.OpenPrice, price)
	closed := t.Closed(price, pnl, o.now(), reason)

	o.mu.Lock()
	o.book.remove(t.ID)
	o.closed = append(o.closed, closed)
	o.perf = ComputePerformance(o.closed)
	hooks := o.hooks
	o.mu.Unlock()

	o.risk.RecordOutcome(pnl)
	logger.Trade(ctx, closed.Instrument, "CLOSE_"+string(closed.Side), closed.Size, price, closed.ID,
		"reason", reason, "realized_pnl", pnl)
	if err := o.journal.RecordTrade(ctx, closed); err != nil {
		logger.Warn(ctx, "Failed to journal closed trade", "trade_id", closed.ID, "error", err)
	}
	o.bus.Publish(ctx, events.TradeClosed{Trade: closed})
	hooks.OnTradeOutcome(ctx, pnl)
	return closed
}

// CloseAll closes every open position. Failures are collected and the rest
// are still attempted.
func (o *Orchestrator) CloseAll(ctx context.Context, reason string) error {
	price, err := o.brk.CurrentPrice(ctx)
	o.mu.Lock()
	if err != nil || price <= 0 {
		price = o.lastPrice
	}
	ids := o.book.ids()
	o.mu.Unlock()

	if len(ids) > 0 {
		logger.Warn(ctx, "Closing all positions", "reason", reason, "count", len(ids))
	}
	var errs []error
	for _, id := range ids {
		o.mu.Lock()
		t, ok := o.book.claim(id)
		o.mu.Unlock()
		if !ok {
			continue
		}
		if err := o.brk.ClosePosition(ctx, id); err != nil {
			o.mu.Lock()
			o.book.release(id)
			o.mu.Unlock()
			errs = append(errs, err)
			continue
		}
		o.settle(ctx, t, price, reason)
	}

	o.mu.Lock()
	open := o.book.list()
	o.mu.Unlock()
	unrealized := o.risk.UpdateValuation(open)
	o.bus.Publish(ctx, events.PositionsUpdated{Positions: open, UnrealizedPnL: unrealized})
	return errors.Join(errs...)
}

func (o *Orchestrator) publishPerformance(ctx context.Context) {
	o.mu.Lock()
	perf := o.perf
	o.mu.Unlock()
	o.bus.Publish(ctx, events.PerformanceUpdated{Performance: perf})
}

// Snapshot is a read-only copy of the orchestrator state.
type Snapshot struct {
	Bars        []types.Bar         `json:"bars"`
	Indicators  *types.IndicatorSet `json:"indicators,omitempty"`
	LastSignal  *types.Signal       `json:"last_signal,omitempty"`
	Price       float64             `json:"price"`
	Balance     float64             `json:"balance"`
	Positions   []types.Position    `json:"positions"`
	Closed      []types.Trade       `json:"closed"`
	Performance types.Performance   `json:"performance"`
	Risk        types.RiskState     `json:"risk"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := Snapshot{
		Bars:        o.window.snapshot(),
		Price:       o.lastPrice,
		Balance:     o.balance,
		Positions:   o.book.list(),
		Closed:      append([]types.Trade(nil), o.closed...),
		Performance: o.perf,
	}
	if o.indicators != nil {
		inds := *o.indicators
		s.Indicators = &inds
	}
	if o.lastSignal != nil {
		sig := *o.lastSignal
		s.LastSignal = &sig
	}
	o.mu.Unlock()
	s.Risk = o.risk.State()
	return s
}

type nopJournal struct{}

func (nopJournal) RecordDecision(context.Context, types.DecisionRecord) error           { return nil }
func (nopJournal) RecordTrade(context.Context, types.Trade) error                       { return nil }
func (nopJournal) RecordEmergencyStop(context.Context, types.EmergencyStopRecord) error { return nil }

type nopHooks struct{}

func (nopHooks) OnTradeOutcome(context.Context, float64)               {}
func (nopHooks) OnAccountUpdate(context.Context, types.AccountMetrics) {}
func (nopHooks) OnBrokerHealth(context.Context, bool)                  {}
