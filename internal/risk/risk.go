// Package risk owns position sizing, the pre-trade gate, trade validation and
// the daily loss accounting that drives liquidation.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/store"
	"forex-trading-bot/internal/types"

	"github.com/shopspring/decimal"
)

// KellyCap bounds the Kelly fraction of balance put at risk.
const KellyCap = 0.25

// Verdict is the answer of the pre-trade gate.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Err converts a denial into a *types.RiskLimitError.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &types.RiskLimitError{Reason: v.Reason}
}

// Manager is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	cfg        store.RiskConfig
	market     store.MarketConfig
	instrument string
	loc        *time.Location
	now        func() time.Time
	state      types.RiskState
	active     bool
}

type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests around the day boundary.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(cfg *store.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg.Risk,
		market:     cfg.Market,
		instrument: cfg.Instrument,
		loc:        cfg.Location(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.state.LastResetDate = m.today()
	return m
}

// UpdateConfig swaps the limits. Accumulated daily state is kept.
func (m *Manager) UpdateConfig(cfg *store.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.Risk
	m.market = cfg.Market
	m.instrument = cfg.Instrument
	m.loc = cfg.Location()
}

// Restore seeds the daily counters from a journal after a restart. State
// recorded for another day is ignored. Reports whether anything was restored.
func (m *Manager) Restore(s types.RiskState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	y, mo, d := s.LastResetDate.In(m.loc).Date()
	if !time.Date(y, mo, d, 0, 0, 0, 0, m.loc).Equal(m.state.LastResetDate) {
		return false
	}
	m.state.DailyPnL = s.DailyPnL
	m.state.DailyTradeCount = s.DailyTradeCount
	return true
}

// SetActive marks whether the bot is allowed to open trades at all.
func (m *Manager) SetActive(active bool) {
	m.mu.Lock()
	m.active = active
	m.mu.Unlock()
}

func (m *Manager) today() time.Time {
	y, mo, d := m.now().In(m.loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, m.loc)
}

// rollDay resets the daily counters on the first call of a new calendar day.
// Caller must hold m.mu.
func (m *Manager) rollDay() {
	today := m.today()
	if today.Equal(m.state.LastResetDate) {
		return
	}
	logger.Info(context.Background(), "Daily risk counters reset",
		"previous_date", m.state.LastResetDate.Format("2006-01-02"),
		"daily_pnl", m.state.DailyPnL,
		"daily_trades", m.state.DailyTradeCount,
	)
	m.state.DailyPnL = 0
	m.state.DailyTradeCount = 0
	m.state.LastResetDate = today
}

// SizePosition converts a percentage of balance at risk into lots.
//
// Parameters:
//   - balance: account balance in account currency
//   - stopPips: stop distance in pips
//   - riskPct: percent of balance to lose if the stop is hit
//
// Returns lots rounded to two decimals, or an error for non-positive inputs.
func (m *Manager) SizePosition(balance, stopPips, riskPct float64) (float64, error) {
	if stopPips <= 0 {
		return 0, types.ErrInvalidStopDistance
	}
	if balance <= 0 {
		return 0, types.ErrInvalidBalance
	}
	if riskPct <= 0 {
		return 0, types.ErrInvalidRisk
	}
	m.mu.Lock()
	market := m.market
	m.mu.Unlock()

	riskAmount := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(riskPct)).Div(decimal.NewFromInt(100))
	return m.lotsFor(riskAmount, stopPips, market), nil
}

func (m *Manager) lotsFor(riskAmount decimal.Decimal, stopPips float64, market store.MarketConfig) float64 {
	distance := decimal.NewFromFloat(stopPips).Mul(decimal.NewFromFloat(market.PipSize))
	units := riskAmount.Div(distance)
	return units.Div(decimal.NewFromFloat(market.UnitsPerLot)).Round(2).InexactFloat64()
}

// SizePositionKelly sizes by the Kelly fraction f = W - (1-W)/R with
// R = avgWin/avgLoss, capped at KellyCap. A non-positive edge falls back to
// half the default size.
func (m *Manager) SizePositionKelly(balance, winRate, avgWin, avgLoss float64) (float64, error) {
	if balance <= 0 {
		return 0, types.ErrInvalidBalance
	}
	if winRate < 0 || winRate > 1 {
		return 0, fmt.Errorf("win rate %.4f outside [0,1]", winRate)
	}
	if avgWin <= 0 {
		return 0, fmt.Errorf("average win must be positive, got %.4f", avgWin)
	}
	m.mu.Lock()
	cfg, market := m.cfg, m.market
	m.mu.Unlock()

	avgLoss = math.Abs(avgLoss)
	f := winRate
	if avgLoss > 0 {
		f = winRate - (1-winRate)/(avgWin/avgLoss)
	}
	if f <= 0 {
		return cfg.DefaultPositionSize / 2, nil
	}
	if f > KellyCap {
		f = KellyCap
	}
	riskAmount := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(f))
	return m.lotsFor(riskAmount, cfg.StopLossPips, market), nil
}

// ComputeStops places stop-loss and take-profit the configured pip distance
// away from entry on the losing and winning side respectively.
func (m *Manager) ComputeStops(entry float64, side types.Side, slPips, tpPips float64) (sl, tp float64) {
	m.mu.Lock()
	pip := m.market.PipSize
	m.mu.Unlock()

	dir := side.Direction()
	sl = round5(entry - dir*slPips*pip)
	tp = round5(entry + dir*tpPips*pip)
	return sl, tp
}

func round5(v float64) float64 {
	return decimal.NewFromFloat(v).Round(5).InexactFloat64()
}

// CanPlaceTrade is the pre-trade gate. Checks run in a fixed order and the
// first failure is reported.
func (m *Manager) CanPlaceTrade(open []types.Position, req types.TradeRequest, balance float64) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()

	if limit := balance * m.cfg.MaxDailyLossPct / 100; m.state.DailyPnL <= -limit {
		return Verdict{Reason: fmt.Sprintf("daily loss limit reached: %.2f <= -%.2f", m.state.DailyPnL, limit)}
	}
	if len(open) >= m.cfg.MaxConcurrentTrades {
		return Verdict{Reason: fmt.Sprintf("max concurrent trades reached: %d", len(open))}
	}
	if !m.active {
		return Verdict{Reason: "bot is not active"}
	}
	if maxSize := 2 * m.cfg.DefaultPositionSize; req.Size() > maxSize {
		return Verdict{Reason: fmt.Sprintf("position size %.2f exceeds %.2f lots", req.Size(), maxSize)}
	}
	return Verdict{Allowed: true}
}

// ValidateTrade checks the proposal itself and reports every violation.
func (m *Manager) ValidateTrade(req types.TradeRequest) error {
	m.mu.Lock()
	instrument, minRR := m.instrument, m.cfg.MinRewardRisk
	m.mu.Unlock()

	var v []string
	if req.Instrument() != instrument {
		v = append(v, fmt.Sprintf("instrument %q does not match configured %q", req.Instrument(), instrument))
	}
	if !req.Side().Valid() {
		v = append(v, fmt.Sprintf("unknown side %q", req.Side()))
	}
	if req.Size() <= 0 {
		v = append(v, fmt.Sprintf("size must be positive, got %.2f", req.Size()))
	}
	if req.Entry() <= 0 {
		v = append(v, fmt.Sprintf("entry price must be positive, got %.5f", req.Entry()))
	}

	sl, tp, entry := req.StopLoss(), req.TakeProfit(), req.Entry()
	if sl != 0 && tp != 0 && req.Side().Valid() {
		dir := req.Side().Direction()
		slOK := (entry-sl)*dir > 0
		tpOK := (tp-entry)*dir > 0
		if !slOK {
			v = append(v, fmt.Sprintf("stop loss %.5f on wrong side of entry %.5f", sl, entry))
		}
		if !tpOK {
			v = append(v, fmt.Sprintf("take profit %.5f on wrong side of entry %.5f", tp, entry))
		}
		if slOK && tpOK {
			if rr := math.Abs(tp-entry) / math.Abs(entry-sl); rr < minRR-1e-9 {
				v = append(v, fmt.Sprintf("reward/risk %.2f below %.2f", rr, minRR))
			}
		}
	}

	if len(v) > 0 {
		return &types.ValidationError{Violations: v}
	}
	return nil
}

// RecordOutcome books a closed trade against the current day.
func (m *Manager) RecordOutcome(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	m.state.DailyPnL += pnl
	m.state.DailyTradeCount++
}

// UpdateValuation stores the aggregate unrealized P&L of open positions.
func (m *Manager) UpdateValuation(open []types.Position) float64 {
	total := 0.0
	for _, p := range open {
		total += p.UnrealizedPnL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	m.state.UnrealizedPnL = total
	return total
}

// ShouldLiquidateAll reports whether every open position must be closed now.
func (m *Manager) ShouldLiquidateAll(open []types.Position, balance float64) (bool, string) {
	unrealized := 0.0
	for _, p := range open {
		unrealized += p.UnrealizedPnL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()

	if limit := balance * m.cfg.MaxDailyLossPct / 100; m.state.DailyPnL <= -limit {
		return true, fmt.Sprintf("daily loss %.2f reached limit %.2f", m.state.DailyPnL, -limit)
	}
	if limit := balance * m.cfg.MaxUnrealizedLossPct / 100; len(open) > 0 && unrealized <= -limit {
		return true, fmt.Sprintf("unrealized loss %.2f reached limit %.2f", unrealized, -limit)
	}
	return false, ""
}

// PnL returns the account-currency result of moving size lots from open to
// price on side.
func (m *Manager) PnL(side types.Side, size, open, price float64) float64 {
	m.mu.Lock()
	units := size * m.market.UnitsPerLot
	m.mu.Unlock()
	return (price - open) * side.Direction() * units
}

func (m *Manager) State() types.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	return m.state
}
