// Package events fans out orchestrator and safety state changes to any number
// of subscribers. Publishing never blocks: a subscriber that falls behind
// loses events rather than stalling a trading cycle.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/types"

	"github.com/google/uuid"
)

type Kind string

const (
	KindPriceUpdated       Kind = "price_updated"
	KindIndicatorsUpdated  Kind = "indicators_updated"
	KindSignalUpdated      Kind = "signal_updated"
	KindTradeExecuted      Kind = "trade_executed"
	KindTradeClosed        Kind = "trade_closed"
	KindPositionsUpdated   Kind = "positions_updated"
	KindPerformanceUpdated Kind = "performance_updated"
	KindRiskAlert          Kind = "risk_alert"
	KindError              Kind = "error"
	KindSafetyStateChanged Kind = "safety_state_changed"
)

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
}

type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload Payload   `json:"payload"`
}

func (e Event) JSON() ([]byte, error) { return json.Marshal(e) }

type PriceUpdated struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Bar        types.Bar `json:"bar"`
}

type IndicatorsUpdated struct {
	Indicators types.IndicatorSet `json:"indicators"`
}

type SignalUpdated struct {
	Technical types.Signal `json:"technical"`
	Predictor types.Signal `json:"predictor"`
	Fused     types.Signal `json:"fused"`
}

type TradeExecuted struct {
	Trade types.Trade `json:"trade"`
}

type TradeClosed struct {
	Trade types.Trade `json:"trade"`
}

type PositionsUpdated struct {
	Positions     []types.Position `json:"positions"`
	UnrealizedPnL float64          `json:"unrealized_pnl"`
}

type PerformanceUpdated struct {
	Performance types.Performance `json:"performance"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type RiskAlert struct {
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
	Message  string   `json:"message"`
}

type Error struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

type SafetyStateChanged struct {
	State  string                     `json:"state"`
	Safety types.SafetyState          `json:"safety"`
	Stop   *types.EmergencyStopRecord `json:"stop,omitempty"`
}

func (PriceUpdated) Kind() Kind       { return KindPriceUpdated }
func (IndicatorsUpdated) Kind() Kind  { return KindIndicatorsUpdated }
func (SignalUpdated) Kind() Kind      { return KindSignalUpdated }
func (TradeExecuted) Kind() Kind      { return KindTradeExecuted }
func (TradeClosed) Kind() Kind        { return KindTradeClosed }
func (PositionsUpdated) Kind() Kind   { return KindPositionsUpdated }
func (PerformanceUpdated) Kind() Kind { return KindPerformanceUpdated }
func (RiskAlert) Kind() Kind          { return KindRiskAlert }
func (Error) Kind() Kind              { return KindError }
func (SafetyStateChanged) Kind() Kind { return KindSafetyStateChanged }

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool
}

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus is safe for concurrent use. The zero value is not usable; call NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	now    func() time.Time
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[*subscriber]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a buffered listener. With no kinds every event is
// delivered. The returned cancel func closes the channel.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish stamps and delivers p to every interested subscriber.
func (b *Bus) Publish(ctx context.Context, p Payload) Event {
	ev := Event{
		ID:      uuid.NewString(),
		Kind:    p.Kind(),
		Time:    b.now().UTC(),
		Payload: p,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			logger.Warn(ctx, "Event dropped for slow subscriber", "kind", ev.Kind, "event_id", ev.ID)
		}
	}
	return ev
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
