// Package paper is an in-memory broker that simulates a single instrument
// with a random walk. It keeps a balance, open positions and executes
// stop-loss and take-profit levels on every tick, the way a real venue
// would on its side.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/types"

	"github.com/google/uuid"
)

const seedBars = 1000

type Params struct {
	Instrument     string
	InitialBalance float64
	StartPrice     float64
	Volatility     float64
	UnitsPerLot    float64
	Granularity    string
	Seed           int64
	Clock          func() time.Time
}

type position struct {
	types.Position
	units float64
}

type Broker struct {
	mu        sync.Mutex
	p         Params
	rng       *rand.Rand
	now       func() time.Time
	step      time.Duration
	price     float64
	bars      []types.Bar
	balance   float64
	positions map[string]*position
	failing   bool
}

var _ interfaces.Broker = (*Broker)(nil)

func New(p Params) (*Broker, error) {
	if p.InitialBalance <= 0 || p.StartPrice <= 0 || p.UnitsPerLot <= 0 {
		return nil, errors.New("paper broker needs a positive balance, start price and lot size")
	}
	step, ok := types.GranularityDuration(p.Granularity)
	if !ok {
		return nil, fmt.Errorf("unsupported granularity %q", p.Granularity)
	}
	if p.Seed == 0 {
		p.Seed = time.Now().UnixNano()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	b := &Broker{
		p:         p,
		rng:       rand.New(rand.NewSource(p.Seed)),
		now:       p.Clock,
		step:      step,
		price:     p.StartPrice,
		balance:   p.InitialBalance,
		positions: make(map[string]*position),
	}
	b.seed()
	return b, nil
}

// seed fills the history with seedBars bars ending at the current bar.
func (b *Broker) seed() {
	end := b.now().Truncate(b.step)
	start := end.Add(-time.Duration(seedBars-1) * b.step)
	for i := 0; i < seedBars; i++ {
		open := b.price
		b.walk()
		b.bars = append(b.bars, types.Bar{
			Time:  start.Add(time.Duration(i) * b.step),
			Open:  open,
			High:  math.Max(open, b.price) + b.rng.Float64()*b.p.Volatility/2,
			Low:   math.Min(open, b.price) - b.rng.Float64()*b.p.Volatility/2,
			Close: b.price,
		})
	}
}

func (b *Broker) walk() {
	b.price += b.rng.NormFloat64() * b.p.Volatility
	if b.price < b.p.Volatility {
		b.price = b.p.Volatility
	}
}

// Tick advances the price one step and executes crossed stops.
func (b *Broker) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.walk()
	b.recordPrice()
}

// SetPrice moves the market to price and executes crossed stops.
func (b *Broker) SetPrice(price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.price = price
	b.recordPrice()
}

// SetFailing makes every call fail with a connection error until reset.
func (b *Broker) SetFailing(failing bool) {
	b.mu.Lock()
	b.failing = failing
	b.mu.Unlock()
}

// recordPrice folds the current price into the forming bar, opening a new
// one when the clock has moved past it.
func (b *Broker) recordPrice() {
	t := b.now().Truncate(b.step)
	last := &b.bars[len(b.bars)-1]
	if t.After(last.Time) {
		b.bars = append(b.bars, types.Bar{Time: t, Open: last.Close, High: b.price, Low: b.price, Close: b.price})
		if len(b.bars) > 2*seedBars {
			b.bars = append([]types.Bar(nil), b.bars[len(b.bars)-seedBars:]...)
		}
	} else {
		last.Close = b.price
		last.High = math.Max(last.High, b.price)
		last.Low = math.Min(last.Low, b.price)
	}
	b.executeStops()
}

func (b *Broker) executeStops() {
	for id, pos := range b.positions {
		var hit bool
		switch pos.Side {
		case types.SideBuy:
			hit = (pos.StopLoss > 0 && b.price <= pos.StopLoss) || (pos.TakeProfit > 0 && b.price >= pos.TakeProfit)
		case types.SideSell:
			hit = (pos.StopLoss > 0 && b.price >= pos.StopLoss) || (pos.TakeProfit > 0 && b.price <= pos.TakeProfit)
		}
		if hit {
			b.settle(id, pos)
		}
	}
}

func (b *Broker) settle(id string, pos *position) {
	b.balance += (b.price - pos.OpenPrice) * pos.Side.Direction() * pos.units
	delete(b.positions, id)
}

func (b *Broker) check(op string) error {
	if b.failing {
		return &types.ConnectionError{Op: op, Err: errors.New("paper broker offline")}
	}
	return nil
}

// CurrentPrice ticks the market once and returns the new price.
func (b *Broker) CurrentPrice(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("current_price"); err != nil {
		return 0, err
	}
	b.walk()
	b.recordPrice()
	return b.price, nil
}

func (b *Broker) HistoricalData(ctx context.Context, count int, granularity string) ([]types.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("historical_data"); err != nil {
		return nil, err
	}
	if granularity != b.p.Granularity {
		return nil, fmt.Errorf("paper broker serves %s bars, not %s", b.p.Granularity, granularity)
	}
	if count <= 0 {
		return nil, nil
	}
	if count > len(b.bars) {
		count = len(b.bars)
	}
	return append([]types.Bar(nil), b.bars[len(b.bars)-count:]...), nil
}

func (b *Broker) PlaceTrade(ctx context.Context, req types.OrderReq) (types.Trade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("place_trade"); err != nil {
		return types.Trade{}, err
	}
	if !req.Side.Valid() || req.Units <= 0 {
		return types.Trade{}, fmt.Errorf("invalid order: side %q units %v", req.Side, req.Units)
	}

	id := uuid.NewString()
	now := b.now()
	pos := &position{
		Position: types.Position{
			ID:           id,
			Instrument:   b.p.Instrument,
			Side:         req.Side,
			Size:         req.Units / b.p.UnitsPerLot,
			OpenPrice:    b.price,
			CurrentPrice: b.price,
			StopLoss:     req.StopLoss,
			TakeProfit:   req.TakeProfit,
			OpenTime:     now,
		},
		units: req.Units,
	}
	b.positions[id] = pos
	return types.Trade{
		ID:         id,
		Instrument: b.p.Instrument,
		Side:       req.Side,
		Size:       pos.Size,
		OpenPrice:  b.price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   now,
		Status:     types.TradeOpen,
	}, nil
}

func (b *Broker) ClosePosition(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("close_position"); err != nil {
		return err
	}
	pos, ok := b.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	b.settle(id, pos)
	return nil
}

// AccountBalance is the realized balance; open positions are not marked in.
func (b *Broker) AccountBalance(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("account_balance"); err != nil {
		return 0, err
	}
	return b.balance, nil
}

func (b *Broker) OpenPositions(ctx context.Context) ([]types.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("open_positions"); err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		p := pos.Position
		p.CurrentPrice = b.price
		p.UnrealizedPnL = (b.price - p.OpenPrice) * p.Side.Direction() * pos.units
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (b *Broker) TestConnection(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.failing
}
