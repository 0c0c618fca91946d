// Package kite adapts the Kite Connect REST API to the Broker interface for
// one currency-derivative contract.
package kite

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/types"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// netPositionPrefix marks a position reported by the broker that was not
// opened through this adapter.
const netPositionPrefix = "NET:"

type Params struct {
	APIKey          string
	AccessToken     string
	Instrument      string
	Exchange        string
	Tradingsymbol   string
	InstrumentToken int
	Product         string
	// ContractSize is the number of base-currency units in one contract.
	ContractSize float64
	UnitsPerLot  float64
	Clock        func() time.Time
}

// openOrder is a filled entry order this adapter tracks as a position.
type openOrder struct {
	id        string
	side      types.Side
	contracts int
	price     float64
	opened    time.Time
}

type Broker struct {
	p      Params
	client kiteClient
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]*openOrder
}

var _ interfaces.Broker = (*Broker)(nil)

func New(p Params) (*Broker, error) {
	if p.APIKey == "" || p.AccessToken == "" {
		return nil, errors.New("missing API key/access token")
	}
	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	return newWithClient(p, kc)
}

func newWithClient(p Params, c kiteClient) (*Broker, error) {
	if p.Exchange == "" || p.Tradingsymbol == "" || p.InstrumentToken == 0 {
		return nil, errors.New("kite broker needs exchange, tradingsymbol and instrument_token")
	}
	if p.ContractSize <= 0 || p.UnitsPerLot <= 0 {
		return nil, errors.New("kite contract size and units per lot must be positive")
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return &Broker{p: p, client: c, now: p.Clock, orders: make(map[string]*openOrder)}, nil
}

func (b *Broker) key() string { return b.p.Exchange + ":" + b.p.Tradingsymbol }

func connErr(op string, err error) error {
	return &types.ConnectionError{Op: op, Err: err}
}

func (b *Broker) CurrentPrice(ctx context.Context) (float64, error) {
	ltp, err := b.client.GetLTP(b.key())
	if err != nil {
		return 0, connErr("ltp", err)
	}
	q, ok := ltp[b.key()]
	if !ok || q.LastPrice <= 0 {
		return 0, fmt.Errorf("no last price for %s", b.key())
	}
	return q.LastPrice, nil
}

func (b *Broker) HistoricalData(ctx context.Context, count int, granularity string) ([]types.Bar, error) {
	interval, step, err := kiteInterval(granularity)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}
	to := b.now()
	// sessions have gaps, so ask for a wider range and keep the tail
	from := to.Add(-time.Duration(count) * step * 3)
	candles, err := b.client.GetHistoricalData(b.p.InstrumentToken, interval, from, to, false, false)
	if err != nil {
		return nil, connErr("historical_data", err)
	}
	bars := make([]types.Bar, 0, len(candles))
	for _, c := range candles {
		bars = append(bars, types.Bar{
			Time:   c.Date.Time,
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: float64(c.Volume),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

var intervals = map[string]string{
	"M1":  "minute",
	"M5":  "5minute",
	"M15": "15minute",
	"M30": "30minute",
	"H1":  "60minute",
	"D":   "day",
}

func kiteInterval(granularity string) (string, time.Duration, error) {
	interval, ok := intervals[granularity]
	step, known := types.GranularityDuration(granularity)
	if !ok || !known {
		return "", 0, fmt.Errorf("granularity %q is not served by kite", granularity)
	}
	return interval, step, nil
}

func (b *Broker) contracts(units float64) (int, error) {
	n := int(math.Round(units / b.p.ContractSize))
	if n <= 0 {
		return 0, fmt.Errorf("%.0f units is less than one contract of %.0f", units, b.p.ContractSize)
	}
	return n, nil
}

func (b *Broker) marketOrder(side types.Side, contracts int, tag string) (string, error) {
	txn := kiteconnect.TransactionTypeBuy
	if side == types.SideSell {
		txn = kiteconnect.TransactionTypeSell
	}
	resp, err := b.client.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        b.p.Exchange,
		Tradingsymbol:   b.p.Tradingsymbol,
		Validity:        kiteconnect.ValidityDay,
		Product:         b.p.Product,
		OrderType:       kiteconnect.OrderTypeMarket,
		TransactionType: txn,
		Quantity:        contracts,
		Tag:             tag,
	})
	if err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// PlaceTrade sends a market order. Kite regular orders carry no attached
// stop or target; the orchestrator monitors those levels itself.
func (b *Broker) PlaceTrade(ctx context.Context, req types.OrderReq) (types.Trade, error) {
	if !req.Side.Valid() {
		return types.Trade{}, fmt.Errorf("invalid side %q", req.Side)
	}
	n, err := b.contracts(req.Units)
	if err != nil {
		return types.Trade{}, err
	}
	price, err := b.CurrentPrice(ctx)
	if err != nil {
		return types.Trade{}, err
	}
	id, err := b.marketOrder(req.Side, n, req.Tag)
	if err != nil {
		return types.Trade{}, connErr("place_order", err)
	}

	now := b.now()
	b.mu.Lock()
	b.orders[id] = &openOrder{id: id, side: req.Side, contracts: n, price: price, opened: now}
	b.mu.Unlock()

	logger.Info(ctx, "Kite order placed", "order_id", id, "side", req.Side, "contracts", n)
	return types.Trade{
		ID:         id,
		Instrument: b.p.Instrument,
		Side:       req.Side,
		OpenPrice:  price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   now,
		Status:     types.TradeOpen,
	}, nil
}

// ClosePosition sends the offsetting market order for id.
func (b *Broker) ClosePosition(ctx context.Context, id string) error {
	var side types.Side
	var n int

	b.mu.Lock()
	o, tracked := b.orders[id]
	if tracked {
		side, n = o.side, o.contracts
	}
	b.mu.Unlock()

	if !tracked {
		net, err := b.netPosition()
		if err != nil {
			return err
		}
		if id != netPositionPrefix+b.p.Tradingsymbol || net == nil || net.Quantity == 0 {
			return fmt.Errorf("position %s not found", id)
		}
		b.mu.Lock()
		n = net.Quantity - b.trackedQuantity()
		b.mu.Unlock()
		side = types.SideBuy
		if n == 0 {
			return fmt.Errorf("position %s not found", id)
		}
		if n < 0 {
			side, n = types.SideSell, -n
		}
	}

	exit := types.SideSell
	if side == types.SideSell {
		exit = types.SideBuy
	}
	if _, err := b.marketOrder(exit, n, "close"); err != nil {
		return connErr("close_position", err)
	}
	if tracked {
		b.mu.Lock()
		delete(b.orders, id)
		b.mu.Unlock()
	}
	return nil
}

func (b *Broker) netPosition() (*kiteconnect.Position, error) {
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, connErr("positions", err)
	}
	for i := range positions.Net {
		p := &positions.Net[i]
		if p.Tradingsymbol == b.p.Tradingsymbol && p.Product == b.p.Product {
			return p, nil
		}
	}
	return nil, nil
}

// OpenPositions reports tracked orders while the broker's net quantity still
// covers them. Tracked orders no longer covered are dropped, so the caller
// sees them as closed. Exposure nobody here opened is reported as a single
// NET: position.
func (b *Broker) OpenPositions(ctx context.Context) ([]types.Position, error) {
	net, err := b.netPosition()
	if err != nil {
		return nil, err
	}
	qty, last := 0, 0.0
	if net != nil {
		qty, last = net.Quantity, net.LastPrice
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tracked := make([]*openOrder, 0, len(b.orders))
	for _, o := range b.orders {
		tracked = append(tracked, o)
	}
	// newest first so the oldest orders are the ones closed externally
	sort.Slice(tracked, func(i, j int) bool { return tracked[i].opened.After(tracked[j].opened) })

	var out []types.Position
	remaining := qty
	for _, o := range tracked {
		signed := o.contracts
		if o.side == types.SideSell {
			signed = -signed
		}
		if remaining == 0 || (remaining > 0) != (signed > 0) || abs(remaining) < o.contracts {
			delete(b.orders, o.id)
			continue
		}
		remaining -= signed
		out = append(out, b.position(o.id, o.side, o.contracts, o.price, last, o.opened))
	}
	if remaining != 0 {
		side, n := types.SideBuy, remaining
		if n < 0 {
			side, n = types.SideSell, -n
		}
		avg := net.AveragePrice
		out = append(out, b.position(netPositionPrefix+b.p.Tradingsymbol, side, n, avg, last, time.Time{}))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (b *Broker) position(id string, side types.Side, contracts int, open, last float64, opened time.Time) types.Position {
	units := float64(contracts) * b.p.ContractSize
	p := types.Position{
		ID:           id,
		Instrument:   b.p.Instrument,
		Side:         side,
		Size:         units / b.p.UnitsPerLot,
		OpenPrice:    open,
		CurrentPrice: last,
		OpenTime:     opened,
	}
	if last > 0 {
		p.UnrealizedPnL = (last - open) * side.Direction() * units
	}
	return p
}

// trackedQuantity is the signed contract count of tracked orders. Callers
// hold b.mu.
func (b *Broker) trackedQuantity() int {
	total := 0
	for _, o := range b.orders {
		if o.side == types.SideSell {
			total -= o.contracts
		} else {
			total += o.contracts
		}
	}
	return total
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// AccountBalance is the net equity margin.
func (b *Broker) AccountBalance(ctx context.Context) (float64, error) {
	m, err := b.client.GetUserMargins()
	if err != nil {
		return 0, connErr("margins", err)
	}
	return m.Equity.Net, nil
}

func (b *Broker) TestConnection(ctx context.Context) bool {
	if _, err := b.client.GetUserProfile(); err != nil {
		logger.Warn(ctx, "Kite connection test failed", "error", err)
		return false
	}
	return true
}
