package kite

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"forex-trading-bot/internal/types"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/gokiteconnect/v4/models"
)

type fakeClient struct {
	ltp        float64
	candles    []kiteconnect.HistoricalData
	netQty     int
	avgPrice   float64
	orders     []kiteconnect.OrderParams
	nextID     int
	err        error
	margin     float64
	histFrom   time.Time
	histTo     time.Time
	histToken  int
	histPeriod string
}

func (f *fakeClient) GetLTP(instruments ...string) (kiteconnect.QuoteLTP, error) {
	if f.err != nil {
		return nil, f.err
	}
	var q kiteconnect.QuoteLTP
	raw, _ := json.Marshal(map[string]any{instruments[0]: map[string]any{"instrument_token": 1, "last_price": f.ltp}})
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, err
	}
	return q, nil
}

func (f *fakeClient) GetHistoricalData(token int, interval string, from, to time.Time, _ bool, _ bool) ([]kiteconnect.HistoricalData, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.histToken, f.histPeriod, f.histFrom, f.histTo = token, interval, from, to
	return f.candles, nil
}

func (f *fakeClient) PlaceOrder(_ string, p kiteconnect.OrderParams) (kiteconnect.OrderResponse, error) {
	if f.err != nil {
		return kiteconnect.OrderResponse{}, f.err
	}
	f.orders = append(f.orders, p)
	f.nextID++
	qty := p.Quantity
	if p.TransactionType == kiteconnect.TransactionTypeSell {
		qty = -qty
	}
	f.netQty += qty
	return kiteconnect.OrderResponse{OrderID: string(rune('A' + f.nextID - 1))}, nil
}

func (f *fakeClient) GetPositions() (kiteconnect.Positions, error) {
	if f.err != nil {
		return kiteconnect.Positions{}, f.err
	}
	return kiteconnect.Positions{Net: []kiteconnect.Position{{
		Tradingsymbol: "EURINR24MARFUT",
		Product:       "NRML",
		Quantity:      f.netQty,
		AveragePrice:  f.avgPrice,
		LastPrice:     f.ltp,
	}}}, nil
}

func (f *fakeClient) GetUserMargins() (kiteconnect.AllMargins, error) {
	if f.err != nil {
		return kiteconnect.AllMargins{}, f.err
	}
	return kiteconnect.AllMargins{Equity: kiteconnect.Margins{Net: f.margin}}, nil
}

func (f *fakeClient) GetUserProfile() (kiteconnect.UserProfile, error) {
	return kiteconnect.UserProfile{}, f.err
}

var now = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestBroker(t *testing.T, c *fakeClient) *Broker {
	t.Helper()
	b, err := newWithClient(Params{
		Instrument:      "EUR_INR",
		Exchange:        "CDS",
		Tradingsymbol:   "EURINR24MARFUT",
		InstrumentToken: 1234,
		Product:         "NRML",
		ContractSize:    1000,
		UnitsPerLot:     100000,
		Clock:           func() time.Time { return now },
	}, c)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCurrentPriceAndBalance(t *testing.T) {
	c := &fakeClient{ltp: 90.25, margin: 50000}
	b := newTestBroker(t, c)
	ctx := context.Background()

	if p, err := b.CurrentPrice(ctx); err != nil || p != 90.25 {
		t.Errorf("CurrentPrice = %v, %v", p, err)
	}
	if bal, err := b.AccountBalance(ctx); err != nil || bal != 50000 {
		t.Errorf("AccountBalance = %v, %v", bal, err)
	}
	if !b.TestConnection(ctx) {
		t.Error("TestConnection = false")
	}
}

func TestHistoricalDataSortsAndTrims(t *testing.T) {
	c := &fakeClient{}
	for _, m := range []int{2, 0, 1} {
		c.candles = append(c.candles, kiteconnect.HistoricalData{
			Date:  models.Time{Time: now.Add(time.Duration(m-3) * time.Minute)},
			Close: float64(m),
		})
	}
	b := newTestBroker(t, c)

	bars, err := b.HistoricalData(context.Background(), 2, "M1")
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 || bars[0].Close != 1 || bars[1].Close != 2 {
		t.Errorf("bars = %+v", bars)
	}
	if c.histToken != 1234 || c.histPeriod != "minute" || !c.histTo.Equal(now) || !c.histFrom.Equal(now.Add(-6*time.Minute)) {
		t.Errorf("request = %d %s %v..%v", c.histToken, c.histPeriod, c.histFrom, c.histTo)
	}
	if _, err := b.HistoricalData(context.Background(), 2, "H4"); err == nil {
		t.Error("expected error for H4")
	}
}

func TestPlaceAndCloseTrackedTrade(t *testing.T) {
	c := &fakeClient{ltp: 90}
	b := newTestBroker(t, c)
	ctx := context.Background()

	tr, err := b.PlaceTrade(ctx, types.OrderReq{Side: types.SideBuy, Units: 20000, StopLoss: 89.5, TakeProfit: 91, Tag: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if tr.ID != "A" || tr.OpenPrice != 90 || tr.StopLoss != 89.5 {
		t.Errorf("trade = %+v", tr)
	}
	if o := c.orders[0]; o.Quantity != 20 || o.TransactionType != kiteconnect.TransactionTypeBuy || o.OrderType != kiteconnect.OrderTypeMarket {
		t.Errorf("order = %+v", o)
	}

	c.ltp = 90.5
	open, err := b.OpenPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != "A" || math.Abs(open[0].Size-0.2) > 1e-12 || math.Abs(open[0].UnrealizedPnL-10000) > 1e-6 {
		t.Fatalf("open = %+v", open)
	}

	if err := b.ClosePosition(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if o := c.orders[1]; o.Quantity != 20 || o.TransactionType != kiteconnect.TransactionTypeSell {
		t.Errorf("close order = %+v", o)
	}
	if open, _ := b.OpenPositions(ctx); len(open) != 0 {
		t.Errorf("open after close = %+v", open)
	}
}

func TestExternallyClosedOrderDisappears(t *testing.T) {
	c := &fakeClient{ltp: 90}
	b := newTestBroker(t, c)
	ctx := context.Background()
	if _, err := b.PlaceTrade(ctx, types.OrderReq{Side: types.SideSell, Units: 5000}); err != nil {
		t.Fatal(err)
	}
	c.netQty = 0

	open, err := b.OpenPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("open = %+v", open)
	}
}

func TestUntrackedExposureIsReportedAndClosable(t *testing.T) {
	c := &fakeClient{ltp: 90, netQty: -3, avgPrice: 91}
	b := newTestBroker(t, c)
	ctx := context.Background()

	open, err := b.OpenPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != "NET:EURINR24MARFUT" || open[0].Side != types.SideSell || open[0].OpenPrice != 91 {
		t.Fatalf("open = %+v", open)
	}
	if err := b.ClosePosition(ctx, open[0].ID); err != nil {
		t.Fatal(err)
	}
	if o := c.orders[0]; o.Quantity != 3 || o.TransactionType != kiteconnect.TransactionTypeBuy {
		t.Errorf("close order = %+v", o)
	}
}

func TestTransportErrorsAreConnectionErrors(t *testing.T) {
	c := &fakeClient{err: errors.New("dial tcp: timeout")}
	b := newTestBroker(t, c)
	ctx := context.Background()

	var ce *types.ConnectionError
	if _, err := b.CurrentPrice(ctx); !errors.As(err, &ce) {
		t.Errorf("CurrentPrice err = %v", err)
	}
	if _, err := b.OpenPositions(ctx); !errors.As(err, &ce) {
		t.Errorf("OpenPositions err = %v", err)
	}
	if _, err := b.AccountBalance(ctx); !errors.As(err, &ce) {
		t.Errorf("AccountBalance err = %v", err)
	}
	if b.TestConnection(ctx) {
		t.Error("TestConnection = true")
	}
}

func TestPlaceTradeRejectsSubContractSize(t *testing.T) {
	b := newTestBroker(t, &fakeClient{ltp: 90})
	if _, err := b.PlaceTrade(context.Background(), types.OrderReq{Side: types.SideBuy, Units: 400}); err == nil {
		t.Error("expected error for less than one contract")
	}
}
