package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"forex-trading-bot/internal/types"
)

func TestTradeArgs(t *testing.T) {
	open := types.Trade{ID: "t1", Instrument: "EUR_USD", Side: types.SideBuy, Size: 0.2, OpenPrice: 1.1, StopLoss: 1.095, Status: types.TradeOpen}
	args := tradeArgs(open)
	if len(args) != 15 {
		t.Fatalf("len(args) = %d", len(args))
	}
	if args[2] != "BUY" || args[10] != "OPEN" {
		t.Errorf("side/status = %v %v", args[2], args[10])
	}
	if p, ok := args[6].(*float64); !ok || p == nil || *p != 1.095 {
		t.Errorf("stop loss = %v", args[6])
	}
	if p := args[7].(*float64); p != nil {
		t.Errorf("zero take profit should be NULL, got %v", *p)
	}
	if p := args[11].(*float64); p != nil {
		t.Error("open trade has realized pnl")
	}

	closed := open.Closed(1.11, 200, time.Now(), "take_profit")
	args = tradeArgs(closed)
	if args[10] != "CLOSED" || *args[11].(*float64) != 200 || args[14] != "take_profit" {
		t.Errorf("closed args = %v", args)
	}
}

func TestDecisionArgs(t *testing.T) {
	d := types.DecisionRecord{
		Instrument: "EUR_USD",
		Price:      1.1,
		Technical:  types.Signal{Action: types.ActionBuy, Confidence: 1},
		Fused:      types.Signal{Action: types.ActionBuy, Confidence: 0.88},
		Outcome:    "executed",
	}
	args, err := decisionArgs(d)
	if err != nil {
		t.Fatal(err)
	}
	if args[3] != "BUY" || args[4] != 0.88 || args[5] != "executed" {
		t.Errorf("args = %v", args)
	}
	var details map[string]json.RawMessage
	if err := json.Unmarshal(args[6].([]byte), &details); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"technical", "predictor", "indicators"} {
		if _, ok := details[k]; !ok {
			t.Errorf("details missing %q", k)
		}
	}
}

// TestJournalAgainstDatabase needs a disposable database in DATABASE_URL.
func TestJournalAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	j, err := New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	since := time.Now().Add(-time.Second)
	id := "test-" + since.Format("150405.000000")
	tr := types.Trade{ID: id, Instrument: "EUR_USD", Side: types.SideSell, Size: 0.1, OpenPrice: 1.1, OpenTime: since, Status: types.TradeOpen}
	if err := j.RecordTrade(ctx, tr); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordTrade(ctx, tr.Closed(1.09, 100, time.Now(), "take_profit")); err != nil {
		t.Fatal(err)
	}
	pnl, n, err := j.RealizedSince(ctx, since)
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 || pnl < 100 {
		t.Errorf("RealizedSince = %v, %d", pnl, n)
	}

	stop := types.EmergencyStopRecord{Kind: types.StopManual, Message: id, Timestamp: time.Now()}
	if err := j.RecordEmergencyStop(ctx, stop); err != nil {
		t.Fatal(err)
	}
	stops, err := j.RecentStops(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(stops) != 1 || stops[0].Message != id {
		t.Errorf("stops = %+v", stops)
	}
	if err := j.RecordDecision(ctx, types.DecisionRecord{Time: time.Now(), Instrument: "EUR_USD", Outcome: "hold"}); err != nil {
		t.Fatal(err)
	}
}
