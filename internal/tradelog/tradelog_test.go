package tradelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forex-trading-bot/internal/types"
)

type line struct {
	TS    string                     `json:"ts"`
	Event string                     `json:"event"`
	Trade *types.Trade               `json:"trade"`
	Stop  *types.EmergencyStopRecord `json:"stop"`
}

func readLines(t *testing.T, path string) []line {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []line
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, l)
	}
	return out
}

func TestJournalWritesDailyFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC)
	j, err := New(dir, time.UTC, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tr := types.Trade{ID: "t1", Instrument: "EUR_USD", Side: types.SideBuy, Size: 0.2, Status: types.TradeOpen}
	if err := j.RecordTrade(ctx, tr); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	closed := tr.Closed(1.2, 50, now, "take_profit")
	if err := j.RecordTrade(ctx, closed); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordEmergencyStop(ctx, types.EmergencyStopRecord{Kind: types.StopManual, Message: "operator", Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordDecision(ctx, types.DecisionRecord{Instrument: "EUR_USD", Outcome: "hold"}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	day1 := readLines(t, filepath.Join(dir, "2024-03-04.jsonl"))
	if len(day1) != 1 || day1[0].Event != EventTradeOpened || day1[0].Trade.ID != "t1" {
		t.Errorf("day1 = %+v", day1)
	}
	day2 := readLines(t, TradeFile(dir, now, time.UTC))
	if len(day2) != 1 || day2[0].Event != EventTradeClosed || *day2[0].Trade.RealizedPnL != 50 {
		t.Errorf("day2 = %+v", day2)
	}
	stops := readLines(t, filepath.Join(dir, "safety", "2024-03-05.jsonl"))
	if len(stops) != 1 || stops[0].Stop.Kind != types.StopManual {
		t.Errorf("stops = %+v", stops)
	}
	if _, err := os.Stat(filepath.Join(dir, "decisions", "2024-03-05.jsonl")); err != nil {
		t.Errorf("decision file: %v", err)
	}
}

func TestJournalDayFollowsLocation(t *testing.T) {
	dir := t.TempDir()
	tokyo := time.FixedZone("JST", 9*3600)
	// 20:00 UTC on the 4th is the 5th in Tokyo
	now := time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC)
	j, _ := New(dir, tokyo, WithClock(func() time.Time { return now }))
	if err := j.RecordTrade(context.Background(), types.Trade{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	_ = j.Close()
	if _, err := os.Stat(filepath.Join(dir, "2024-03-05.jsonl")); err != nil {
		t.Error(err)
	}
}

func TestCompressOlder(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2024-01-01.jsonl")
	fresh := filepath.Join(dir, "2024-03-04.jsonl")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(old, now.AddDate(0, 0, -30), now.AddDate(0, 0, -30)); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(fresh, now, now); err != nil {
		t.Fatal(err)
	}

	if err := CompressOlder(dir, 7, now); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old file not removed")
	}
	if _, err := os.Stat(old + ".gz"); err != nil {
		t.Error("old file not compressed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file touched")
	}
}

type failingJournal struct{ calls int }

func (f *failingJournal) RecordDecision(context.Context, types.DecisionRecord) error {
	f.calls++
	return errors.New("down")
}
func (f *failingJournal) RecordTrade(context.Context, types.Trade) error {
	f.calls++
	return errors.New("down")
}
func (f *failingJournal) RecordEmergencyStop(context.Context, types.EmergencyStopRecord) error {
	f.calls++
	return errors.New("down")
}

func TestMultiKeepsGoingAfterFailure(t *testing.T) {
	a, b := &failingJournal{}, &failingJournal{}
	m := Multi(a, b)
	if err := m.RecordTrade(context.Background(), types.Trade{}); err == nil {
		t.Error("expected joined error")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d %d", a.calls, b.calls)
	}
}
