// Package eod turns a day of the trade journal into a CSV summary of closed
// trades, one row per side plus a TOTAL row.
package eod

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/tradelog"
	"forex-trading-bot/internal/types"

	"github.com/gocarina/gocsv"
)

type Params struct {
	Dir      string
	Location *time.Location
	// Cutoff is the time of day after which the summary for today is due.
	Cutoff time.Duration
	Clock  func() time.Time
}

type summarizer struct {
	p Params
}

var _ interfaces.EodSummarizer = (*summarizer)(nil)

func NewSummarizer(p Params) interfaces.EodSummarizer {
	if p.Dir == "" {
		p.Dir = "logs"
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	if p.Cutoff == 0 {
		p.Cutoff = 23*time.Hour + 50*time.Minute
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return &summarizer{p: p}
}

type journalLine struct {
	Event string       `json:"event"`
	Trade *types.Trade `json:"trade"`
}

// Row is one line of the summary CSV.
type Row struct {
	Side        string  `csv:"side"`
	Trades      int     `csv:"trades"`
	Wins        int     `csv:"wins"`
	Losses      int     `csv:"losses"`
	Lots        float64 `csv:"lots"`
	RealizedPnL float64 `csv:"realized_pnl"`
}

func (s *summarizer) csvPath(t time.Time) string {
	return filepath.Join(s.p.Dir, "eod", t.In(s.p.Location).Format(time.DateOnly)+".csv")
}

// SummarizeDay writes the CSV for the day of t and returns its path. A day
// without closed trades yields an empty path and no error.
func (s *summarizer) SummarizeDay(t time.Time) (string, error) {
	rows, err := s.aggregate(tradelog.TradeFile(s.p.Dir, t, s.p.Location))
	if err != nil || rows == nil {
		return "", err
	}

	outPath := s.csvPath(t)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if err := gocsv.Marshal(&rows, out); err != nil {
		return "", err
	}
	return outPath, nil
}

func (s *summarizer) aggregate(path string) ([]Row, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bySide := map[types.Side]*Row{
		types.SideBuy:  {Side: string(types.SideBuy)},
		types.SideSell: {Side: string(types.SideSell)},
	}
	total := Row{Side: "TOTAL"}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var l journalLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			continue
		}
		if l.Event != tradelog.EventTradeClosed || l.Trade == nil || l.Trade.RealizedPnL == nil {
			continue
		}
		row, ok := bySide[l.Trade.Side]
		if !ok {
			continue
		}
		for _, r := range []*Row{row, &total} {
			pnl := *l.Trade.RealizedPnL
			r.Trades++
			r.Lots += l.Trade.Size
			r.RealizedPnL += pnl
			switch {
			case pnl > 0:
				r.Wins++
			case pnl < 0:
				r.Losses++
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if total.Trades == 0 {
		return nil, nil
	}
	return []Row{*bySide[types.SideBuy], *bySide[types.SideSell], total}, nil
}

func (s *summarizer) SummarizeToday() (string, error) { return s.SummarizeDay(s.p.Clock()) }

// ShouldRunNow is true once the cutoff has passed and today's CSV does not
// exist yet.
func (s *summarizer) ShouldRunNow() (bool, string) {
	now := s.p.Clock().In(s.p.Location)
	y, m, d := now.Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, s.p.Location).Add(s.p.Cutoff)
	outPath := s.csvPath(now)
	if now.After(cutoff) {
		if _, err := os.Stat(outPath); errors.Is(err, os.ErrNotExist) {
			return true, outPath
		}
	}
	return false, outPath
}
