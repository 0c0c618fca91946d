// Package tradelog appends the audit trail to daily JSON-lines files:
//
//	<dir>/YYYY-MM-DD.jsonl            opened and closed trades
//	<dir>/decisions/YYYY-MM-DD.jsonl  fused decisions
//	<dir>/safety/YYYY-MM-DD.jsonl     emergency stops
//
// Days follow the configured trading timezone.
package tradelog

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/types"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Ext = ".jsonl"

	EventTradeOpened   = "trade_opened"
	EventTradeClosed   = "trade_closed"
	EventDecision      = "decision"
	EventEmergencyStop = "emergency_stop"
)

// TradeFile is the trade journal path for the day of t in loc.
func TradeFile(dir string, t time.Time, loc *time.Location) string {
	return filepath.Join(dir, t.In(loc).Format(time.DateOnly)+Ext)
}

type Journal struct {
	dir string
	loc *time.Location
	now func() time.Time

	mu        sync.Mutex
	trades    *dailyWriter
	decisions *dailyWriter
	stops     *dailyWriter
}

var _ interfaces.Journal = (*Journal)(nil)

type Option func(*Journal)

func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

func New(dir string, loc *time.Location, opts ...Option) (*Journal, error) {
	if loc == nil {
		loc = time.UTC
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &Journal{
		dir:       dir,
		loc:       loc,
		now:       time.Now,
		trades:    &dailyWriter{dir: dir},
		decisions: &dailyWriter{dir: filepath.Join(dir, "decisions")},
		stops:     &dailyWriter{dir: filepath.Join(dir, "safety")},
	}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

func (j *Journal) RecordTrade(ctx context.Context, t types.Trade) error {
	event := EventTradeOpened
	if t.Status == types.TradeClosed {
		event = EventTradeClosed
	}
	return j.write(j.trades, event, zap.Any("trade", t))
}

func (j *Journal) RecordDecision(ctx context.Context, d types.DecisionRecord) error {
	return j.write(j.decisions, EventDecision, zap.Any("decision", d))
}

func (j *Journal) RecordEmergencyStop(ctx context.Context, r types.EmergencyStopRecord) error {
	return j.write(j.stops, EventEmergencyStop, zap.Any("stop", r))
}

func (j *Journal) write(w *dailyWriter, event string, field zap.Field) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	log, err := w.loggerFor(now.In(j.loc).Format(time.DateOnly))
	if err != nil {
		return err
	}
	log.Info(event, field)
	return nil
}

// Close flushes and closes the open day files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var first error
	for _, w := range []*dailyWriter{j.trades, j.decisions, j.stops} {
		if err := w.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// dailyWriter owns one zap logger per day file.
type dailyWriter struct {
	dir  string
	day  string
	file *os.File
	log  *zap.Logger
}

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	MessageKey:     "event",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
}

func (w *dailyWriter) loggerFor(day string) (*zap.Logger, error) {
	if w.log != nil && w.day == day {
		return w.log, nil
	}
	if err := w.close(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, day+Ext), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(f), zap.InfoLevel)
	w.day, w.file, w.log = day, f, zap.New(core)
	return w.log, nil
}

func (w *dailyWriter) close() error {
	if w.log == nil {
		return nil
	}
	_ = w.log.Sync()
	err := w.file.Close()
	w.log, w.file, w.day = nil, nil, ""
	return err
}

// CompressOlder gzips journal files last modified more than retentionDays
// ago. A non-positive retention keeps everything as is.
func CompressOlder(dir string, retentionDays int, now time.Time) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, Ext) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		// if already gz exists, remove original
		if _, err := os.Stat(gz); err == nil {
			return os.Remove(p)
		}
		if err := gzipFile(p, gz); err != nil {
			return fmt.Errorf("compress %s: %w", p, err)
		}
		return os.Remove(p)
	})
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := gw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
