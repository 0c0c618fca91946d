package eodobs

import (
	"context"
	"time"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/trace"
)

type observableEodSummarizer struct {
	summarizer interfaces.EodSummarizer
}

var _ interfaces.EodSummarizer = (*observableEodSummarizer)(nil)

func Wrap(summarizer interfaces.EodSummarizer) interfaces.EodSummarizer {
	return &observableEodSummarizer{
		summarizer: summarizer,
	}
}

func (oes *observableEodSummarizer) SummarizeDay(t time.Time) (string, error) {
	ctx, span := trace.StartSpan(context.Background(), "eod.SummarizeDay")
	defer span.End()
	return oes.observe(ctx, t.Format(time.DateOnly), func() (string, error) {
		return oes.summarizer.SummarizeDay(t)
	})
}

func (oes *observableEodSummarizer) SummarizeToday() (string, error) {
	ctx, span := trace.StartSpan(context.Background(), "eod.SummarizeToday")
	defer span.End()
	return oes.observe(ctx, "today", oes.summarizer.SummarizeToday)
}

func (oes *observableEodSummarizer) observe(ctx context.Context, day string, summarize func() (string, error)) (string, error) {
	timer := logger.StartOperation(ctx, "eod_summary", "date", day)

	csvPath, err := summarize()
	if err != nil {
		timer.EndWithError(err)
		return "", err
	}

	if csvPath == "" {
		logger.InfoSkip(ctx, 2, "No closed trades for EOD summary", "date", day)
		timer.End("written", false)
		return "", nil
	}

	timer.End("written", true, "csv_path", csvPath)
	return csvPath, nil
}

func (oes *observableEodSummarizer) ShouldRunNow() (bool, string) {
	ctx, span := trace.StartSpan(context.Background(), "eod.ShouldRunNow")
	defer span.End()

	shouldRun, csvPath := oes.summarizer.ShouldRunNow()

	logger.DebugSkip(ctx, 1, "EOD check completed",
		"should_run", shouldRun,
		"csv_path", csvPath,
	)

	return shouldRun, csvPath
}
