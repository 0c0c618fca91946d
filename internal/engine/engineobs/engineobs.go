package engineobs

import (
	"context"
	"time"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/trace"
	"forex-trading-bot/internal/types"
)

type observableEngine struct {
	engine interfaces.Engine
}

var _ interfaces.Engine = (*observableEngine)(nil)

func Wrap(eng interfaces.Engine) interfaces.Engine {
	return &observableEngine{
		engine: eng,
	}
}

func (oe *observableEngine) Step(ctx context.Context) (*types.StepResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Step")
	defer span.End()

	start := time.Now()
	logger.DebugSkip(ctx, 1, "Starting trading cycle")

	result, err := oe.engine.Step(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Trading cycle failed", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	fields := []any{
		"instrument", result.Instrument,
		"price", result.Price,
		"bars", result.Bars,
		"opened", len(result.Opened),
		"closed", len(result.Closed),
		"errors", len(result.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if result.Signal != nil {
		fields = append(fields,
			"action", result.Signal.Action,
			"confidence", result.Signal.Confidence,
		)
	}
	if result.Reason != "" {
		fields = append(fields, "reason", result.Reason)
	}
	if result.Liquidated {
		logger.WarnSkip(ctx, 1, "Trading cycle liquidated all positions", fields...)
		return result, nil
	}
	logger.InfoSkip(ctx, 1, "Trading cycle completed", fields...)

	return result, nil
}
