package noop

import (
	"context"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/types"
)

// Predictor is the fallback used when no model server is configured. It
// always answers HOLD with zero confidence, so on its own it never trades.
type Predictor struct{}

var _ interfaces.Predictor = (*Predictor)(nil)

func New() *Predictor {
	return &Predictor{}
}

func (p *Predictor) Predict(ctx context.Context, bars []types.Bar, inds types.IndicatorSet) (types.Signal, error) {
	logger.Debug(ctx, "Noop predictor called - always returns HOLD", "bars", len(bars))
	return types.Signal{
		Action:     types.ActionHold,
		Confidence: 0,
		Source:     "noop",
		Reason:     "noop_predictor_fallback",
	}, nil
}
