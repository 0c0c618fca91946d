package interfaces

import (
	"context"

	"forex-trading-bot/internal/types"
)

// Predictor is an external directional model. Implementations may return any
// confidence; callers validate before use.
type Predictor interface {
	Predict(ctx context.Context, bars []types.Bar, inds types.IndicatorSet) (types.Signal, error)
}

type IndicatorCalculator interface {
	Compute(bars []types.Bar) (types.IndicatorSet, error)
}
