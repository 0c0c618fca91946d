package predictorobs

import (
	"context"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/trace"
	"forex-trading-bot/internal/types"
)

// observablePredictor wraps a Predictor with observability (logging & tracing)
type observablePredictor struct {
	predictor interfaces.Predictor
}

// Compile-time interface check
var _ interfaces.Predictor = (*observablePredictor)(nil)

// Wrap wraps a predictor with observability middleware
func Wrap(predictor interfaces.Predictor) interfaces.Predictor {
	return &observablePredictor{
		predictor: predictor,
	}
}

func (op *observablePredictor) Predict(ctx context.Context, bars []types.Bar, inds types.IndicatorSet) (types.Signal, error) {
	ctx, span := trace.StartSpan(ctx, "predictor.Predict")
	defer span.End()

	var price float64
	if len(bars) > 0 {
		price = bars[len(bars)-1].Close
	}

	// Use DebugSkip(1) to report the actual caller, not this middleware wrapper
	logger.DebugSkip(ctx, 1, "Requesting prediction",
		"bars", len(bars),
		"price", price,
		"rsi", inds.RSI,
	)

	sig, err := op.predictor.Predict(ctx, bars, inds)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to get prediction", err,
			"price", price,
		)
		return types.Signal{}, err
	}

	logger.InfoSkip(ctx, 1, "Prediction received",
		"action", sig.Action,
		"confidence", sig.Confidence,
		"reason", sig.Reason,
	)

	return sig, nil
}
