// Package fusion combines the technical and predictor signals into the single
// signal the orchestrator trades on.
package fusion

import (
	"fmt"

	"forex-trading-bot/internal/types"
)

const (
	TechnicalWeight = 0.4
	PredictorWeight = 0.6
	// Confidence reported when the two sources point in opposite directions.
	ConflictConfidence = 0.3
)

// Fuse is pure. Both inputs must already satisfy types.Signal.Validate.
func Fuse(technical, predictor types.Signal) types.Signal {
	ta, pa := technical.Action, predictor.Action

	switch {
	case ta == types.ActionHold && pa == types.ActionHold:
		return types.Signal{
			Action:     types.ActionHold,
			Confidence: predictor.Confidence,
			Source:     "fusion",
			Reason:     "both_hold",
		}
	case ta == pa:
		return types.Signal{
			Action:     ta,
			Confidence: clamp(technical.Confidence*TechnicalWeight + predictor.Confidence*PredictorWeight),
			Source:     "fusion",
			Reason:     "agreement",
		}
	case ta == types.ActionHold:
		return types.Signal{
			Action:     pa,
			Confidence: clamp(predictor.Confidence * PredictorWeight),
			Source:     "fusion",
			Reason:     "predictor_only",
		}
	case pa == types.ActionHold:
		return types.Signal{
			Action:     ta,
			Confidence: clamp(technical.Confidence * TechnicalWeight),
			Source:     "fusion",
			Reason:     "technical_only",
		}
	default:
		return types.Signal{
			Action:     types.ActionHold,
			Confidence: ConflictConfidence,
			Source:     "fusion",
			Reason:     fmt.Sprintf("conflict: technical %s vs predictor %s", ta, pa),
		}
	}
}

func clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
