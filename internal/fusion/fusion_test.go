package fusion

import (
	"math"
	"testing"

	"forex-trading-bot/internal/types"
)

func sig(a types.Action, c float64) types.Signal {
	return types.Signal{Action: a, Confidence: c}
}

func TestFuse(t *testing.T) {
	tests := []struct {
		name       string
		technical  types.Signal
		predictor  types.Signal
		wantAction types.Action
		wantConf   float64
	}{
		{"agreement", sig(types.ActionBuy, 0.8), sig(types.ActionBuy, 0.6), types.ActionBuy, 0.68},
		{"agreement sell", sig(types.ActionSell, 1), sig(types.ActionSell, 1), types.ActionSell, 1},
		{"conflict", sig(types.ActionBuy, 0.9), sig(types.ActionSell, 0.9), types.ActionHold, 0.3},
		{"technical hold", sig(types.ActionHold, 0.5), sig(types.ActionSell, 0.9), types.ActionSell, 0.54},
		{"predictor hold", sig(types.ActionBuy, 0.75), sig(types.ActionHold, 0.2), types.ActionBuy, 0.3},
		{"both hold", sig(types.ActionHold, 0.1), sig(types.ActionHold, 0.65), types.ActionHold, 0.65},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fuse(tt.technical, tt.predictor)
			if got.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", got.Action, tt.wantAction)
			}
			if math.Abs(got.Confidence-tt.wantConf) > 1e-9 {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
		})
	}
}

func TestFuseNeverLeavesUnitRange(t *testing.T) {
	actions := []types.Action{types.ActionBuy, types.ActionSell, types.ActionHold}
	for _, a := range actions {
		for _, b := range actions {
			for _, c := range []float64{0, 0.5, 1} {
				got := Fuse(sig(a, c), sig(b, c))
				if got.Confidence < 0 || got.Confidence > 1 {
					t.Errorf("Fuse(%s,%s,%v) confidence = %v", a, b, c, got.Confidence)
				}
			}
		}
	}
}
