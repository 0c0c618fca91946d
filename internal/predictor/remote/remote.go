// Package remote asks an external model server for a directional signal.
//
// The server receives the recent bars and the current indicator set as JSON
// on POST /predict and answers {"action": "BUY|SELL|HOLD", "confidence":
// 0..1, "reason": "..."}. Answers outside that contract are errors; they are
// never coerced into a valid signal.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"forex-trading-bot/internal/api"
	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/types"
)

const defaultWindow = 100

type Params struct {
	URL        string
	Instrument string
	Timeout    time.Duration
	// Window is how many of the most recent bars are sent.
	Window int
}

type Predictor struct {
	p      Params
	client *api.Client
}

var _ interfaces.Predictor = (*Predictor)(nil)

func New(p Params) (*Predictor, error) {
	if p.URL == "" {
		return nil, errors.New("remote predictor needs a url")
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.Window <= 0 {
		p.Window = defaultWindow
	}
	client := api.NewClient(
		api.WithBaseURL(strings.TrimRight(p.URL, "/")),
		api.WithTimeout(p.Timeout),
		api.WithHeader("Accept", "application/json"),
		api.WithLogging(true),
	)
	return &Predictor{p: p, client: client}, nil
}

type predictRequest struct {
	Instrument string             `json:"instrument"`
	Bars       []types.Bar        `json:"bars"`
	Indicators types.IndicatorSet `json:"indicators"`
}

type predictResponse struct {
	Action     string   `json:"action"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

func (p *Predictor) Predict(ctx context.Context, bars []types.Bar, inds types.IndicatorSet) (types.Signal, error) {
	if len(bars) > p.p.Window {
		bars = bars[len(bars)-p.p.Window:]
	}
	resp, err := p.client.POST(ctx, "/predict", predictRequest{
		Instrument: p.p.Instrument,
		Bars:       bars,
		Indicators: inds,
	})
	if err != nil {
		var se *api.StatusError
		if errors.As(err, &se) {
			return types.Signal{}, fmt.Errorf("predictor rejected request: %w", err)
		}
		return types.Signal{}, &types.ConnectionError{Op: "predict", Err: err}
	}

	var out predictResponse
	if err := resp.ParseJSON(&out); err != nil {
		return types.Signal{}, err
	}
	return toSignal(out)
}

func toSignal(r predictResponse) (types.Signal, error) {
	action := types.Action(strings.ToUpper(strings.TrimSpace(r.Action)))
	if !action.Valid() {
		return types.Signal{}, fmt.Errorf("predictor returned unknown action %q", r.Action)
	}
	if r.Confidence == nil {
		return types.Signal{}, errors.New("predictor response has no confidence")
	}
	sig := types.Signal{
		Action:     action,
		Confidence: *r.Confidence,
		Source:     "predictor",
		Reason:     r.Reason,
	}
	if err := sig.Validate(); err != nil {
		return types.Signal{}, err
	}
	return sig, nil
}

var healthRetry = &api.RetryConfig{MaxAttempts: 2, InitialWait: 500 * time.Millisecond, MaxWait: time.Second}

// Health checks GET /health on the model server, retrying once.
func (p *Predictor) Health(ctx context.Context) error {
	req := api.NewRequest(http.MethodGet, "/health").WithContext(ctx)
	if _, err := p.client.DoWithRetry(req, healthRetry); err != nil {
		return &types.ConnectionError{Op: "predictor_health", Err: err}
	}
	return nil
}
