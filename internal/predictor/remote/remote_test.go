package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"forex-trading-bot/internal/types"
)

func serve(t *testing.T, status int, body string, seen *predictRequest) *Predictor {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/predict":
			if seen != nil {
				if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
					t.Errorf("decode request: %v", err)
				}
			}
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	p, err := New(Params{URL: srv.URL + "/", Instrument: "EUR_USD", Window: 3, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func bars(n int) []types.Bar {
	out := make([]types.Bar, n)
	for i := range out {
		out[i] = types.Bar{Close: float64(i)}
	}
	return out
}

func TestPredictParsesSignalAndSendsWindow(t *testing.T) {
	var seen predictRequest
	p := serve(t, http.StatusOK, `{"action":"buy","confidence":0.8,"reason":"trend"}`, &seen)

	sig, err := p.Predict(context.Background(), bars(5), types.IndicatorSet{RSI: 42})
	if err != nil {
		t.Fatal(err)
	}
	if sig.Action != types.ActionBuy || sig.Confidence != 0.8 || sig.Reason != "trend" {
		t.Errorf("signal = %+v", sig)
	}
	if len(seen.Bars) != 3 || seen.Bars[0].Close != 2 || seen.Indicators.RSI != 42 || seen.Instrument != "EUR_USD" {
		t.Errorf("request = %+v", seen)
	}
}

func TestPredictRejectsContractViolations(t *testing.T) {
	cases := map[string]string{
		"out of range":       `{"action":"SELL","confidence":1.3}`,
		"negative":           `{"action":"SELL","confidence":-0.1}`,
		"unknown action":     `{"action":"SHORT","confidence":0.5}`,
		"missing confidence": `{"action":"HOLD"}`,
		"not json":           `oops`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := serve(t, http.StatusOK, body, nil)
			if _, err := p.Predict(context.Background(), bars(1), types.IndicatorSet{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPredictServerErrorIsNotConnectionError(t *testing.T) {
	p := serve(t, http.StatusInternalServerError, `boom`, nil)
	_, err := p.Predict(context.Background(), bars(1), types.IndicatorSet{})
	var ce *types.ConnectionError
	if err == nil || errors.As(err, &ce) {
		t.Errorf("err = %v", err)
	}
}

func TestPredictUnreachableIsConnectionError(t *testing.T) {
	p, err := New(Params{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Predict(context.Background(), bars(1), types.IndicatorSet{})
	var ce *types.ConnectionError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v", err)
	}
	if err := p.Health(context.Background()); err == nil {
		t.Error("Health should fail")
	}
}

func TestHealth(t *testing.T) {
	p := serve(t, http.StatusOK, `{}`, nil)
	if err := p.Health(context.Background()); err != nil {
		t.Error(err)
	}
}
