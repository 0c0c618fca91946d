package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(context.Background(), PriceUpdated{Instrument: "EUR_USD", Price: 1.1})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Kind != KindPriceUpdated {
				t.Errorf("%s: kind = %s", name, ev.Kind)
			}
			if ev.ID == "" {
				t.Errorf("%s: missing event id", name)
			}
		default:
			t.Errorf("%s: no event delivered", name)
		}
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4, KindRiskAlert)
	defer cancel()

	bus.Publish(context.Background(), PriceUpdated{Price: 1})
	bus.Publish(context.Background(), RiskAlert{Severity: SeverityHigh, Reason: "daily_loss"})

	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
	ev := <-ch
	alert, ok := ev.Payload.(RiskAlert)
	if !ok || alert.Reason != "daily_loss" {
		t.Errorf("payload = %#v", ev.Payload)
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(context.Background(), Error{Step: "a"})
	bus.Publish(context.Background(), Error{Step: "b"})

	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
	if ev := <-ch; ev.Payload.(Error).Step != "a" {
		t.Errorf("kept %v, want first event", ev.Payload)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	bus.Publish(context.Background(), Error{Step: "after"})
}

func TestEventJSONCarriesPayload(t *testing.T) {
	bus := NewBus()
	ev := bus.Publish(context.Background(), RiskAlert{Severity: SeverityCritical, Reason: "drawdown"})

	b, err := ev.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != string(KindRiskAlert) || decoded.Payload["reason"] != "drawdown" {
		t.Errorf("decoded = %+v", decoded)
	}
}
