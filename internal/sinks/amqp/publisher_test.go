package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"forex-trading-bot/internal/events"

	"github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	kinds      []string
	out        []published
	declareErr error
	publishErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	f.kinds = append(f.kinds, kind)
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.out = append(f.out, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func (f *fakeChannel) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.out...)
}

func TestDeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	if _, err := newWithChannel(ch, "trading.events"); err != nil {
		t.Fatal(err)
	}
	if len(ch.declared) != 1 || ch.declared[0] != "trading.events" || ch.kinds[0] != "topic" {
		t.Errorf("declared = %v %v", ch.declared, ch.kinds)
	}

	_, err := newWithChannel(&fakeChannel{declareErr: errors.New("access refused")}, "x")
	if err == nil {
		t.Error("expected declare error")
	}
}

func TestStartRoutesByKind(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newWithChannel(ch, "trading.events")
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, bus)

	want := bus.Publish(ctx, events.RiskAlert{Severity: events.SeverityCritical, Reason: "drawdown", Message: "stop"})
	bus.Publish(ctx, events.PriceUpdated{Instrument: "EUR_USD", Price: 1.1})

	deadline := time.Now().Add(2 * time.Second)
	for len(ch.messages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("published %d messages, want 2", len(ch.messages()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := ch.messages()
	if got[0].exchange != "trading.events" || got[0].key != "risk_alert" || got[1].key != "price_updated" {
		t.Errorf("routing = %+v", got)
	}
	m := got[0].msg
	if m.MessageId != want.ID || m.ContentType != "application/json" || m.DeliveryMode != amqp091.Persistent {
		t.Errorf("publishing = %+v", m)
	}
	var body struct {
		Kind    string `json:"kind"`
		Payload struct {
			Reason string `json:"reason"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(m.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Kind != "risk_alert" || body.Payload.Reason != "drawdown" {
		t.Errorf("body = %s", m.Body)
	}
}

func TestPublishError(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	p, _ := newWithChannel(ch, "x")
	ev := events.NewBus().Publish(context.Background(), events.Error{Step: "broker", Message: "down"})
	if err := p.Publish(context.Background(), ev); err == nil {
		t.Error("expected publish error")
	}
	p.Close()
	if !ch.closed {
		t.Error("channel not closed")
	}
}
