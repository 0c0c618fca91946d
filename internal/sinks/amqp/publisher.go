// Package amqp republishes bus events to a RabbitMQ topic exchange. The
// routing key is the event kind, so consumers bind to e.g. "trade_*".
package amqp

import (
	"context"
	"fmt"
	"time"

	"forex-trading-bot/internal/events"
	"forex-trading-bot/internal/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	dialAttempts   = 5
	dialBackoff    = 2 * time.Second
	publishTimeout = 5 * time.Second
)

// channel is the part of *amqp091.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

var _ channel = (*amqp091.Channel)(nil)

// Publisher handles sending bus events to RabbitMQ.
type Publisher struct {
	conn     *amqp091.Connection
	channel  channel
	exchange string
}

// NewPublisher dials url with retries and declares exchange as a durable
// topic exchange.
func NewPublisher(ctx context.Context, url, exchange string) (*Publisher, error) {
	var (
		conn *amqp091.Connection
		err  error
	)
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp091.Dial(url)
		if err == nil {
			break
		}
		logger.Warn(ctx, "RabbitMQ connection attempt failed", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialBackoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", dialAttempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	p, err := newWithChannel(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newWithChannel(ch channel, exchange string) (*Publisher, error) {
	err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchange, err)
	}
	return &Publisher{channel: ch, exchange: exchange}, nil
}

// Publish sends one event as JSON.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	body, err := ev.JSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = p.channel.PublishWithContext(ctx, p.exchange, string(ev.Kind), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.Time,
		Type:         string(ev.Kind),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s to exchange %s: %w", ev.Kind, p.exchange, err)
	}
	return nil
}

// Start forwards every bus event until ctx is done or the bus closes. Publish
// failures are logged and the event is dropped.
func (p *Publisher) Start(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(256)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := p.Publish(ctx, ev); err != nil {
					logger.Warn(ctx, "AMQP publish failed", "kind", ev.Kind, "error", err)
				}
			}
		}
	}()
}

// Close closes the publisher's channel and connection.
func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
