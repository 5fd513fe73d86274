// Package events publishes gateway lifecycle events to a RabbitMQ topic
// exchange. Publishing is optional: when AMQP is disabled or unreachable
// the gateway runs with a no-op publisher instead.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const producer = "zapmail"

// Meta identifies one emitted event.
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"` // event name and version, e.g. notification.message.sent.v1
	Time     time.Time `json:"time"`
	Producer string    `json:"producer"`
}

// Envelope is the wire shape of every published event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Publisher pushes typed events to the broker.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data any) error
	Close() error
}

// Config wires the AMQP publisher.
type Config struct {
	URL           string
	Exchange      string
	RetryAttempts int           // dial attempts (default 3)
	RetryDelay    time.Duration // first backoff step (default 2s, doubled, capped at 60s)
	Logger        *slog.Logger
}

type amqpPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// Connect dials the broker with exponential backoff and declares the topic
// exchange. The returned publisher opens a short-lived channel per publish.
func Connect(ctx context.Context, cfg Config) (Publisher, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	conn, err := dialWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, err
	}

	return &amqpPublisher{conn: conn, exchange: cfg.Exchange, logger: cfg.Logger}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, eventType string, data any) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType,
			Time:     time.Now().UTC(),
			Producer: producer,
		},
		Data: data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	// The routing key is the event type, so consumers bind per event name.
	err = ch.PublishWithContext(ctx, p.exchange, eventType, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    env.Meta.ID,
			Timestamp:    env.Meta.Time,
			Body:         body,
		},
	)
	if err == nil {
		p.logger.Debug("event published", "type", eventType, "exchange", p.exchange)
	}
	return err
}

func (p *amqpPublisher) Close() error {
	return p.conn.Close()
}

const maxDialBackoff = 60 * time.Second

// dialWithRetry connects with exponential backoff, honoring cancellation
// between attempts.
func dialWithRetry(ctx context.Context, cfg Config) (*amqp091.Connection, error) {
	var lastErr error

	for i := 1; i <= cfg.RetryAttempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				cfg.Logger.Info("broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		if i == cfg.RetryAttempts {
			break
		}
		sleep := cfg.RetryDelay * time.Duration(1<<(i-1))
		if sleep > maxDialBackoff {
			sleep = maxDialBackoff
		}
		cfg.Logger.Warn("broker dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("connect to broker after %d attempts: %w", cfg.RetryAttempts, lastErr)
}

// nopPublisher drops events.
type nopPublisher struct {
	logger *slog.Logger
}

// NewNop returns a publisher that drops every event. Used when events are
// disabled in config or the broker could not be reached at startup.
func NewNop(logger *slog.Logger) Publisher {
	return &nopPublisher{logger: logger}
}

func (p *nopPublisher) Publish(ctx context.Context, eventType string, data any) error {
	p.logger.Debug("event publishing disabled, dropped", "type", eventType)
	return nil
}

func (p *nopPublisher) Close() error { return nil }
