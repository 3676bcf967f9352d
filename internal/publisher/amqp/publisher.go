// Package amqp implements a RabbitMQ completion publisher.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Config describes the exchange completions are published to.
type Config struct {
	URL string
	// Exchange is declared as a durable topic exchange.
	Exchange string
	// RoutingKey is used when Publish receives an empty topic.
	RoutingKey string
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes JSON payloads to an exchange.
type Publisher struct {
	mu         sync.Mutex
	ch         Channel
	conn       *amqp.Connection
	exchange   string
	routingKey string
	now        func() time.Time
}

// Dial connects to the broker and declares the exchange.
func Dial(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify.amqp_url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	p, err := NewWithChannel(ch, cfg)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewWithChannel declares the exchange on an existing channel.
func NewWithChannel(ch Channel, cfg Config) (*Publisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("amqp channel is required")
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("notify.exchange is required")
	}
	err := ch.ExchangeDeclare(
		cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	return &Publisher{
		ch:         ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		now:        time.Now,
	}, nil
}

// Publish sends payload as a persistent JSON message. topic is the routing
// key. The returned ID is the message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	key := topic
	if key == "" {
		key = p.routingKey
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id.String(),
		Timestamp:    p.now().UTC(),
		Body:         data,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return "", fmt.Errorf("publish to %s/%s: %w", p.exchange, key, err)
	}
	return msg.MessageId, nil
}

// Close closes the channel and, when dialed, the connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			firstErr = fmt.Errorf("close amqp channel: %w", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close amqp connection: %w", err)
		}
	}
	return firstErr
}
