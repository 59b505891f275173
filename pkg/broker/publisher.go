package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type PublisherConfig struct {
	Logger *slog.Logger
	Client Client
}

func (cfg *PublisherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("broker client is required")
	}
	return nil
}

// Publisher sends persistent JSON messages. A single channel is guarded by a
// mutex; AMQP channels are not safe for concurrent use.
type Publisher struct {
	log *slog.Logger
	cfg PublisherConfig

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{log: cfg.Logger, cfg: cfg}, nil
}

// PublishJSON marshals payload and publishes it to the exchange with the
// given routing key as a persistent application/json message.
func (p *Publisher) PublishJSON(ctx context.Context, exchange, routingKey string, payload any, headers amqp.Table) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", routingKey, err)
	}
	return p.publish(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
}

// PublishRaw re-publishes an already serialized body, preserving its content
// type. Used by the consumer retry and dead-letter paths.
func (p *Publisher) PublishRaw(ctx context.Context, exchange, routingKey string, body []byte, contentType string, headers amqp.Table) error {
	if contentType == "" {
		contentType = "application/json"
	}
	return p.publish(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.cfg.Client.Channel()
		if err != nil {
			return err
		}
		p.ch = ch
	}

	err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close publisher channel: %w", err)
	}
	return nil
}
