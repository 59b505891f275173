// Package consumer implements the worker side of the pipeline: bounded
// concurrency over broker deliveries, per-message timeouts, retry with
// exponential backoff and jitter, and dead-letter routing for terminal
// failures. Handlers never let an error escape the delivery boundary.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/netsimlabs/netsim/pkg/config"
	"github.com/netsimlabs/netsim/pkg/metrics"
	"github.com/netsimlabs/netsim/pkg/models"
)

// Message headers driving the retry and dead-letter flow.
const (
	headerRetryCount     = "x-retry-count"
	headerLastError      = "x-last-error"
	headerLastErrorTime  = "x-last-error-time"
	headerNextRetryDelay = "x-next-retry-delay"
	headerErrorType      = "x-error-type"
	headerDLQReason      = "x-dlq-reason"
	headerDLQTimestamp   = "x-dlq-timestamp"
)

// Dead-letter reasons.
const (
	dlqReasonValidation = "validation"
	dlqReasonMaxRetries = "max_retries_exceeded"
	dlqReasonRepublish  = "republish_failed"
)

// ChannelSource opens dedicated consumer channels with prefetch applied.
// Satisfied by *broker.Manager.
type ChannelSource interface {
	ConsumerChannel() (*amqp.Channel, error)
}

// Publisher re-publishes raw message bodies for the retry and dead-letter
// paths. Satisfied by *broker.Publisher.
type Publisher interface {
	PublishRaw(ctx context.Context, exchange, routingKey string, body []byte, contentType string, headers amqp.Table) error
}

// Handler processes one delivery body. An error wrapping
// models.ErrValidation is terminal; anything else is retried.
type Handler func(ctx context.Context, delivery amqp.Delivery) error

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Channels  ChannelSource
	Publisher Publisher

	Queue          string
	MaxConcurrent  int64
	MessageTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	ShutdownGrace  time.Duration
	Handler        Handler
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Channels == nil {
		return errors.New("channel source is required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	if cfg.Queue == "" {
		return errors.New("queue is required")
	}
	if cfg.MaxConcurrent <= 0 {
		return errors.New("max concurrent must be positive")
	}
	if cfg.MessageTimeout <= 0 {
		return errors.New("message timeout must be positive")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must be non-negative")
	}
	if cfg.RetryDelay <= 0 {
		return errors.New("retry delay must be positive")
	}
	if cfg.Handler == nil {
		return errors.New("handler is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return nil
}

// Consumer drives one queue with one dedicated channel.
type Consumer struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
}

func New(cfg Config) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Consumer{
		log:   cfg.Logger.With("queue", cfg.Queue),
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

// Run consumes deliveries until ctx is cancelled or the channel dies. On
// cancellation it stops accepting new deliveries and waits up to the grace
// period for in-flight handlers; unacked messages are redelivered by the
// broker.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.cfg.Channels.ConsumerChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	deliveries, err := ch.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", c.cfg.Queue, err)
	}

	c.log.Info("consumer started", "max_concurrent", c.cfg.MaxConcurrent)
	sem := semaphore.NewWeighted(c.cfg.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			c.drain(sem)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				c.drain(sem)
				return errors.New("delivery channel closed")
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				_ = d.Nack(false, true)
				c.drain(sem)
				return err
			}
			go func() {
				defer sem.Release(1)
				c.process(ctx, d)
			}()
		}
	}
}

// drain waits for in-flight handlers, bounded by the shutdown grace.
func (c *Consumer) drain(sem *semaphore.Weighted) {
	graceCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
	defer cancel()
	if err := sem.Acquire(graceCtx, c.cfg.MaxConcurrent); err != nil {
		c.log.Warn("shutdown grace expired with handlers in flight")
		return
	}
	c.log.Info("consumer drained")
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	handleCtx, cancel := context.WithTimeout(ctx, c.cfg.MessageTimeout)
	defer cancel()

	start := c.clock.Now()
	err := c.cfg.Handler(handleCtx, d)
	metrics.MessageHandleDuration.WithLabelValues(c.cfg.Queue).Observe(c.clock.Now().Sub(start).Seconds())

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Warn("failed to ack delivery", "error", ackErr)
		}
		metrics.MessagesConsumedTotal.WithLabelValues(c.cfg.Queue, "success").Inc()

	case ctx.Err() != nil:
		// Shutdown, not a handler fault: requeue for redelivery.
		_ = d.Nack(false, true)
		metrics.MessagesConsumedTotal.WithLabelValues(c.cfg.Queue, "requeued").Inc()

	case errors.Is(err, models.ErrValidation):
		c.log.Warn("validation failure, dead-lettering", "error", err)
		c.deadLetter(d, dlqReasonValidation, errorType(err))

	default:
		c.retryOrDeadLetter(ctx, d, err)
	}
}

// retryOrDeadLetter republishes the delivery to its own queue with a bumped
// retry count after an exponential backoff with jitter, or dead-letters it
// once the retry budget is spent.
func (c *Consumer) retryOrDeadLetter(ctx context.Context, d amqp.Delivery, handlerErr error) {
	retryCount := headerInt(d.Headers, headerRetryCount)
	if retryCount >= c.cfg.MaxRetries {
		c.log.Warn("retry budget exhausted, dead-lettering",
			"retry_count", retryCount, "error", handlerErr)
		c.deadLetter(d, dlqReasonMaxRetries, errorType(handlerErr))
		return
	}

	delay := c.retryBackoff(retryCount)
	c.log.Warn("handler failed, scheduling retry",
		"retry_count", retryCount, "delay", delay, "error", handlerErr)

	select {
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	case <-c.clock.After(delay):
	}

	headers := cloneHeaders(d.Headers)
	headers[headerRetryCount] = int32(retryCount + 1)
	headers[headerLastError] = handlerErr.Error()
	headers[headerLastErrorTime] = c.clock.Now().UTC().Format(time.RFC3339)
	headers[headerNextRetryDelay] = delay.String()
	headers[headerErrorType] = errorType(handlerErr)

	pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The default exchange routes by queue name.
	if err := c.cfg.Publisher.PublishRaw(pubCtx, "", c.cfg.Queue, d.Body, d.ContentType, headers); err != nil {
		c.log.Error("failed to republish for retry, dead-lettering", "error", err)
		c.deadLetter(d, dlqReasonRepublish, errorType(handlerErr))
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Warn("failed to ack retried delivery", "error", err)
	}
	metrics.MessageRetriesTotal.WithLabelValues(c.cfg.Queue).Inc()
}

// retryBackoff is retry_delay doubled per attempt plus a uniform jitter of
// up to a tenth of the base delay.
func (c *Consumer) retryBackoff(retryCount int) time.Duration {
	backoff := c.cfg.RetryDelay * time.Duration(1<<uint(retryCount))
	jitter := time.Duration(rand.Float64() * 0.1 * float64(c.cfg.RetryDelay))
	return backoff + jitter
}

func (c *Consumer) deadLetter(d amqp.Delivery, reason, errType string) {
	headers := cloneHeaders(d.Headers)
	headers[headerDLQReason] = reason
	headers[headerDLQTimestamp] = c.clock.Now().UTC().Format(time.RFC3339)
	headers[headerErrorType] = errType

	pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dlq := c.cfg.Queue + config.DLXSuffix
	if err := c.cfg.Publisher.PublishRaw(pubCtx, "", dlq, d.Body, d.ContentType, headers); err != nil {
		c.log.Error("failed to publish to dead-letter queue, requeueing", "error", err)
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Warn("failed to ack dead-lettered delivery", "error", err)
	}
	metrics.MessagesDeadLetteredTotal.WithLabelValues(c.cfg.Queue, reason).Inc()
	metrics.MessagesConsumedTotal.WithLabelValues(c.cfg.Queue, "dead_lettered").Inc()
}

// errorType names the failure class carried in the retry and DLQ headers.
func errorType(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation_error"
	case errors.Is(err, models.ErrConcurrency):
		return "concurrency_error"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "runtime_error"
	}
}

// headerInt reads an integer header regardless of the numeric type the
// broker client decoded it to.
func headerInt(headers amqp.Table, key string) int {
	v, ok := headers[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func cloneHeaders(headers amqp.Table) amqp.Table {
	cloned := make(amqp.Table, len(headers)+6)
	for k, v := range headers {
		cloned[k] = v
	}
	return cloned
}
