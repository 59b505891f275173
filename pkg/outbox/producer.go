// Package outbox drains the event store to the broker. Each producer owns
// one filter over unpublished events, claims batches by flipping the
// published flag, and compensates the flag when a publish fails. Consumers
// are idempotent, so the resulting delivery guarantee is at-least-once.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/netsimlabs/netsim/pkg/metrics"
	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/utils/pkg/retry"
)

// EventSource is the slice of the event store a producer drains.
// Satisfied by *store.TypedEventStore[T].
type EventSource[T any] interface {
	FindUnpublished(ctx context.Context, filter bson.M, limit int64) ([]models.Event[T], error)
	MarkPublished(ctx context.Context, eventIDs []string, published bool) (int64, error)
}

// Publisher sends one JSON message. Satisfied by *broker.Publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey string, payload any, headers amqp.Table) error
}

// BackpressureGate delays a producer based on its target queue's load.
// Satisfied by *broker.Backpressure.
type BackpressureGate interface {
	Wait(ctx context.Context, queue string) error
}

// Subfilter narrows a candidate batch before it is claimed. The default
// keeps everything.
type Subfilter[T any] func(ctx context.Context, events []models.Event[T]) ([]models.Event[T], error)

type ProducerConfig[T any] struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Events       EventSource[T]
	Publisher    Publisher
	Backpressure BackpressureGate

	// Name identifies the producer in logs and metrics.
	Name string
	// Filter selects this producer's events; published=false is always
	// added by the store.
	Filter bson.M
	// Exchange and RoutingKey address the target queue; TargetQueue is the
	// queue the backpressure gate inspects.
	Exchange    string
	RoutingKey  string
	TargetQueue string

	BatchSize    int64
	MaxInFlight  int64
	IdleDelay    time.Duration
	PublishRetry retry.Config
	Subfilter    Subfilter[T]
}

func (cfg *ProducerConfig[T]) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Events == nil {
		return errors.New("event store is required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	if cfg.Backpressure == nil {
		return errors.New("backpressure gate is required")
	}
	if cfg.Name == "" {
		return errors.New("name is required")
	}
	if cfg.Exchange == "" || cfg.RoutingKey == "" || cfg.TargetQueue == "" {
		return errors.New("exchange, routing key, and target queue are required")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if cfg.MaxInFlight <= 0 {
		return errors.New("max in-flight must be positive")
	}
	if cfg.IdleDelay <= 0 {
		return errors.New("idle delay must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PublishRetry.MaxAttempts == 0 {
		cfg.PublishRetry = retry.DefaultConfig()
	}
	if cfg.Subfilter == nil {
		cfg.Subfilter = func(_ context.Context, events []models.Event[T]) ([]models.Event[T], error) {
			return events, nil
		}
	}
	return nil
}

// Producer is the outbox drain loop shared by the simulation and link
// producers. It is single-task: Run must not be called concurrently on the
// same instance.
type Producer[T any] struct {
	log   *slog.Logger
	cfg   ProducerConfig[T]
	clock clockwork.Clock
}

func NewProducer[T any](cfg ProducerConfig[T]) (*Producer[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Producer[T]{
		log:   cfg.Logger.With("producer", cfg.Name),
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

// Run drains batches until ctx is cancelled. Errors bubble up so a
// supervisor can restart the loop.
func (p *Producer[T]) Run(ctx context.Context) error {
	p.log.Info("producer started", "queue", p.cfg.TargetQueue)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		published, err := p.RunOnce(ctx)
		if err != nil {
			return err
		}
		if published == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(p.cfg.IdleDelay):
			}
		}
	}
}

// RunOnce performs one drain cycle and returns the number of events
// published.
func (p *Producer[T]) RunOnce(ctx context.Context) (int, error) {
	if err := p.cfg.Backpressure.Wait(ctx, p.cfg.TargetQueue); err != nil {
		return 0, err
	}

	start := p.clock.Now()
	defer func() {
		metrics.ProducerBatchDuration.WithLabelValues(p.cfg.Name).Observe(p.clock.Now().Sub(start).Seconds())
	}()

	events, err := p.cfg.Events.FindUnpublished(ctx, p.cfg.Filter, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	events, err = p.cfg.Subfilter(ctx, events)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := eventIDs(events)
	claimed, err := p.cfg.Events.MarkPublished(ctx, ids, true)
	if err != nil {
		return 0, err
	}
	if claimed == 0 {
		// Another replica claimed the batch.
		p.log.Debug("batch already claimed, skipping", "count", len(ids))
		return 0, nil
	}

	if err := p.publishAll(ctx, events); err != nil {
		p.compensate(ids)
		return 0, err
	}

	metrics.EventsPublishedTotal.WithLabelValues(p.cfg.TargetQueue, "success").Add(float64(len(events)))
	p.log.Debug("batch published", "count", len(events))
	return len(events), nil
}

func (p *Producer[T]) publishAll(ctx context.Context, events []models.Event[T]) error {
	sem := semaphore.NewWeighted(p.cfg.MaxInFlight)
	g, gctx := errgroup.WithContext(ctx)

	for _, event := range events {
		event := event
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			err := retry.Do(gctx, p.cfg.PublishRetry, func() error {
				return p.cfg.Publisher.PublishJSON(gctx, p.cfg.Exchange, p.cfg.RoutingKey, event, nil)
			})
			if err != nil {
				metrics.EventsPublishedTotal.WithLabelValues(p.cfg.TargetQueue, "error").Inc()
				return fmt.Errorf("failed to publish event %s: %w", event.EventID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// compensate returns claimed events to unpublished so a later cycle retries
// them. Runs with a fresh context: the triggering failure may have been a
// cancellation.
func (p *Producer[T]) compensate(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics.PublishCompensationsTotal.WithLabelValues(p.cfg.TargetQueue).Add(float64(len(ids)))
	if _, err := p.cfg.Events.MarkPublished(ctx, ids, false); err != nil {
		// The events stay published=true, is_handled=false; replay-tolerant
		// consumers make this safe, but it deserves a loud log line.
		p.log.Error("failed to compensate unpublished events", "count", len(ids), "error", err)
	}
}

func eventIDs[T any](events []models.Event[T]) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventID)
	}
	return ids
}
