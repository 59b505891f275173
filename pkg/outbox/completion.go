package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/netsimlabs/netsim/pkg/config"
	"github.com/netsimlabs/netsim/pkg/metrics"
	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/utils/pkg/retry"
)

// Transactor runs fn inside a store transaction. Satisfied by
// mongodb.Client.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// SimulationEventSink inserts derived simulation events. Satisfied by
// *store.TypedEventStore[models.Simulation].
type SimulationEventSink interface {
	Insert(ctx context.Context, events []models.SimulationEvent) error
}

// CompletionIndex reports which simulations already have a completion event.
// Satisfied by *store.EventStore.
type CompletionIndex interface {
	CompletedSimulationIDs(ctx context.Context, simIDs []string) (map[string]bool, error)
}

// SimulationReader loads one simulation aggregate. Satisfied by
// *store.SimulationStore.
type SimulationReader interface {
	GetByID(ctx context.Context, simID string) (*models.Simulation, error)
}

type CompletionProducerConfig struct {
	Logger           *slog.Logger
	Clock            clockwork.Clock
	DB               Transactor
	LinkEvents       EventSource[models.Link]
	SimulationEvents SimulationEventSink
	Completions      CompletionIndex
	Simulations      SimulationReader
	Publisher        Publisher
	Backpressure     BackpressureGate

	BatchSize    int64
	IdleDelay    time.Duration
	PublishRetry retry.Config
}

func (cfg *CompletionProducerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("transactor is required")
	}
	if cfg.LinkEvents == nil {
		return errors.New("link event source is required")
	}
	if cfg.SimulationEvents == nil {
		return errors.New("simulation event sink is required")
	}
	if cfg.Completions == nil {
		return errors.New("completion index is required")
	}
	if cfg.Simulations == nil {
		return errors.New("simulation reader is required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	if cfg.Backpressure == nil {
		return errors.New("backpressure gate is required")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("batch size must be positive")
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
	return nil
}

// CompletionProducer folds LINK_COMPLETED events into their simulations and
// emits the derived SIMULATION_UPDATED or SIMULATION_COMPLETED events.
// Derived events are inserted already published, in the same transaction
// that claims the link events, so they never take a second producer pass.
type CompletionProducer struct {
	log   *slog.Logger
	cfg   CompletionProducerConfig
	clock clockwork.Clock
}

func NewCompletionProducer(cfg CompletionProducerConfig) (*CompletionProducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CompletionProducer{
		log:   cfg.Logger.With("producer", "completion"),
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

func (p *CompletionProducer) Run(ctx context.Context) error {
	p.log.Info("producer started", "queue", config.SimulationsUpdateQueue)
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

// derived pairs a new simulation event with the link events that produced it.
type derived struct {
	event        models.SimulationEvent
	linkEventIDs []string
	routingKey   string
}

// RunOnce performs one fold cycle and returns the number of derived events
// published.
func (p *CompletionProducer) RunOnce(ctx context.Context) (int, error) {
	// The update queue carries the bulk of the derived traffic.
	if err := p.cfg.Backpressure.Wait(ctx, config.SimulationsUpdateQueue); err != nil {
		return 0, err
	}

	start := p.clock.Now()
	defer func() {
		metrics.ProducerBatchDuration.WithLabelValues("completion").Observe(p.clock.Now().Sub(start).Seconds())
	}()

	events, err := p.cfg.LinkEvents.FindUnpublished(ctx,
		bson.M{"event_type": models.EventTypeLinkCompleted}, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	batch, err := p.deriveBatch(ctx, events)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		// Nothing derivable this round; claim nothing and let a later cycle
		// retry once the simulations are readable again.
		return 0, nil
	}

	var allLinkIDs []string
	for _, d := range batch {
		allLinkIDs = append(allLinkIDs, d.linkEventIDs...)
	}

	err = p.cfg.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		claimed, err := p.cfg.LinkEvents.MarkPublished(txCtx, allLinkIDs, true)
		if err != nil {
			return err
		}
		if claimed == 0 {
			return errAlreadyClaimed
		}

		derivedEvents := make([]models.SimulationEvent, 0, len(batch))
		for _, d := range batch {
			derivedEvents = append(derivedEvents, d.event)
		}
		if err := p.cfg.SimulationEvents.Insert(txCtx, derivedEvents); err != nil {
			return err
		}

		// Publish before commit; an abort rolls the claim and inserts back.
		for _, d := range batch {
			err := retry.Do(txCtx, p.cfg.PublishRetry, func() error {
				return p.cfg.Publisher.PublishJSON(txCtx, config.SimulationExchange, d.routingKey, d.event, nil)
			})
			if err != nil {
				metrics.EventsPublishedTotal.WithLabelValues(d.routingKey, "error").Inc()
				return err
			}
			metrics.EventsPublishedTotal.WithLabelValues(d.routingKey, "success").Inc()
		}
		return nil
	})
	if errors.Is(err, errAlreadyClaimed) {
		p.log.Debug("batch already claimed, skipping", "count", len(allLinkIDs))
		return 0, nil
	}
	if err != nil {
		p.compensate(allLinkIDs)
		return 0, err
	}

	p.log.Debug("derived events published", "count", len(batch))
	return len(batch), nil
}

var errAlreadyClaimed = errors.New("events already claimed by another producer")

// deriveBatch groups link completions by simulation, folds them into each
// aggregate, and builds one derived event per simulation. A simulation whose
// pending set empties becomes a completion candidate; candidates that
// already have a completion event are demoted to plain updates so replays
// stay single-shot.
func (p *CompletionProducer) deriveBatch(ctx context.Context, events []models.LinkEvent) ([]derived, error) {
	bySim := make(map[string][]models.LinkEvent)
	var simIDs []string
	for _, e := range events {
		if e.SimID == "" {
			p.log.Warn("link completion without sim id, skipping", "event_id", e.EventID)
			continue
		}
		if _, ok := bySim[e.SimID]; !ok {
			simIDs = append(simIDs, e.SimID)
		}
		bySim[e.SimID] = append(bySim[e.SimID], e)
	}

	completed, err := p.cfg.Completions.CompletedSimulationIDs(ctx, simIDs)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now().UTC()
	var batch []derived
	for _, simID := range simIDs {
		linkEvents := bySim[simID]
		sim, err := p.cfg.Simulations.GetByID(ctx, simID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				p.log.Warn("simulation vanished, skipping link completions", "sim_id", simID)
				continue
			}
			return nil, err
		}

		before := *sim
		links := make([]models.Link, 0, len(linkEvents))
		ids := make([]string, 0, len(linkEvents))
		for _, e := range linkEvents {
			links = append(links, e.After)
			ids = append(ids, e.EventID)
		}
		sim.LinksExecutionState.MoveToProcessed(links)

		eventType := models.EventTypeSimulationUpdated
		routingKey := config.SimulationsUpdateQueue
		if len(sim.LinksExecutionState.NotProcessedLinks) == 0 && !completed[simID] {
			eventType = models.EventTypeSimulationCompleted
			routingKey = config.SimulationsCompletedQueue
		}

		batch = append(batch, derived{
			event: models.SimulationEvent{
				EventID:     uuid.NewString(),
				EventType:   eventType,
				SimID:       simID,
				Before:      &before,
				After:       *sim,
				Published:   true,
				PublishedAt: &now,
				CreatedAt:   now,
			},
			linkEventIDs: ids,
			routingKey:   routingKey,
		})
	}
	return batch, nil
}

func (p *CompletionProducer) compensate(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics.PublishCompensationsTotal.WithLabelValues(config.SimulationsUpdateQueue).Add(float64(len(ids)))
	if _, err := p.cfg.LinkEvents.MarkPublished(ctx, ids, false); err != nil {
		p.log.Error("failed to compensate unpublished events", "count", len(ids), "error", err)
	}
}
