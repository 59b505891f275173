package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/netsimlabs/netsim/pkg/config"
	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/utils/pkg/retry"
)

// RunningSimulationSource answers the links producer's running-only filter.
// Satisfied by *store.SimulationStore.
type RunningSimulationSource interface {
	GetManyByIDsAndStatus(ctx context.Context, ids []string, statuses []models.SimulationStatus) ([]models.Simulation, error)
}

type LinksProducerConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Events       EventSource[models.Link]
	Simulations  RunningSimulationSource
	Publisher    Publisher
	Backpressure BackpressureGate

	BatchSize    int64
	MaxInFlight  int64
	IdleDelay    time.Duration
	PublishRetry retry.Config
}

// NewLinksProducer drains LINK_RUN events to the links queue. Only events
// whose simulation is still running are published; a paused or stopped
// simulation keeps its pending link events in the outbox instead of firing
// them, without any outbox row deletion.
func NewLinksProducer(cfg LinksProducerConfig) (*Producer[models.Link], error) {
	if cfg.Simulations == nil {
		return nil, errors.New("simulation store is required")
	}
	return NewProducer(ProducerConfig[models.Link]{
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		Events:       cfg.Events,
		Publisher:    cfg.Publisher,
		Backpressure: cfg.Backpressure,
		Name:         "links",
		Filter:       bson.M{"event_type": models.EventTypeLinkRun},
		Exchange:     config.LinksExchange,
		RoutingKey:   config.RunLinksQueue,
		TargetQueue:  config.RunLinksQueue,
		BatchSize:    cfg.BatchSize,
		MaxInFlight:  cfg.MaxInFlight,
		IdleDelay:    cfg.IdleDelay,
		PublishRetry: cfg.PublishRetry,
		Subfilter:    runningOnly(cfg.Simulations),
	})
}

// runningOnly retains link events whose owning simulation currently has
// status running.
func runningOnly(sims RunningSimulationSource) Subfilter[models.Link] {
	return func(ctx context.Context, events []models.Event[models.Link]) ([]models.Event[models.Link], error) {
		seen := make(map[string]bool, len(events))
		ids := make([]string, 0, len(events))
		for _, e := range events {
			if !seen[e.SimID] {
				seen[e.SimID] = true
				ids = append(ids, e.SimID)
			}
		}

		running, err := sims.GetManyByIDsAndStatus(ctx, ids, []models.SimulationStatus{models.SimulationStatusRunning})
		if err != nil {
			return nil, err
		}
		runningIDs := make(map[string]bool, len(running))
		for _, s := range running {
			runningIDs[s.SimID] = true
		}

		kept := events[:0]
		for _, e := range events {
			if runningIDs[e.SimID] {
				kept = append(kept, e)
			}
		}
		return kept, nil
	}
}
