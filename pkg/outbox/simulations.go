package outbox

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/netsimlabs/netsim/pkg/config"
	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/utils/pkg/retry"
)

type SimulationsProducerConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Events       EventSource[models.Simulation]
	Publisher    Publisher
	Backpressure BackpressureGate

	BatchSize    int64
	MaxInFlight  int64
	IdleDelay    time.Duration
	PublishRetry retry.Config
}

// NewCreatedSimulationsProducer drains SIMULATION_CREATED and
// SIMULATION_RESTARTED events to the new simulations queue, where the
// simulation consumer starts them. A restart re-enters the pipeline through
// the same path as a fresh creation.
func NewCreatedSimulationsProducer(cfg SimulationsProducerConfig) (*Producer[models.Simulation], error) {
	filter := bson.M{"event_type": bson.M{"$in": []models.EventType{
		models.EventTypeSimulationCreated,
		models.EventTypeSimulationRestarted,
	}}}
	return newSimulationsProducer(cfg, "simulations-created", filter, config.NewSimulationsQueue)
}

// NewStoppedSimulationsProducer drains SIMULATION_STOPPED events to the stop
// queue so running workers observe the stop.
func NewStoppedSimulationsProducer(cfg SimulationsProducerConfig) (*Producer[models.Simulation], error) {
	filter := bson.M{"event_type": models.EventTypeSimulationStopped}
	return newSimulationsProducer(cfg, "simulations-stopped", filter, config.SimulationsStopQueue)
}

func newSimulationsProducer(cfg SimulationsProducerConfig, name string, filter bson.M, queue string) (*Producer[models.Simulation], error) {
	return NewProducer(ProducerConfig[models.Simulation]{
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		Events:       cfg.Events,
		Publisher:    cfg.Publisher,
		Backpressure: cfg.Backpressure,
		Name:         name,
		Filter:       filter,
		Exchange:     config.SimulationExchange,
		RoutingKey:   queue,
		TargetQueue:  queue,
		BatchSize:    cfg.BatchSize,
		MaxInFlight:  cfg.MaxInFlight,
		IdleDelay:    cfg.IdleDelay,
		PublishRetry: cfg.PublishRetry,
	})
}
