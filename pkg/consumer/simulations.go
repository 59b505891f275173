package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/netsimlabs/netsim/pkg/metrics"
	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/pkg/sim"
)

// SimulationStore is the aggregate access the handlers need. Satisfied by
// *store.SimulationStore.
type SimulationStore interface {
	GetByID(ctx context.Context, simID string) (*models.Simulation, error)
	Update(ctx context.Context, simID string, sim models.Simulation, expectedRowVersion int64) error
}

// LinkEventSink appends LINK_RUN events to the outbox. Satisfied by
// *store.TypedEventStore[models.Link].
type LinkEventSink interface {
	Insert(ctx context.Context, events []models.LinkEvent) error
}

// HandledMarker flips is_handled on processed events. Satisfied by
// *store.EventStore.
type HandledMarker interface {
	MarkHandled(ctx context.Context, eventIDs []string) (int64, error)
}

// Transactor runs fn inside a store transaction. Satisfied by
// mongodb.Client.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type SimulationHandlerConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	DB          Transactor
	Simulations SimulationStore
	LinkEvents  LinkEventSink
	Events      HandledMarker
}

func (cfg *SimulationHandlerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("transactor is required")
	}
	if cfg.Simulations == nil {
		return errors.New("simulation store is required")
	}
	if cfg.LinkEvents == nil {
		return errors.New("link event sink is required")
	}
	if cfg.Events == nil {
		return errors.New("handled marker is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// SimulationHandler dispatches simulation lifecycle events. Every mutation
// runs in a transaction with a CAS update on row_version; a CAS conflict
// bubbles up so the consumer retries with fresh state.
type SimulationHandler struct {
	log   *slog.Logger
	cfg   SimulationHandlerConfig
	clock clockwork.Clock
}

func NewSimulationHandler(cfg SimulationHandlerConfig) (*SimulationHandler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SimulationHandler{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// Handle implements the consumer Handler contract.
func (h *SimulationHandler) Handle(ctx context.Context, d amqp.Delivery) error {
	var event models.SimulationEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		return fmt.Errorf("malformed simulation event: %v: %w", err, models.ErrValidation)
	}
	if event.SimID == "" {
		return fmt.Errorf("simulation event %s has no sim id: %w", event.EventID, models.ErrValidation)
	}

	switch event.EventType {
	case models.EventTypeSimulationCreated, models.EventTypeSimulationRestarted:
		return h.handleStart(ctx, event)
	case models.EventTypeSimulationCompleted:
		return h.handleCompleted(ctx, event)
	case models.EventTypeSimulationUpdated:
		return h.handleUpdated(ctx, event)
	case models.EventTypeSimulationStopped:
		return h.handleStopped(ctx, event)
	default:
		return fmt.Errorf("unexpected event type %s: %w", event.EventType, models.ErrValidation)
	}
}

// handleStart moves a pending simulation to running and fans out one
// LINK_RUN event per pending link, all in one transaction.
func (h *SimulationHandler) handleStart(ctx context.Context, event models.SimulationEvent) error {
	simulation, err := h.cfg.Simulations.GetByID(ctx, event.SimID)
	if err != nil {
		return err
	}
	if simulation.Status == models.SimulationStatusRunning {
		// Replay of an already-started simulation; no new link events.
		h.log.Debug("simulation already running, marking event handled", "sim_id", event.SimID)
		_, err := h.cfg.Events.MarkHandled(ctx, []string{event.EventID})
		return err
	}
	if err := sim.ValidatePreSimulation(simulation); err != nil {
		return err
	}

	now := h.clock.Now().UTC()
	expected := simulation.RowVersion
	simulation.Status = models.SimulationStatusRunning
	simulation.SimulationTime.StartTime = &now

	linkEvents := make([]models.LinkEvent, 0, len(simulation.LinksExecutionState.NotProcessedLinks))
	for _, link := range simulation.LinksExecutionState.NotProcessedLinks {
		linkEvents = append(linkEvents, models.LinkEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeLinkRun,
			SimID:     simulation.SimID,
			After:     link,
		})
	}

	err = h.cfg.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := h.cfg.Simulations.Update(txCtx, simulation.SimID, *simulation, expected); err != nil {
			return err
		}
		if err := h.cfg.LinkEvents.Insert(txCtx, linkEvents); err != nil {
			return err
		}
		_, err := h.cfg.Events.MarkHandled(txCtx, []string{event.EventID})
		return err
	})
	if err != nil {
		return err
	}
	h.log.Info("simulation started", "sim_id", simulation.SimID, "links", len(linkEvents))
	return nil
}

// handleCompleted finalizes a simulation: folds the event's processed links
// into the current aggregate, derives the terminal status from the observed
// packet loss, and records the run times.
func (h *SimulationHandler) handleCompleted(ctx context.Context, event models.SimulationEvent) error {
	simulation, err := h.cfg.Simulations.GetByID(ctx, event.SimID)
	if err != nil {
		return err
	}
	if simulation.Status.IsTerminal() {
		h.log.Debug("simulation already terminal, marking event handled",
			"sim_id", event.SimID, "status", simulation.Status)
		_, err := h.cfg.Events.MarkHandled(ctx, []string{event.EventID})
		return err
	}

	expected := simulation.RowVersion
	simulation.LinksExecutionState.MoveToProcessed(event.After.LinksExecutionState.ProcessedLinks)

	failed := simulation.LinksExecutionState.FailedCount()
	loss := simulation.LinksExecutionState.PacketLoss()
	status := models.SimulationStatusDone
	if failed > 0 && loss > simulation.Topology.Config.PacketLossPercent {
		status = models.SimulationStatusFailed
	}
	simulation.Status = status

	now := h.clock.Now().UTC()
	simulation.SimulationTime.EndTime = &now
	if simulation.SimulationTime.StartTime != nil {
		total := now.Sub(*simulation.SimulationTime.StartTime).Seconds() - simulation.SimulationTime.PausedSeconds()
		simulation.SimulationTime.TotalExecutionTimeSec = &total
	}

	err = h.cfg.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := h.cfg.Simulations.Update(txCtx, simulation.SimID, *simulation, expected); err != nil {
			return err
		}
		_, err := h.cfg.Events.MarkHandled(txCtx, []string{event.EventID})
		return err
	})
	if err != nil {
		return err
	}
	metrics.SimulationsCompletedTotal.WithLabelValues(string(status)).Inc()
	h.log.Info("simulation finalized", "sim_id", simulation.SimID,
		"status", status, "failed_links", failed, "packet_loss", loss)
	return nil
}

// handleUpdated merges the event's processed links into the current
// aggregate. Only the links execution state is taken from the snapshot;
// status and timing stay with the current document so a concurrent pause or
// stop is never overwritten by a stale update.
func (h *SimulationHandler) handleUpdated(ctx context.Context, event models.SimulationEvent) error {
	simulation, err := h.cfg.Simulations.GetByID(ctx, event.SimID)
	if err != nil {
		return err
	}
	if simulation.Status.IsTerminal() {
		_, err := h.cfg.Events.MarkHandled(ctx, []string{event.EventID})
		return err
	}

	expected := simulation.RowVersion
	simulation.LinksExecutionState.MoveToProcessed(event.After.LinksExecutionState.ProcessedLinks)

	err = h.cfg.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := h.cfg.Simulations.Update(txCtx, simulation.SimID, *simulation, expected); err != nil {
			return err
		}
		_, err := h.cfg.Events.MarkHandled(txCtx, []string{event.EventID})
		return err
	})
	if err != nil {
		return err
	}
	h.log.Debug("simulation progress recorded", "sim_id", simulation.SimID,
		"processed", len(simulation.LinksExecutionState.ProcessedLinks),
		"pending", len(simulation.LinksExecutionState.NotProcessedLinks))
	return nil
}

// handleStopped persists the stop on replicas that have not observed it.
// The HTTP layer already applied the stop synchronously, so the common case
// is a no-op.
func (h *SimulationHandler) handleStopped(ctx context.Context, event models.SimulationEvent) error {
	simulation, err := h.cfg.Simulations.GetByID(ctx, event.SimID)
	if err != nil {
		return err
	}
	if simulation.Status.IsTerminal() {
		_, err := h.cfg.Events.MarkHandled(ctx, []string{event.EventID})
		return err
	}

	expected := simulation.RowVersion
	simulation.Status = models.SimulationStatusStopped
	simulation.SimulationTime.EndTime = event.After.SimulationTime.EndTime

	err = h.cfg.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := h.cfg.Simulations.Update(txCtx, simulation.SimID, *simulation, expected); err != nil {
			return err
		}
		_, err := h.cfg.Events.MarkHandled(txCtx, []string{event.EventID})
		return err
	})
	if err != nil {
		return err
	}
	h.log.Info("simulation stop applied", "sim_id", simulation.SimID)
	return nil
}
