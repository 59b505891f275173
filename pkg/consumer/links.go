package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/pkg/sim"
)

// SimulationReader loads one simulation aggregate. Satisfied by
// *store.SimulationStore.
type SimulationReader interface {
	GetByID(ctx context.Context, simID string) (*models.Simulation, error)
}

type LinkHandlerConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	DB          Transactor
	Simulations SimulationReader
	LinkEvents  LinkEventSink
	Events      HandledMarker
}

func (cfg *LinkHandlerConfig) Validate() error {
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

// LinkHandler simulates one link transmission per LINK_RUN event: validate,
// sleep the link latency, validate again, and record the outcome as a
// LINK_COMPLETED event. A validator failure records a failed outcome
// instead of erroring, so the completion pipeline always sees every link.
type LinkHandler struct {
	log   *slog.Logger
	cfg   LinkHandlerConfig
	clock clockwork.Clock
}

func NewLinkHandler(cfg LinkHandlerConfig) (*LinkHandler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LinkHandler{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// Handle implements the consumer Handler contract.
func (h *LinkHandler) Handle(ctx context.Context, d amqp.Delivery) error {
	var event models.LinkEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		return fmt.Errorf("malformed link event: %v: %w", err, models.ErrValidation)
	}
	if event.SimID == "" || event.After.ID == "" {
		return fmt.Errorf("link event %s missing sim or link id: %w", event.EventID, models.ErrValidation)
	}

	start := h.clock.Now().UTC()
	retryCount := headerInt(d.Headers, headerRetryCount)
	link := event.After

	simulation, err := h.cfg.Simulations.GetByID(ctx, event.SimID)
	if err != nil {
		return err
	}
	if err := sim.ValidatePreLink(simulation, link); err != nil {
		h.log.Warn("link failed pre-validation", "sim_id", event.SimID, "link_id", link.ID, "error", err)
		return h.recordOutcome(ctx, event, models.LinkStatusFailed, start, retryCount)
	}

	// The transmission itself: a latency-long cancellable sleep.
	latency := time.Duration(link.LatencySec * float64(time.Second))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.clock.After(latency):
	}

	simulation, err = h.cfg.Simulations.GetByID(ctx, event.SimID)
	if err != nil {
		return err
	}
	if err := sim.ValidatePostSimulation(simulation); err != nil {
		h.log.Warn("link failed post-validation", "sim_id", event.SimID, "link_id", link.ID, "error", err)
		return h.recordOutcome(ctx, event, models.LinkStatusFailed, start, retryCount)
	}

	return h.recordOutcome(ctx, event, models.LinkStatusDone, start, retryCount)
}

// recordOutcome emits the LINK_COMPLETED event and marks the LINK_RUN event
// handled in one transaction.
func (h *LinkHandler) recordOutcome(ctx context.Context, event models.LinkEvent, status models.LinkStatus, start time.Time, retryCount int) error {
	end := h.clock.Now().UTC()
	link := event.After
	link.ExecutionState = &models.LinkExecutionState{
		Status:     status,
		StartTime:  &start,
		EndTime:    &end,
		RetryCount: retryCount,
	}

	completed := models.LinkEvent{
		EventID:   uuid.NewString(),
		EventType: models.EventTypeLinkCompleted,
		SimID:     event.SimID,
		Before:    &event.After,
		After:     link,
	}

	err := h.cfg.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := h.cfg.LinkEvents.Insert(txCtx, []models.LinkEvent{completed}); err != nil {
			return err
		}
		_, err := h.cfg.Events.MarkHandled(txCtx, []string{event.EventID})
		return err
	})
	if err != nil {
		return err
	}
	h.log.Debug("link outcome recorded", "sim_id", event.SimID, "link_id", link.ID, "status", status)
	return nil
}
