// Package sim holds the business logic of the orchestrator: simulation
// creation, lifecycle actions, and the validators shared by the consumers.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/netsimlabs/netsim/pkg/models"
)

// SimulationStore is the slice of the simulation store the service uses.
// Satisfied by *store.SimulationStore.
type SimulationStore interface {
	Insert(ctx context.Context, sims []models.Simulation) error
	GetByID(ctx context.Context, simID string) (*models.Simulation, error)
	Update(ctx context.Context, simID string, sim models.Simulation, expectedRowVersion int64) error
	ListAll(ctx context.Context, page models.CursorPaginationRequest) (*models.CursorPaginationResponse[models.Simulation], error)
}

// TopologyStore persists and deduplicates topologies. Satisfied by
// *store.TopologyStore.
type TopologyStore interface {
	Insert(ctx context.Context, topologies []models.Topology) error
	FindByFingerprint(ctx context.Context, fingerprint string) (*models.Topology, error)
}

// SimulationEvents appends simulation events to the outbox. Satisfied by
// *store.TypedEventStore[models.Simulation].
type SimulationEvents interface {
	Insert(ctx context.Context, events []models.SimulationEvent) error
}

// Transactor runs fn inside a store transaction. Satisfied by
// mongodb.Client.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type ServiceConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	DB          Transactor
	Simulations SimulationStore
	Topologies  TopologyStore
	Events      SimulationEvents
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("transactor is required")
	}
	if cfg.Simulations == nil {
		return errors.New("simulation store is required")
	}
	if cfg.Topologies == nil {
		return errors.New("topology store is required")
	}
	if cfg.Events == nil {
		return errors.New("event store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service owns simulation creation and the synchronous lifecycle actions.
// All aggregate mutations go through compare-and-set on row_version; a
// conflicting writer surfaces as models.ErrConcurrency to the caller.
type Service struct {
	log   *slog.Logger
	cfg   ServiceConfig
	clock clockwork.Clock
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// LinkRequest is one submitted directed edge.
type LinkRequest struct {
	FromNode   string  `json:"from_node"`
	ToNode     string  `json:"to_node"`
	LatencySec float64 `json:"latency_sec"`
}

// CreateRequest is one submitted topology plus run configuration. A nil
// Config takes the defaults.
type CreateRequest struct {
	Nodes  []string       `json:"nodes"`
	Links  []LinkRequest  `json:"links"`
	Config *models.Config `json:"config,omitempty"`
}

// Create validates each request, deduplicates topologies by fingerprint,
// and creates one pending simulation per request. The simulations and their
// SIMULATION_CREATED events are committed in a single transaction, so an
// aggregate never exists without its outbox event.
func (s *Service) Create(ctx context.Context, requests []CreateRequest) ([]string, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("no simulation requests: %w", models.ErrValidation)
	}

	var newTopologies []models.Topology
	sims := make([]models.Simulation, 0, len(requests))
	events := make([]models.SimulationEvent, 0, len(requests))
	simIDs := make([]string, 0, len(requests))

	for i, req := range requests {
		topology, created, err := s.resolveTopology(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		if created {
			newTopologies = append(newTopologies, topology)
		}

		sim := models.Simulation{
			SimID:               uuid.NewString(),
			Topology:            topology,
			RowVersion:          1,
			LinksExecutionState: models.NewLinksExecutionState(topology.Links),
			SimulationTime:      models.SimulationTime{Pauses: []models.PauseTime{}},
			Status:              models.SimulationStatusPending,
		}
		sims = append(sims, sim)
		simIDs = append(simIDs, sim.SimID)
		events = append(events, models.SimulationEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeSimulationCreated,
			SimID:     sim.SimID,
			After:     sim,
		})
	}

	err := s.cfg.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		if len(newTopologies) > 0 {
			if err := s.cfg.Topologies.Insert(txCtx, newTopologies); err != nil {
				return err
			}
		}
		if err := s.cfg.Simulations.Insert(txCtx, sims); err != nil {
			return err
		}
		return s.cfg.Events.Insert(txCtx, events)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("simulations created", "count", len(simIDs))
	return simIDs, nil
}

// resolveTopology returns the stored topology matching the request's
// fingerprint, or builds a fresh one. Reusing the stored topology keeps
// link ids stable across resubmissions of the same shape.
func (s *Service) resolveTopology(ctx context.Context, req CreateRequest) (models.Topology, bool, error) {
	cfg := models.DefaultConfig()
	if req.Config != nil {
		cfg = *req.Config
	}

	links := make([]models.Link, 0, len(req.Links))
	for _, l := range req.Links {
		links = append(links, models.Link{
			ID:         uuid.NewString(),
			FromNode:   l.FromNode,
			ToNode:     l.ToNode,
			LatencySec: l.LatencySec,
		})
	}
	topology := models.Topology{
		ID:          uuid.NewString(),
		Nodes:       req.Nodes,
		Links:       links,
		Config:      cfg,
		Fingerprint: models.FingerprintTopology(req.Nodes, links, cfg),
	}
	if err := ValidateTopology(topology); err != nil {
		return models.Topology{}, false, err
	}

	existing, err := s.cfg.Topologies.FindByFingerprint(ctx, topology.Fingerprint)
	if err != nil {
		return models.Topology{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}
	return topology, true, nil
}

// Pause suspends a running simulation. Applied synchronously via CAS; no
// event flows through the pipeline, the links producer's running-only
// filter holds pending links back instead.
func (s *Service) Pause(ctx context.Context, simID string) (*models.Simulation, error) {
	sim, err := s.cfg.Simulations.GetByID(ctx, simID)
	if err != nil {
		return nil, err
	}
	if sim.Status != models.SimulationStatusRunning {
		return nil, fmt.Errorf("simulation %s is %s, not running: %w", simID, sim.Status, models.ErrValidation)
	}

	if err := sim.SimulationTime.BeginPause(s.clock.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrValidation)
	}
	sim.Status = models.SimulationStatusPaused
	if err := s.update(ctx, sim); err != nil {
		return nil, err
	}
	s.log.Info("simulation paused", "sim_id", simID)
	return sim, nil
}

// Resume closes the open pause and returns the simulation to running.
func (s *Service) Resume(ctx context.Context, simID string) (*models.Simulation, error) {
	sim, err := s.cfg.Simulations.GetByID(ctx, simID)
	if err != nil {
		return nil, err
	}
	if sim.Status != models.SimulationStatusPaused {
		return nil, fmt.Errorf("simulation %s is %s, not paused: %w", simID, sim.Status, models.ErrValidation)
	}

	if err := sim.SimulationTime.EndPause(s.clock.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrValidation)
	}
	sim.Status = models.SimulationStatusRunning
	if err := s.update(ctx, sim); err != nil {
		return nil, err
	}
	s.log.Info("simulation resumed", "sim_id", simID)
	return sim, nil
}

// Stop terminates a simulation. The CAS update and the SIMULATION_STOPPED
// outbox event commit together; workers observe the stop through the stop
// queue.
func (s *Service) Stop(ctx context.Context, simID string) (*models.Simulation, error) {
	sim, err := s.cfg.Simulations.GetByID(ctx, simID)
	if err != nil {
		return nil, err
	}
	if sim.Status.IsTerminal() {
		return nil, fmt.Errorf("simulation %s is already %s: %w", simID, sim.Status, models.ErrValidation)
	}

	now := s.clock.Now().UTC()
	if sim.Status == models.SimulationStatusPaused {
		// Close the open pause so total time stays accountable.
		if err := sim.SimulationTime.EndPause(now); err != nil {
			return nil, fmt.Errorf("%v: %w", err, models.ErrValidation)
		}
	}
	sim.Status = models.SimulationStatusStopped
	sim.SimulationTime.EndTime = &now

	expected := sim.RowVersion
	stopped := *sim
	err = s.cfg.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.cfg.Simulations.Update(txCtx, simID, stopped, expected); err != nil {
			return err
		}
		stopped.RowVersion = expected + 1
		return s.cfg.Events.Insert(txCtx, []models.SimulationEvent{{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeSimulationStopped,
			SimID:     simID,
			Before:    sim,
			After:     stopped,
		}})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("simulation stopped", "sim_id", simID)
	return &stopped, nil
}

// Restart resets a terminal simulation to pending and re-enters it into the
// pipeline through a SIMULATION_RESTARTED outbox event, which the created
// producer drains exactly like SIMULATION_CREATED.
func (s *Service) Restart(ctx context.Context, simID string) (*models.Simulation, error) {
	sim, err := s.cfg.Simulations.GetByID(ctx, simID)
	if err != nil {
		return nil, err
	}
	if !sim.Status.IsTerminal() {
		return nil, fmt.Errorf("simulation %s is %s, not terminal: %w", simID, sim.Status, models.ErrValidation)
	}

	before := *sim
	sim.ResetForRestart()

	expected := sim.RowVersion
	restarted := *sim
	err = s.cfg.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.cfg.Simulations.Update(txCtx, simID, restarted, expected); err != nil {
			return err
		}
		restarted.RowVersion = expected + 1
		return s.cfg.Events.Insert(txCtx, []models.SimulationEvent{{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeSimulationRestarted,
			SimID:     simID,
			Before:    &before,
			After:     restarted,
		}})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("simulation restarted", "sim_id", simID)
	return &restarted, nil
}

// Edit replaces the run configuration of a simulation that has not started
// its current run (pending) or is paused.
func (s *Service) Edit(ctx context.Context, simID string, cfg models.Config) (*models.Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sim, err := s.cfg.Simulations.GetByID(ctx, simID)
	if err != nil {
		return nil, err
	}
	switch sim.Status {
	case models.SimulationStatusPending, models.SimulationStatusPaused:
	default:
		return nil, fmt.Errorf("simulation %s is %s and cannot be edited: %w", simID, sim.Status, models.ErrValidation)
	}

	sim.Topology.Config = cfg
	sim.Topology.Fingerprint = models.FingerprintTopology(sim.Topology.Nodes, sim.Topology.Links, cfg)
	if err := ValidatePreSimulation(sim); err != nil {
		return nil, err
	}
	if err := s.update(ctx, sim); err != nil {
		return nil, err
	}
	s.log.Info("simulation edited", "sim_id", simID)
	return sim, nil
}

// GetByID returns one simulation aggregate.
func (s *Service) GetByID(ctx context.Context, simID string) (*models.Simulation, error) {
	return s.cfg.Simulations.GetByID(ctx, simID)
}

// Status returns the lifecycle status of one simulation.
func (s *Service) Status(ctx context.Context, simID string) (models.SimulationStatus, error) {
	sim, err := s.cfg.Simulations.GetByID(ctx, simID)
	if err != nil {
		return "", err
	}
	return sim.Status, nil
}

// List pages through all simulations.
func (s *Service) List(ctx context.Context, page models.CursorPaginationRequest) (*models.CursorPaginationResponse[models.Simulation], error) {
	return s.cfg.Simulations.ListAll(ctx, page)
}

// update persists sim with CAS against the row_version it was loaded at and
// bumps the in-memory copy on success.
func (s *Service) update(ctx context.Context, sim *models.Simulation) error {
	expected := sim.RowVersion
	if err := s.cfg.Simulations.Update(ctx, sim.SimID, *sim, expected); err != nil {
		return err
	}
	sim.RowVersion = expected + 1
	return nil
}
