package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/netsimlabs/netsim/pkg/models"
	netsimtesting "github.com/netsimlabs/netsim/utils/pkg/testing"
)

type mockSimulationStore struct {
	mu      sync.Mutex
	sims    map[string]*models.Simulation
	updates int
}

var _ SimulationStore = (*mockSimulationStore)(nil)

func newMockSimulationStore(sims ...*models.Simulation) *mockSimulationStore {
	m := &mockSimulationStore{sims: make(map[string]*models.Simulation)}
	for _, s := range sims {
		m.sims[s.SimID] = s
	}
	return m
}

func (m *mockSimulationStore) GetByID(_ context.Context, simID string) (*models.Simulation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sims[simID]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *mockSimulationStore) Update(_ context.Context, simID string, sim models.Simulation, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sims[simID]
	if !ok {
		return models.ErrNotFound
	}
	if current.RowVersion != expected {
		return models.ErrConcurrency
	}
	sim.RowVersion = expected + 1
	m.sims[simID] = &sim
	m.updates++
	return nil
}

func (m *mockSimulationStore) get(simID string) *models.Simulation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sims[simID]
}

func (m *mockSimulationStore) set(simID string, mutate func(*models.Simulation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(m.sims[simID])
}

type mockLinkEventSink struct {
	mu     sync.Mutex
	events []models.LinkEvent
}

var _ LinkEventSink = (*mockLinkEventSink)(nil)

func (m *mockLinkEventSink) Insert(_ context.Context, events []models.LinkEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *mockLinkEventSink) inserted() []models.LinkEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LinkEvent(nil), m.events...)
}

type mockHandledMarker struct {
	mu      sync.Mutex
	handled []string
}

var _ HandledMarker = (*mockHandledMarker)(nil)

func (m *mockHandledMarker) MarkHandled(_ context.Context, eventIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled = append(m.handled, eventIDs...)
	return int64(len(eventIDs)), nil
}

func (m *mockHandledMarker) handledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.handled...)
}

type passthroughTransactor struct{}

var _ Transactor = (*passthroughTransactor)(nil)

func (passthroughTransactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func pendingSimulation(simID string) *models.Simulation {
	links := []models.Link{
		{ID: "l1", FromNode: "a", ToNode: "b", LatencySec: 2},
		{ID: "l2", FromNode: "b", ToNode: "c", LatencySec: 4},
	}
	cfg := models.Config{DurationSec: 30, PacketLossPercent: 0.1, LogLevel: models.LogLevelInfo}
	topology := models.Topology{
		ID:          "t-" + simID,
		Nodes:       []string{"a", "b", "c"},
		Links:       links,
		Config:      cfg,
		Fingerprint: models.FingerprintTopology([]string{"a", "b", "c"}, links, cfg),
	}
	return &models.Simulation{
		SimID:               simID,
		Topology:            topology,
		RowVersion:          1,
		LinksExecutionState: models.NewLinksExecutionState(links),
		Status:              models.SimulationStatusPending,
	}
}

func simulationDelivery(t *testing.T, event models.SimulationEvent) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return amqp.Delivery{Body: body, ContentType: "application/json"}
}

type simulationHandlerFixture struct {
	handler *SimulationHandler
	store   *mockSimulationStore
	links   *mockLinkEventSink
	marker  *mockHandledMarker
	clock   *clockwork.FakeClock
}

func newSimulationHandlerFixture(t *testing.T, sims ...*models.Simulation) *simulationHandlerFixture {
	t.Helper()
	store := newMockSimulationStore(sims...)
	links := &mockLinkEventSink{}
	marker := &mockHandledMarker{}
	clock := clockwork.NewFakeClock()
	handler, err := NewSimulationHandler(SimulationHandlerConfig{
		Logger:      netsimtesting.NewLogger(),
		Clock:       clock,
		DB:          passthroughTransactor{},
		Simulations: store,
		LinkEvents:  links,
		Events:      marker,
	})
	require.NoError(t, err)
	return &simulationHandlerFixture{handler: handler, store: store, links: links, marker: marker, clock: clock}
}

func TestNetsim_SimulationHandler_Start(t *testing.T) {
	t.Parallel()

	t.Run("created event fans out one link run per pending link", func(t *testing.T) {
		t.Parallel()
		f := newSimulationHandlerFixture(t, pendingSimulation("sim-1"))
		event := models.SimulationEvent{
			EventID:   "ev-1",
			EventType: models.EventTypeSimulationCreated,
			SimID:     "sim-1",
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))

		sim := f.store.get("sim-1")
		require.Equal(t, models.SimulationStatusRunning, sim.Status)
		require.Equal(t, int64(2), sim.RowVersion)
		require.NotNil(t, sim.SimulationTime.StartTime)

		inserted := f.links.inserted()
		require.Len(t, inserted, 2)
		for _, le := range inserted {
			require.Equal(t, models.EventTypeLinkRun, le.EventType)
			require.Equal(t, "sim-1", le.SimID)
			require.NotEmpty(t, le.EventID)
		}
		require.Equal(t, []string{"ev-1"}, f.marker.handledIDs())
	})

	t.Run("restarted event starts like created", func(t *testing.T) {
		t.Parallel()
		f := newSimulationHandlerFixture(t, pendingSimulation("sim-2"))
		event := models.SimulationEvent{
			EventID:   "ev-2",
			EventType: models.EventTypeSimulationRestarted,
			SimID:     "sim-2",
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))
		require.Equal(t, models.SimulationStatusRunning, f.store.get("sim-2").Status)
		require.Len(t, f.links.inserted(), 2)
	})

	t.Run("replay on a running simulation only marks handled", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-3")
		sim.Status = models.SimulationStatusRunning
		f := newSimulationHandlerFixture(t, sim)
		event := models.SimulationEvent{
			EventID:   "ev-3",
			EventType: models.EventTypeSimulationCreated,
			SimID:     "sim-3",
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))
		require.Empty(t, f.links.inserted())
		require.Equal(t, int64(1), f.store.get("sim-3").RowVersion)
		require.Equal(t, []string{"ev-3"}, f.marker.handledIDs())
	})
}

func TestNetsim_SimulationHandler_Completed(t *testing.T) {
	t.Parallel()

	processedLinks := func(sim *models.Simulation, statuses ...models.LinkStatus) []models.Link {
		done := make([]models.Link, 0, len(statuses))
		for i, status := range statuses {
			link := sim.Topology.Links[i]
			link.ExecutionState = &models.LinkExecutionState{Status: status}
			done = append(done, link)
		}
		return done
	}

	t.Run("all links done finalizes as done with execution time", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-1")
		sim.Status = models.SimulationStatusRunning
		f := newSimulationHandlerFixture(t, sim)

		start := f.clock.Now().UTC()
		f.store.set("sim-1", func(s *models.Simulation) {
			s.SimulationTime.StartTime = &start
		})
		f.clock.Advance(10 * time.Second)

		snapshot := *sim
		snapshot.LinksExecutionState = models.LinksExecutionState{
			ProcessedLinks: processedLinks(sim, models.LinkStatusDone, models.LinkStatusDone),
		}
		event := models.SimulationEvent{
			EventID:   "ev-1",
			EventType: models.EventTypeSimulationCompleted,
			SimID:     "sim-1",
			After:     snapshot,
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))

		got := f.store.get("sim-1")
		require.Equal(t, models.SimulationStatusDone, got.Status)
		require.Empty(t, got.LinksExecutionState.NotProcessedLinks)
		require.NotNil(t, got.SimulationTime.EndTime)
		require.NotNil(t, got.SimulationTime.TotalExecutionTimeSec)
		require.InDelta(t, 10.0, *got.SimulationTime.TotalExecutionTimeSec, 0.001)
		require.Equal(t, []string{"ev-1"}, f.marker.handledIDs())
	})

	t.Run("pauses are excluded from execution time", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-2")
		sim.Status = models.SimulationStatusRunning
		f := newSimulationHandlerFixture(t, sim)

		start := f.clock.Now().UTC()
		f.store.set("sim-2", func(s *models.Simulation) {
			s.SimulationTime.StartTime = &start
			require.NoError(t, s.SimulationTime.BeginPause(start.Add(2*time.Second)))
			require.NoError(t, s.SimulationTime.EndPause(start.Add(5*time.Second)))
		})
		f.clock.Advance(10 * time.Second)

		snapshot := *sim
		snapshot.LinksExecutionState = models.LinksExecutionState{
			ProcessedLinks: processedLinks(sim, models.LinkStatusDone, models.LinkStatusDone),
		}
		event := models.SimulationEvent{
			EventID:   "ev-2",
			EventType: models.EventTypeSimulationCompleted,
			SimID:     "sim-2",
			After:     snapshot,
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))
		got := f.store.get("sim-2")
		require.InDelta(t, 7.0, *got.SimulationTime.TotalExecutionTimeSec, 0.001)
	})

	t.Run("loss above budget finalizes as failed", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-3")
		sim.Status = models.SimulationStatusRunning
		f := newSimulationHandlerFixture(t, sim)

		snapshot := *sim
		snapshot.LinksExecutionState = models.LinksExecutionState{
			ProcessedLinks: processedLinks(sim, models.LinkStatusDone, models.LinkStatusFailed),
		}
		event := models.SimulationEvent{
			EventID:   "ev-3",
			EventType: models.EventTypeSimulationCompleted,
			SimID:     "sim-3",
			After:     snapshot,
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))
		require.Equal(t, models.SimulationStatusFailed, f.store.get("sim-3").Status)
	})

	t.Run("loss within budget stays done despite failures", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-4")
		sim.Status = models.SimulationStatusRunning
		sim.Topology.Config.PacketLossPercent = 0.5
		f := newSimulationHandlerFixture(t, sim)

		snapshot := *sim
		snapshot.LinksExecutionState = models.LinksExecutionState{
			ProcessedLinks: processedLinks(sim, models.LinkStatusDone, models.LinkStatusFailed),
		}
		event := models.SimulationEvent{
			EventID:   "ev-4",
			EventType: models.EventTypeSimulationCompleted,
			SimID:     "sim-4",
			After:     snapshot,
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))
		require.Equal(t, models.SimulationStatusDone, f.store.get("sim-4").Status)
	})

	t.Run("replay on a terminal simulation only marks handled", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-5")
		sim.Status = models.SimulationStatusDone
		f := newSimulationHandlerFixture(t, sim)
		event := models.SimulationEvent{
			EventID:   "ev-5",
			EventType: models.EventTypeSimulationCompleted,
			SimID:     "sim-5",
			After:     *sim,
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))
		require.Equal(t, int64(1), f.store.get("sim-5").RowVersion)
		require.Equal(t, []string{"ev-5"}, f.marker.handledIDs())
	})
}

func TestNetsim_SimulationHandler_Updated(t *testing.T) {
	t.Parallel()

	t.Run("merges processed links without touching status", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-1")
		sim.Status = models.SimulationStatusPaused
		f := newSimulationHandlerFixture(t, sim)

		doneLink := sim.Topology.Links[0]
		doneLink.ExecutionState = &models.LinkExecutionState{Status: models.LinkStatusDone}
		snapshot := *sim
		snapshot.Status = models.SimulationStatusRunning
		snapshot.LinksExecutionState = models.LinksExecutionState{ProcessedLinks: []models.Link{doneLink}}
		event := models.SimulationEvent{
			EventID:   "ev-1",
			EventType: models.EventTypeSimulationUpdated,
			SimID:     "sim-1",
			After:     snapshot,
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))

		got := f.store.get("sim-1")
		require.Equal(t, models.SimulationStatusPaused, got.Status)
		require.Len(t, got.LinksExecutionState.ProcessedLinks, 1)
		require.Len(t, got.LinksExecutionState.NotProcessedLinks, 1)
		require.Equal(t, "l2", got.LinksExecutionState.NotProcessedLinks[0].ID)
	})

	t.Run("replayed update is idempotent", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-2")
		sim.Status = models.SimulationStatusRunning
		f := newSimulationHandlerFixture(t, sim)

		doneLink := sim.Topology.Links[0]
		doneLink.ExecutionState = &models.LinkExecutionState{Status: models.LinkStatusDone}
		snapshot := *sim
		snapshot.LinksExecutionState = models.LinksExecutionState{ProcessedLinks: []models.Link{doneLink}}
		event := models.SimulationEvent{
			EventID:   "ev-2",
			EventType: models.EventTypeSimulationUpdated,
			SimID:     "sim-2",
			After:     snapshot,
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))
		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))

		got := f.store.get("sim-2")
		require.Len(t, got.LinksExecutionState.ProcessedLinks, 1)
		require.Len(t, got.LinksExecutionState.NotProcessedLinks, 1)
	})
}

func TestNetsim_SimulationHandler_Stopped(t *testing.T) {
	t.Parallel()

	t.Run("applies stop to a running simulation", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-1")
		sim.Status = models.SimulationStatusRunning
		f := newSimulationHandlerFixture(t, sim)

		end := f.clock.Now().UTC()
		snapshot := *sim
		snapshot.Status = models.SimulationStatusStopped
		snapshot.SimulationTime.EndTime = &end
		event := models.SimulationEvent{
			EventID:   "ev-1",
			EventType: models.EventTypeSimulationStopped,
			SimID:     "sim-1",
			After:     snapshot,
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))

		got := f.store.get("sim-1")
		require.Equal(t, models.SimulationStatusStopped, got.Status)
		require.NotNil(t, got.SimulationTime.EndTime)
	})

	t.Run("already stopped is a no-op", func(t *testing.T) {
		t.Parallel()
		sim := pendingSimulation("sim-2")
		sim.Status = models.SimulationStatusStopped
		f := newSimulationHandlerFixture(t, sim)
		event := models.SimulationEvent{
			EventID:   "ev-2",
			EventType: models.EventTypeSimulationStopped,
			SimID:     "sim-2",
			After:     *sim,
		}

		require.NoError(t, f.handler.Handle(context.Background(), simulationDelivery(t, event)))
		require.Equal(t, int64(1), f.store.get("sim-2").RowVersion)
		require.Equal(t, []string{"ev-2"}, f.marker.handledIDs())
	})
}

func TestNetsim_SimulationHandler_Rejections(t *testing.T) {
	t.Parallel()

	f := newSimulationHandlerFixture(t)

	t.Run("malformed body is a validation error", func(t *testing.T) {
		t.Parallel()
		err := f.handler.Handle(context.Background(), amqp.Delivery{Body: []byte("{nope")})
		require.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("missing sim id is a validation error", func(t *testing.T) {
		t.Parallel()
		event := models.SimulationEvent{EventID: "ev-1", EventType: models.EventTypeSimulationCreated}
		err := f.handler.Handle(context.Background(), simulationDelivery(t, event))
		require.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("unknown event type is a validation error", func(t *testing.T) {
		t.Parallel()
		event := models.SimulationEvent{EventID: "ev-2", EventType: "SIMULATION_EXPLODED", SimID: "sim-1"}
		err := f.handler.Handle(context.Background(), simulationDelivery(t, event))
		require.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("unknown simulation surfaces not found", func(t *testing.T) {
		t.Parallel()
		event := models.SimulationEvent{EventID: "ev-3", EventType: models.EventTypeSimulationCreated, SimID: "ghost"}
		err := f.handler.Handle(context.Background(), simulationDelivery(t, event))
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}
