package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/netsimlabs/netsim/pkg/models"
	netsimtesting "github.com/netsimlabs/netsim/utils/pkg/testing"
)

type linkHandlerFixture struct {
	handler *LinkHandler
	store   *mockSimulationStore
	links   *mockLinkEventSink
	marker  *mockHandledMarker
	clock   *clockwork.FakeClock
}

func newLinkHandlerFixture(t *testing.T, sims ...*models.Simulation) *linkHandlerFixture {
	t.Helper()
	store := newMockSimulationStore(sims...)
	links := &mockLinkEventSink{}
	marker := &mockHandledMarker{}
	clock := clockwork.NewFakeClock()
	handler, err := NewLinkHandler(LinkHandlerConfig{
		Logger:      netsimtesting.NewLogger(),
		Clock:       clock,
		DB:          passthroughTransactor{},
		Simulations: store,
		LinkEvents:  links,
		Events:      marker,
	})
	require.NoError(t, err)
	return &linkHandlerFixture{handler: handler, store: store, links: links, marker: marker, clock: clock}
}

func linkRunDelivery(t *testing.T, simID string, link models.Link, headers amqp.Table) amqp.Delivery {
	t.Helper()
	d := linkEventDelivery(t, models.LinkEvent{
		EventID:   "run-" + link.ID,
		EventType: models.EventTypeLinkRun,
		SimID:     simID,
		After:     link,
	})
	d.Headers = headers
	return d
}

func linkEventDelivery(t *testing.T, event models.LinkEvent) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return amqp.Delivery{Body: body, ContentType: "application/json"}
}

func TestNetsim_LinkHandler_CompletesAfterLatency(t *testing.T) {
	t.Parallel()

	sim := pendingSimulation("sim-1")
	sim.Status = models.SimulationStatusRunning
	f := newLinkHandlerFixture(t, sim)
	link := sim.Topology.Links[0] // 2s latency

	done := make(chan error, 1)
	go func() {
		done <- f.handler.Handle(context.Background(), linkRunDelivery(t, "sim-1", link, nil))
	}()

	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)
	require.NoError(t, <-done)

	inserted := f.links.inserted()
	require.Len(t, inserted, 1)
	completed := inserted[0]
	require.Equal(t, models.EventTypeLinkCompleted, completed.EventType)
	require.Equal(t, "sim-1", completed.SimID)
	require.Equal(t, "l1", completed.After.ID)
	require.NotNil(t, completed.After.ExecutionState)
	require.Equal(t, models.LinkStatusDone, completed.After.ExecutionState.Status)
	require.NotNil(t, completed.After.ExecutionState.StartTime)
	require.NotNil(t, completed.After.ExecutionState.EndTime)
	require.Equal(t, 0, completed.After.ExecutionState.RetryCount)
	require.NotNil(t, completed.Before)
	require.Nil(t, completed.Before.ExecutionState)

	require.Equal(t, []string{"run-l1"}, f.marker.handledIDs())
}

func TestNetsim_LinkHandler_PreValidationFailureRecordsFailed(t *testing.T) {
	t.Parallel()

	sim := pendingSimulation("sim-1")
	sim.Status = models.SimulationStatusPaused
	f := newLinkHandlerFixture(t, sim)
	link := sim.Topology.Links[0]

	// No goroutine: the failed outcome is recorded without sleeping.
	require.NoError(t, f.handler.Handle(context.Background(), linkRunDelivery(t, "sim-1", link, nil)))

	inserted := f.links.inserted()
	require.Len(t, inserted, 1)
	require.Equal(t, models.LinkStatusFailed, inserted[0].After.ExecutionState.Status)
	require.Equal(t, []string{"run-l1"}, f.marker.handledIDs())
}

func TestNetsim_LinkHandler_StopDuringSleepRecordsFailed(t *testing.T) {
	t.Parallel()

	sim := pendingSimulation("sim-1")
	sim.Status = models.SimulationStatusRunning
	f := newLinkHandlerFixture(t, sim)
	link := sim.Topology.Links[0]

	done := make(chan error, 1)
	go func() {
		done <- f.handler.Handle(context.Background(), linkRunDelivery(t, "sim-1", link, nil))
	}()

	f.clock.BlockUntil(1)
	f.store.set("sim-1", func(s *models.Simulation) {
		s.Status = models.SimulationStatusStopped
	})
	f.clock.Advance(2 * time.Second)
	require.NoError(t, <-done)

	inserted := f.links.inserted()
	require.Len(t, inserted, 1)
	require.Equal(t, models.LinkStatusFailed, inserted[0].After.ExecutionState.Status)
}

func TestNetsim_LinkHandler_CancelledSleepRequeues(t *testing.T) {
	t.Parallel()

	sim := pendingSimulation("sim-1")
	sim.Status = models.SimulationStatusRunning
	f := newLinkHandlerFixture(t, sim)
	link := sim.Topology.Links[0]

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.handler.Handle(ctx, linkRunDelivery(t, "sim-1", link, nil))
	}()

	f.clock.BlockUntil(1)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Empty(t, f.links.inserted())
	require.Empty(t, f.marker.handledIDs())
}

func TestNetsim_LinkHandler_CarriesRetryCountFromHeaders(t *testing.T) {
	t.Parallel()

	sim := pendingSimulation("sim-1")
	sim.Status = models.SimulationStatusRunning
	f := newLinkHandlerFixture(t, sim)
	link := sim.Topology.Links[0]

	headers := amqp.Table{headerRetryCount: int32(2)}
	done := make(chan error, 1)
	go func() {
		done <- f.handler.Handle(context.Background(), linkRunDelivery(t, "sim-1", link, headers))
	}()

	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)
	require.NoError(t, <-done)

	inserted := f.links.inserted()
	require.Len(t, inserted, 1)
	require.Equal(t, 2, inserted[0].After.ExecutionState.RetryCount)
}

func TestNetsim_LinkHandler_Rejections(t *testing.T) {
	t.Parallel()

	f := newLinkHandlerFixture(t)

	t.Run("malformed body is a validation error", func(t *testing.T) {
		t.Parallel()
		err := f.handler.Handle(context.Background(), amqp.Delivery{Body: []byte("not-json")})
		require.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("missing link id is a validation error", func(t *testing.T) {
		t.Parallel()
		d := linkEventDelivery(t, models.LinkEvent{
			EventID:   "run-x",
			EventType: models.EventTypeLinkRun,
			SimID:     "sim-1",
		})
		require.ErrorIs(t, f.handler.Handle(context.Background(), d), models.ErrValidation)
	})

	t.Run("unknown simulation surfaces not found", func(t *testing.T) {
		t.Parallel()
		d := linkEventDelivery(t, models.LinkEvent{
			EventID:   "run-y",
			EventType: models.EventTypeLinkRun,
			SimID:     "ghost",
			After:     models.Link{ID: "l1", FromNode: "a", ToNode: "b"},
		})
		require.ErrorIs(t, f.handler.Handle(context.Background(), d), models.ErrNotFound)
	})
}
