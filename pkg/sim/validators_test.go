package sim

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netsimlabs/netsim/pkg/models"
)

func testTopology() models.Topology {
	links := []models.Link{
		{ID: "l1", FromNode: "a", ToNode: "b", LatencySec: 5},
		{ID: "l2", FromNode: "b", ToNode: "c", LatencySec: 10},
	}
	cfg := models.Config{DurationSec: 30, PacketLossPercent: 0.1, LogLevel: models.LogLevelInfo}
	return models.Topology{
		ID:          "t1",
		Nodes:       []string{"a", "b", "c"},
		Links:       links,
		Config:      cfg,
		Fingerprint: models.FingerprintTopology([]string{"a", "b", "c"}, links, cfg),
	}
}

func testSimulation() *models.Simulation {
	topology := testTopology()
	return &models.Simulation{
		SimID:               "sim-1",
		Topology:            topology,
		RowVersion:          1,
		LinksExecutionState: models.NewLinksExecutionState(topology.Links),
		Status:              models.SimulationStatusRunning,
	}
}

func TestNetsim_ValidateTopology(t *testing.T) {
	t.Parallel()

	t.Run("valid topology passes", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, ValidateTopology(testTopology()))
	})

	t.Run("unknown endpoint fails", func(t *testing.T) {
		t.Parallel()
		topology := testTopology()
		topology.Links[0].ToNode = "ghost"
		err := ValidateTopology(topology)
		require.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("negative latency fails", func(t *testing.T) {
		t.Parallel()
		topology := testTopology()
		topology.Links[0].LatencySec = -1
		require.ErrorIs(t, ValidateTopology(topology), models.ErrValidation)
	})

	t.Run("no links fails", func(t *testing.T) {
		t.Parallel()
		topology := testTopology()
		topology.Links = nil
		require.ErrorIs(t, ValidateTopology(topology), models.ErrValidation)
	})

	t.Run("bad config fails", func(t *testing.T) {
		t.Parallel()
		topology := testTopology()
		topology.Config.PacketLossPercent = 1.5
		require.ErrorIs(t, ValidateTopology(topology), models.ErrValidation)
	})
}

func TestNetsim_ValidatePreSimulation(t *testing.T) {
	t.Parallel()

	t.Run("pending simulation passes", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		sim.Status = models.SimulationStatusPending
		require.NoError(t, ValidatePreSimulation(sim))
	})

	t.Run("duration equal to slowest link passes", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		sim.Status = models.SimulationStatusPending
		sim.Topology.Config.DurationSec = 10
		require.NoError(t, ValidatePreSimulation(sim))
	})

	t.Run("duration below slowest link fails", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		sim.Status = models.SimulationStatusPending
		sim.Topology.Config.DurationSec = 9
		require.ErrorIs(t, ValidatePreSimulation(sim), models.ErrValidation)
	})

	t.Run("already running fails", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		require.ErrorIs(t, ValidatePreSimulation(sim), models.ErrValidation)
	})
}

func TestNetsim_ValidatePreLink(t *testing.T) {
	t.Parallel()

	t.Run("pending link on running simulation passes", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		require.NoError(t, ValidatePreLink(sim, sim.Topology.Links[0]))
	})

	t.Run("paused simulation fails", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		sim.Status = models.SimulationStatusPaused
		require.ErrorIs(t, ValidatePreLink(sim, sim.Topology.Links[0]), models.ErrValidation)
	})

	t.Run("link already processed fails", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		sim.LinksExecutionState.MoveToProcessed([]models.Link{{ID: "l1"}})
		require.ErrorIs(t, ValidatePreLink(sim, sim.Topology.Links[0]), models.ErrValidation)
	})

	t.Run("latency above duration fails", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		link := sim.Topology.Links[0]
		link.LatencySec = 31
		require.ErrorIs(t, ValidatePreLink(sim, link), models.ErrValidation)
	})
}

func TestNetsim_ValidatePostSimulation(t *testing.T) {
	t.Parallel()

	t.Run("running within loss budget passes", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, ValidatePostSimulation(testSimulation()))
	})

	t.Run("loss equal to budget passes", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		sim.Topology.Config.PacketLossPercent = 0.5
		done := sim.Topology.Links[0]
		done.ExecutionState = &models.LinkExecutionState{Status: models.LinkStatusDone}
		failed := sim.Topology.Links[1]
		failed.ExecutionState = &models.LinkExecutionState{Status: models.LinkStatusFailed}
		sim.LinksExecutionState.MoveToProcessed([]models.Link{done, failed})
		require.NoError(t, ValidatePostSimulation(sim))
	})

	t.Run("loss above budget fails", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		sim.Topology.Config.PacketLossPercent = 0.4
		done := sim.Topology.Links[0]
		done.ExecutionState = &models.LinkExecutionState{Status: models.LinkStatusDone}
		failed := sim.Topology.Links[1]
		failed.ExecutionState = &models.LinkExecutionState{Status: models.LinkStatusFailed}
		sim.LinksExecutionState.MoveToProcessed([]models.Link{done, failed})
		require.ErrorIs(t, ValidatePostSimulation(sim), models.ErrValidation)
	})

	t.Run("stopped simulation fails", func(t *testing.T) {
		t.Parallel()
		sim := testSimulation()
		sim.Status = models.SimulationStatusStopped
		require.ErrorIs(t, ValidatePostSimulation(sim), models.ErrValidation)
	})
}
