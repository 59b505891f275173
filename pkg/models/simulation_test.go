package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func threeLinks() []Link {
	return []Link{
		{ID: "l1", FromNode: "a", ToNode: "b", LatencySec: 1},
		{ID: "l2", FromNode: "b", ToNode: "c", LatencySec: 2},
		{ID: "l3", FromNode: "c", ToNode: "a", LatencySec: 3},
	}
}

func TestNetsim_LinksExecutionState_MoveToProcessed(t *testing.T) {
	t.Parallel()

	t.Run("partitions stay disjoint and complete", func(t *testing.T) {
		t.Parallel()
		state := NewLinksExecutionState(threeLinks())

		done := Link{ID: "l2", ExecutionState: &LinkExecutionState{Status: LinkStatusDone}}
		state.MoveToProcessed([]Link{done})

		require.Len(t, state.NotProcessedLinks, 2)
		require.Len(t, state.ProcessedLinks, 1)
		require.Equal(t, "l2", state.ProcessedLinks[0].ID)
		require.False(t, state.Contains("l2"))
		require.True(t, state.Contains("l1"))
		require.True(t, state.Contains("l3"))
	})

	t.Run("replays are no-ops", func(t *testing.T) {
		t.Parallel()
		state := NewLinksExecutionState(threeLinks())

		done := Link{ID: "l1", ExecutionState: &LinkExecutionState{Status: LinkStatusDone}}
		state.MoveToProcessed([]Link{done})
		state.MoveToProcessed([]Link{done})
		state.MoveToProcessed([]Link{done})

		require.Len(t, state.NotProcessedLinks, 2)
		require.Len(t, state.ProcessedLinks, 1)
	})

	t.Run("first outcome wins on conflicting replays", func(t *testing.T) {
		t.Parallel()
		state := NewLinksExecutionState(threeLinks())

		state.MoveToProcessed([]Link{{ID: "l1", ExecutionState: &LinkExecutionState{Status: LinkStatusDone}}})
		state.MoveToProcessed([]Link{{ID: "l1", ExecutionState: &LinkExecutionState{Status: LinkStatusFailed}}})

		require.Equal(t, LinkStatusDone, state.ProcessedLinks[0].ExecutionState.Status)
	})

	t.Run("unknown links are ignored", func(t *testing.T) {
		t.Parallel()
		state := NewLinksExecutionState(threeLinks())
		state.MoveToProcessed([]Link{{ID: "ghost"}})
		require.Len(t, state.NotProcessedLinks, 3)
		require.Empty(t, state.ProcessedLinks)
	})
}

func TestNetsim_LinksExecutionState_PacketLoss(t *testing.T) {
	t.Parallel()

	t.Run("no processed links is zero loss", func(t *testing.T) {
		t.Parallel()
		state := NewLinksExecutionState(threeLinks())
		require.Zero(t, state.PacketLoss())
		require.Zero(t, state.FailedCount())
	})

	t.Run("loss is failed over processed", func(t *testing.T) {
		t.Parallel()
		state := NewLinksExecutionState(threeLinks())
		state.MoveToProcessed([]Link{
			{ID: "l1", ExecutionState: &LinkExecutionState{Status: LinkStatusDone}},
			{ID: "l2", ExecutionState: &LinkExecutionState{Status: LinkStatusFailed}},
		})
		require.Equal(t, 1, state.FailedCount())
		require.InDelta(t, 0.5, state.PacketLoss(), 1e-9)
	})
}

func TestNetsim_SimulationTime_Pauses(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	t.Run("pause accounting sums closed pauses", func(t *testing.T) {
		t.Parallel()
		var st SimulationTime
		require.NoError(t, st.BeginPause(base))
		require.NoError(t, st.EndPause(base.Add(3*time.Second)))
		require.NoError(t, st.BeginPause(base.Add(10*time.Second)))
		require.NoError(t, st.EndPause(base.Add(14*time.Second)))
		require.InDelta(t, 7.0, st.PausedSeconds(), 1e-9)
	})

	t.Run("double begin is rejected", func(t *testing.T) {
		t.Parallel()
		var st SimulationTime
		require.NoError(t, st.BeginPause(base))
		require.ErrorIs(t, st.BeginPause(base.Add(time.Second)), ErrOpenPause)
	})

	t.Run("end without open pause is rejected", func(t *testing.T) {
		t.Parallel()
		var st SimulationTime
		require.ErrorIs(t, st.EndPause(base), ErrOpenPause)
	})

	t.Run("open pause is excluded from the total", func(t *testing.T) {
		t.Parallel()
		var st SimulationTime
		require.NoError(t, st.BeginPause(base))
		require.Zero(t, st.PausedSeconds())
	})
}

func TestNetsim_SimulationStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, SimulationStatusDone.IsTerminal())
	require.True(t, SimulationStatusFailed.IsTerminal())
	require.True(t, SimulationStatusStopped.IsTerminal())
	require.False(t, SimulationStatusPending.IsTerminal())
	require.False(t, SimulationStatusRunning.IsTerminal())
	require.False(t, SimulationStatusPaused.IsTerminal())
}

func TestNetsim_Simulation_ResetForRestart(t *testing.T) {
	t.Parallel()

	links := threeLinks()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	sim := Simulation{
		SimID:      "sim-1",
		Topology:   Topology{Links: links},
		RowVersion: 5,
		Status:     SimulationStatusFailed,
		SimulationTime: SimulationTime{
			StartTime: &now,
			EndTime:   &now,
		},
		LinksExecutionState: LinksExecutionState{
			ProcessedLinks: links,
		},
	}

	sim.ResetForRestart()

	require.Equal(t, SimulationStatusPending, sim.Status)
	require.Nil(t, sim.SimulationTime.StartTime)
	require.Nil(t, sim.SimulationTime.EndTime)
	require.Empty(t, sim.SimulationTime.Pauses)
	require.Len(t, sim.LinksExecutionState.NotProcessedLinks, 3)
	require.Empty(t, sim.LinksExecutionState.ProcessedLinks)
	require.Equal(t, int64(5), sim.RowVersion)
}
