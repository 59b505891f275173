package sim

import (
	"fmt"

	"github.com/netsimlabs/netsim/pkg/models"
)

// Validators guard the state transitions of the pipeline. Every failure
// wraps models.ErrValidation, which consumers treat as non-retryable.

// ValidateTopology checks a submitted topology before a simulation is
// created for it.
func ValidateTopology(topology models.Topology) error {
	if len(topology.Nodes) == 0 {
		return fmt.Errorf("topology has no nodes: %w", models.ErrValidation)
	}
	if len(topology.Links) == 0 {
		return fmt.Errorf("topology has no links: %w", models.ErrValidation)
	}
	nodes := nodeSet(topology.Nodes)
	for _, link := range topology.Links {
		if link.LatencySec < 0 {
			return fmt.Errorf("link %s has negative latency: %w", link.ID, models.ErrValidation)
		}
		if !nodes[link.FromNode] || !nodes[link.ToNode] {
			return fmt.Errorf("link %s references unknown node: %w", link.ID, models.ErrValidation)
		}
	}
	return topology.Config.Validate()
}

// ValidatePreSimulation runs before a SIMULATION_CREATED event starts the
// run: the configured duration must cover the slowest link, every link
// endpoint must exist, and the simulation must not already be running.
func ValidatePreSimulation(sim *models.Simulation) error {
	var maxLatency float64
	for _, link := range sim.Topology.Links {
		if link.LatencySec > maxLatency {
			maxLatency = link.LatencySec
		}
	}
	if float64(sim.Topology.Config.DurationSec) < maxLatency {
		return fmt.Errorf("duration %ds is shorter than slowest link latency %.2fs: %w",
			sim.Topology.Config.DurationSec, maxLatency, models.ErrValidation)
	}

	nodes := nodeSet(sim.Topology.Nodes)
	for _, link := range sim.Topology.Links {
		if !nodes[link.FromNode] || !nodes[link.ToNode] {
			return fmt.Errorf("link %s references unknown node: %w", link.ID, models.ErrValidation)
		}
	}

	if sim.Status == models.SimulationStatusRunning {
		return fmt.Errorf("simulation %s is already running: %w", sim.SimID, models.ErrValidation)
	}
	return nil
}

// ValidatePreLink runs before a link transmission is simulated.
func ValidatePreLink(sim *models.Simulation, link models.Link) error {
	nodes := nodeSet(sim.Topology.Nodes)
	if !nodes[link.FromNode] || !nodes[link.ToNode] {
		return fmt.Errorf("link %s references unknown node: %w", link.ID, models.ErrValidation)
	}
	if sim.Status != models.SimulationStatusRunning {
		return fmt.Errorf("simulation %s is %s, not running: %w", sim.SimID, sim.Status, models.ErrValidation)
	}
	if link.LatencySec > float64(sim.Topology.Config.DurationSec) {
		return fmt.Errorf("link %s latency %.2fs exceeds duration %ds: %w",
			link.ID, link.LatencySec, sim.Topology.Config.DurationSec, models.ErrValidation)
	}
	if !sim.LinksExecutionState.Contains(link.ID) {
		return fmt.Errorf("link %s is not pending: %w", link.ID, models.ErrValidation)
	}
	return nil
}

// ValidatePostSimulation runs after the latency sleep, before the link
// outcome is recorded: the run must still be live and within its loss
// budget.
func ValidatePostSimulation(sim *models.Simulation) error {
	if sim.Status != models.SimulationStatusRunning {
		return fmt.Errorf("simulation %s is %s, not running: %w", sim.SimID, sim.Status, models.ErrValidation)
	}
	loss := sim.LinksExecutionState.PacketLoss()
	if loss > sim.Topology.Config.PacketLossPercent {
		return fmt.Errorf("packet loss %.3f exceeds allowed %.3f: %w",
			loss, sim.Topology.Config.PacketLossPercent, models.ErrValidation)
	}
	return nil
}

func nodeSet(nodes []string) map[string]bool {
	set := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		set[n] = true
	}
	return set
}
