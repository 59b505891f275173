package models

import "time"

type EventType string

const (
	EventTypeLinkRun             EventType = "LINK_RUN"
	EventTypeLinkCompleted       EventType = "LINK_COMPLETED"
	EventTypeSimulationCreated   EventType = "SIMULATION_CREATED"
	EventTypeSimulationUpdated   EventType = "SIMULATION_UPDATED"
	EventTypeSimulationCompleted EventType = "SIMULATION_COMPLETED"
	EventTypeSimulationStopped   EventType = "SIMULATION_STOPPED"
	EventTypeSimulationRestarted EventType = "SIMULATION_RESTARTED"
)

// Event is the outbox envelope. After carries a snapshot of the target
// entity at emit time. Published and IsHandled advance monotonically from
// false to true; once both are true the event is terminal.
type Event[T any] struct {
	EventID     string     `bson:"_id" json:"_id"`
	EventType   EventType  `bson:"event_type" json:"event_type"`
	SimID       string     `bson:"sim_id,omitempty" json:"sim_id,omitempty"`
	Before      *T         `bson:"before,omitempty" json:"before"`
	After       T          `bson:"after" json:"after"`
	IsHandled   bool       `bson:"is_handled" json:"is_handled"`
	Published   bool       `bson:"published" json:"published"`
	PublishedAt *time.Time `bson:"published_at,omitempty" json:"published_at,omitempty"`
	RetryCount  int        `bson:"retry_count" json:"retry_count"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
}

// SimulationEvent snapshots a whole Simulation aggregate.
type SimulationEvent = Event[Simulation]

// LinkEvent snapshots a single Link; SimID identifies the owning simulation.
type LinkEvent = Event[Link]
