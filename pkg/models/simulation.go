package models

import (
	"errors"
	"time"
)

type SimulationStatus string

const (
	SimulationStatusPending SimulationStatus = "pending"
	SimulationStatusRunning SimulationStatus = "running"
	SimulationStatusPaused  SimulationStatus = "paused"
	SimulationStatusStopped SimulationStatus = "stopped"
	SimulationStatusDone    SimulationStatus = "done"
	SimulationStatusFailed  SimulationStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed except an
// explicit restart.
func (s SimulationStatus) IsTerminal() bool {
	switch s {
	case SimulationStatusDone, SimulationStatusFailed, SimulationStatusStopped:
		return true
	}
	return false
}

// ErrOpenPause is returned when a pause is opened while another pause is
// still open, or closed while none is open.
var ErrOpenPause = errors.New("simulation has an inconsistent open pause")

// PauseTime is one pause interval of a simulation. EndTime and DurationSec
// stay nil while the pause is open.
type PauseTime struct {
	StartTime   time.Time  `bson:"start_time" json:"start_time"`
	EndTime     *time.Time `bson:"end_time,omitempty" json:"end_time,omitempty"`
	DurationSec *float64   `bson:"duration_sec,omitempty" json:"duration_sec,omitempty"`
}

// SimulationTime tracks wall-clock boundaries and pauses of a run.
// At most one pause is open at any instant.
type SimulationTime struct {
	StartTime             *time.Time  `bson:"start_time,omitempty" json:"start_time,omitempty"`
	EndTime               *time.Time  `bson:"end_time,omitempty" json:"end_time,omitempty"`
	TotalExecutionTimeSec *float64    `bson:"total_execution_time_sec,omitempty" json:"total_execution_time_sec,omitempty"`
	Pauses                []PauseTime `bson:"pauses" json:"pauses"`
}

// OpenPause returns the currently open pause, or nil.
func (t *SimulationTime) OpenPause() (*PauseTime, error) {
	var open *PauseTime
	for i := range t.Pauses {
		if t.Pauses[i].EndTime == nil {
			if open != nil {
				return nil, ErrOpenPause
			}
			open = &t.Pauses[i]
		}
	}
	return open, nil
}

// BeginPause opens a new pause at now. Fails if a pause is already open.
func (t *SimulationTime) BeginPause(now time.Time) error {
	open, err := t.OpenPause()
	if err != nil {
		return err
	}
	if open != nil {
		return ErrOpenPause
	}
	t.Pauses = append(t.Pauses, PauseTime{StartTime: now})
	return nil
}

// EndPause closes the open pause at now and records its duration.
func (t *SimulationTime) EndPause(now time.Time) error {
	open, err := t.OpenPause()
	if err != nil {
		return err
	}
	if open == nil {
		return ErrOpenPause
	}
	end := now
	duration := end.Sub(open.StartTime).Seconds()
	open.EndTime = &end
	open.DurationSec = &duration
	return nil
}

// PausedSeconds sums the durations of all closed pauses.
func (t *SimulationTime) PausedSeconds() float64 {
	var total float64
	for _, p := range t.Pauses {
		if p.DurationSec != nil {
			total += *p.DurationSec
		}
	}
	return total
}

// LinksExecutionState partitions a simulation's links into those still
// waiting for a terminal outcome and those that reached one. The two sets
// are disjoint and their union is always the topology's link set.
type LinksExecutionState struct {
	NotProcessedLinks []Link `bson:"not_processed_links" json:"not_processed_links"`
	ProcessedLinks    []Link `bson:"processed_links" json:"processed_links"`
}

// NewLinksExecutionState places every topology link in the not-processed set.
func NewLinksExecutionState(links []Link) LinksExecutionState {
	return LinksExecutionState{
		NotProcessedLinks: append([]Link(nil), links...),
		ProcessedLinks:    []Link{},
	}
}

// MoveToProcessed transfers the given completed links from the not-processed
// set to the processed set, keyed by link id. A link already processed is a
// no-op, which makes event replays safe.
func (s *LinksExecutionState) MoveToProcessed(completed []Link) {
	processed := make(map[string]bool, len(s.ProcessedLinks))
	for _, l := range s.ProcessedLinks {
		processed[l.ID] = true
	}
	for _, done := range completed {
		if processed[done.ID] {
			continue
		}
		for i, pending := range s.NotProcessedLinks {
			if pending.ID != done.ID {
				continue
			}
			s.NotProcessedLinks = append(s.NotProcessedLinks[:i], s.NotProcessedLinks[i+1:]...)
			s.ProcessedLinks = append(s.ProcessedLinks, done)
			processed[done.ID] = true
			break
		}
	}
}

// Contains reports whether the link id is still in the not-processed set.
func (s *LinksExecutionState) Contains(linkID string) bool {
	for _, l := range s.NotProcessedLinks {
		if l.ID == linkID {
			return true
		}
	}
	return false
}

// FailedCount counts processed links whose execution state is failed.
func (s *LinksExecutionState) FailedCount() int {
	var failed int
	for _, l := range s.ProcessedLinks {
		if l.ExecutionState != nil && l.ExecutionState.Status == LinkStatusFailed {
			failed++
		}
	}
	return failed
}

// PacketLoss returns the observed packet-loss fraction,
// failed / processed, or 0 when nothing failed or nothing was processed.
func (s *LinksExecutionState) PacketLoss() float64 {
	failed := s.FailedCount()
	processed := len(s.ProcessedLinks)
	if failed == 0 || processed == 0 {
		return 0
	}
	return float64(failed) / float64(processed)
}

// Simulation is the aggregate root. It is created by the HTTP layer and
// thereafter mutated only through compare-and-set updates on RowVersion.
type Simulation struct {
	SimID               string              `bson:"_id" json:"_id"`
	Topology            Topology            `bson:"topology" json:"topology"`
	RowVersion          int64               `bson:"row_version" json:"row_version"`
	LinksExecutionState LinksExecutionState `bson:"links_execution_state" json:"links_execution_state"`
	SimulationTime      SimulationTime      `bson:"simulation_time" json:"simulation_time"`
	Status              SimulationStatus    `bson:"status" json:"status"`
	CreatedAt           time.Time           `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `bson:"updated_at" json:"updated_at"`
}

// ResetForRestart returns the simulation to pending with cleared times and
// a fresh execution state, ready to be picked up again by the pipeline.
func (s *Simulation) ResetForRestart() {
	s.Status = SimulationStatusPending
	s.SimulationTime = SimulationTime{Pauses: []PauseTime{}}
	s.LinksExecutionState = NewLinksExecutionState(s.Topology.Links)
}
