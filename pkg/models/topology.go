package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// LogLevel names accepted in a simulation config.
const (
	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// Config holds the run parameters of a single simulation.
type Config struct {
	DurationSec       int     `bson:"duration_sec" json:"duration_sec"`
	PacketLossPercent float64 `bson:"packet_loss_percent" json:"packet_loss_percent"`
	LogLevel          string  `bson:"log_level" json:"log_level"`
}

// DefaultConfig returns the default simulation run configuration.
func DefaultConfig() Config {
	return Config{
		DurationSec:       30,
		PacketLossPercent: 0.0,
		LogLevel:          LogLevelWarning,
	}
}

func (c Config) Validate() error {
	if c.DurationSec <= 0 {
		return fmt.Errorf("duration_sec must be positive, got %d: %w", c.DurationSec, ErrValidation)
	}
	if c.PacketLossPercent < 0 || c.PacketLossPercent > 1 {
		return fmt.Errorf("packet_loss_percent must be in [0, 1], got %v: %w", c.PacketLossPercent, ErrValidation)
	}
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("unknown log_level %q: %w", c.LogLevel, ErrValidation)
	}
	return nil
}

type LinkStatus string

const (
	LinkStatusNew    LinkStatus = "new"
	LinkStatusDone   LinkStatus = "done"
	LinkStatusFailed LinkStatus = "failed"
)

// LinkExecutionState records the outcome of one link transmission.
type LinkExecutionState struct {
	Status     LinkStatus `bson:"status" json:"status"`
	StartTime  *time.Time `bson:"start_time,omitempty" json:"start_time,omitempty"`
	EndTime    *time.Time `bson:"end_time,omitempty" json:"end_time,omitempty"`
	RetryCount int        `bson:"retry_count" json:"retry_count"`
}

// Link is a directed edge of a topology with a transmission latency.
// ExecutionState is nil until the link has been executed (or failed
// validation); topology links never carry it.
type Link struct {
	ID             string              `bson:"_id" json:"_id"`
	FromNode       string              `bson:"from_node" json:"from_node"`
	ToNode         string              `bson:"to_node" json:"to_node"`
	LatencySec     float64             `bson:"latency_sec" json:"latency_sec"`
	ExecutionState *LinkExecutionState `bson:"execution_state,omitempty" json:"execution_state,omitempty"`
}

// Topology is an immutable set of named nodes plus directed links.
// Fingerprint deduplicates submissions of equivalent topologies.
type Topology struct {
	ID          string    `bson:"_id" json:"_id"`
	Nodes       []string  `bson:"nodes" json:"nodes"`
	Links       []Link    `bson:"links" json:"links"`
	Config      Config    `bson:"config" json:"config"`
	Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

// canonicalLink keeps only the fields that identify a link for
// fingerprinting purposes.
type canonicalLink struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Latency float64 `json:"latency"`
}

type canonicalTopology struct {
	Nodes  []string        `json:"nodes"`
	Links  []canonicalLink `json:"links"`
	Config Config          `json:"config"`
}

// FingerprintTopology computes the SHA-256 of the canonical form of a
// submitted topology: sorted nodes, links sorted by (from, to, latency)
// reduced to those three fields, plus the run config. Two submissions
// with the same fingerprint describe the same simulation.
func FingerprintTopology(nodes []string, links []Link, cfg Config) string {
	canonical := canonicalTopology{
		Nodes:  append([]string(nil), nodes...),
		Links:  make([]canonicalLink, 0, len(links)),
		Config: cfg,
	}
	sort.Strings(canonical.Nodes)
	for _, l := range links {
		canonical.Links = append(canonical.Links, canonicalLink{
			From:    l.FromNode,
			To:      l.ToNode,
			Latency: l.LatencySec,
		})
	}
	sort.Slice(canonical.Links, func(i, j int) bool {
		a, b := canonical.Links[i], canonical.Links[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Latency < b.Latency
	})

	// Encoding a struct with ordered fields is deterministic.
	buf, err := json.Marshal(canonical)
	if err != nil {
		// Only reachable with NaN latencies, which validation rejects.
		panic(fmt.Sprintf("failed to marshal canonical topology: %v", err))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
