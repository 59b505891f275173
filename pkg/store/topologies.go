package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/netsimlabs/netsim/pkg/config"
	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/pkg/mongodb"
)

type TopologyStoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     mongodb.Client
}

func (cfg *TopologyStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("mongodb client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// TopologyStore persists submitted topologies. Topologies are immutable;
// the fingerprint deduplicates resubmissions of the same shape.
type TopologyStore struct {
	log   *slog.Logger
	cfg   TopologyStoreConfig
	coll  *mongo.Collection
	clock clockwork.Clock
}

func NewTopologyStore(cfg TopologyStoreConfig) (*TopologyStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TopologyStore{
		log:   cfg.Logger,
		cfg:   cfg,
		coll:  cfg.DB.Collection(config.TopologiesCollection),
		clock: cfg.Clock,
	}, nil
}

func (s *TopologyStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "fingerprint", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create topology indexes: %w", err)
	}
	return nil
}

func (s *TopologyStore) Insert(ctx context.Context, topologies []models.Topology) error {
	if len(topologies) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	docs := make([]any, 0, len(topologies))
	for i := range topologies {
		topologies[i].CreatedAt = now
		topologies[i].UpdatedAt = now
		docs = append(docs, topologies[i])
	}
	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert %d topologies: %w", len(topologies), err)
	}
	return nil
}

// FindByFingerprint returns the stored topology with the given fingerprint,
// or nil when the shape has not been submitted before.
func (s *TopologyStore) FindByFingerprint(ctx context.Context, fingerprint string) (*models.Topology, error) {
	var topology models.Topology
	err := s.coll.FindOne(ctx, bson.M{"fingerprint": fingerprint}).Decode(&topology)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch topology by fingerprint: %w", err)
	}
	return &topology, nil
}
