package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/netsimlabs/netsim/pkg/config"
	"github.com/netsimlabs/netsim/pkg/metrics"
	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/pkg/mongodb"
)

type SimulationStoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     mongodb.Client
}

func (cfg *SimulationStoreConfig) Validate() error {
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

// SimulationStore persists Simulation aggregates. Every write after the
// initial insert is a compare-and-set on row_version; no writer may update
// without having read the version it targets.
type SimulationStore struct {
	log   *slog.Logger
	cfg   SimulationStoreConfig
	coll  *mongo.Collection
	clock clockwork.Clock
}

func NewSimulationStore(cfg SimulationStoreConfig) (*SimulationStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SimulationStore{
		log:   cfg.Logger,
		cfg:   cfg,
		coll:  cfg.DB.Collection(config.SimulationsCollection),
		clock: cfg.Clock,
	}, nil
}

func (s *SimulationStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "topology.fingerprint", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create simulation indexes: %w", err)
	}
	return nil
}

func (s *SimulationStore) Insert(ctx context.Context, sims []models.Simulation) error {
	if len(sims) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	docs := make([]any, 0, len(sims))
	for i := range sims {
		sims[i].CreatedAt = now
		sims[i].UpdatedAt = now
		docs = append(docs, sims[i])
	}
	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert %d simulations: %w", len(sims), err)
	}
	s.log.Debug("simulations: inserted", "count", len(sims))
	return nil
}

func (s *SimulationStore) GetByID(ctx context.Context, simID string) (*models.Simulation, error) {
	var sim models.Simulation
	err := s.coll.FindOne(ctx, bson.M{"_id": simID}).Decode(&sim)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("simulation %s: %w", simID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch simulation %s: %w", simID, err)
	}
	return &sim, nil
}

// Update conditionally replaces the aggregate. The match predicate is
// {_id, row_version: expected}; on success row_version becomes expected+1.
// A version mismatch (or a vanished document) fails with ErrConcurrency.
func (s *SimulationStore) Update(ctx context.Context, simID string, sim models.Simulation, expectedRowVersion int64) error {
	sim.SimID = simID
	sim.RowVersion = expectedRowVersion + 1
	sim.UpdatedAt = s.clock.Now().UTC()

	res, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": simID, "row_version": expectedRowVersion},
		sim,
	)
	if err != nil {
		return fmt.Errorf("failed to update simulation %s: %w", simID, err)
	}
	if res.MatchedCount == 0 {
		metrics.ConcurrencyConflictsTotal.WithLabelValues("update").Inc()
		s.log.Warn("simulations: conditional update matched nothing",
			"sim_id", simID, "expected_row_version", expectedRowVersion)
		return fmt.Errorf("simulation %s at row_version %d: %w", simID, expectedRowVersion, models.ErrConcurrency)
	}
	return nil
}

// ListAll pages through every simulation ordered by id.
func (s *SimulationStore) ListAll(ctx context.Context, page models.CursorPaginationRequest) (*models.CursorPaginationResponse[models.Simulation], error) {
	return s.paginate(ctx, bson.M{}, page)
}

func (s *SimulationStore) ListByStatus(ctx context.Context, statuses []models.SimulationStatus, page models.CursorPaginationRequest) (*models.CursorPaginationResponse[models.Simulation], error) {
	return s.paginate(ctx, bson.M{"status": bson.M{"$in": statuses}}, page)
}

// GetManyByIDsAndStatus fetches the simulations in ids that currently have
// one of the given statuses. Used by the links producer's running-only
// filter.
func (s *SimulationStore) GetManyByIDsAndStatus(ctx context.Context, ids []string, statuses []models.SimulationStatus) ([]models.Simulation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.M{
		"_id":    bson.M{"$in": ids},
		"status": bson.M{"$in": statuses},
	}
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch simulations by ids and status: %w", err)
	}
	var sims []models.Simulation
	if err := cursor.All(ctx, &sims); err != nil {
		return nil, fmt.Errorf("failed to decode simulations: %w", err)
	}
	return sims, nil
}

func (s *SimulationStore) paginate(ctx context.Context, filter bson.M, page models.CursorPaginationRequest) (*models.CursorPaginationResponse[models.Simulation], error) {
	page.Normalize()
	if page.Cursor != "" {
		filter["_id"] = bson.M{"$gt": page.Cursor}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(page.PageSize))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list simulations: %w", err)
	}
	var sims []models.Simulation
	if err := cursor.All(ctx, &sims); err != nil {
		return nil, fmt.Errorf("failed to decode simulations: %w", err)
	}

	resp := &models.CursorPaginationResponse[models.Simulation]{
		Items:    sims,
		PageSize: page.PageSize,
	}
	if len(sims) == page.PageSize {
		resp.NextCursor = sims[len(sims)-1].SimID
	}
	if page.WithTotal {
		// Count against the caller's filter, not the cursor window.
		delete(filter, "_id")
		total, err := s.coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to count simulations: %w", err)
		}
		resp.Total = &total
	}
	return resp, nil
}
