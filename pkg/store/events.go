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
	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/pkg/mongodb"
)

type EventStoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     mongodb.Client
}

func (cfg *EventStoreConfig) Validate() error {
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

// EventStore is the append-only outbox collection. Events move
// published:false→true when a producer claims them and
// is_handled:false→true when a consumer finishes with them; neither flag
// ever goes back except through the explicit compensation path.
type EventStore struct {
	log   *slog.Logger
	cfg   EventStoreConfig
	coll  *mongo.Collection
	clock clockwork.Clock
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &EventStore{
		log:   cfg.Logger,
		cfg:   cfg,
		coll:  cfg.DB.Collection(config.EventsCollection),
		clock: cfg.Clock,
	}, nil
}

// EnsureIndexes creates the indexes the producer scans and the completion
// deduplication query depend on.
func (s *EventStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "published", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "published", Value: 1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "after._id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create event indexes: %w", err)
	}
	return nil
}

// TypedEventStore is a view over the events collection for one payload
// type. The simulation pipeline uses Typed[models.Simulation], the links
// pipeline Typed[models.Link]; both share the same underlying collection.
type TypedEventStore[T any] struct {
	*EventStore
}

func Typed[T any](s *EventStore) *TypedEventStore[T] {
	return &TypedEventStore[T]{EventStore: s}
}

// Insert appends events. Timestamps are store-assigned unless the caller
// already set created_at; events inserted pre-published get published_at
// aligned with created_at so published_at never precedes it.
func (s *TypedEventStore[T]) Insert(ctx context.Context, events []models.Event[T]) error {
	if len(events) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	docs := make([]any, 0, len(events))
	for i := range events {
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = now
		}
		events[i].UpdatedAt = now
		if events[i].Published && events[i].PublishedAt == nil {
			createdAt := events[i].CreatedAt
			events[i].PublishedAt = &createdAt
		}
		docs = append(docs, events[i])
	}
	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert %d events: %w", len(events), err)
	}
	s.log.Debug("events: inserted", "count", len(events))
	return nil
}

// FindUnpublished returns up to limit events matching the extra filter and
// published=false, newest first.
func (s *TypedEventStore[T]) FindUnpublished(ctx context.Context, filter bson.M, limit int64) ([]models.Event[T], error) {
	query := bson.M{"published": false}
	for k, v := range filter {
		query[k] = v
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)
	cursor, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find unpublished events: %w", err)
	}
	var events []models.Event[T]
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode unpublished events: %w", err)
	}
	return events, nil
}

// GetByID fetches one event by id.
func (s *TypedEventStore[T]) GetByID(ctx context.Context, eventID string) (*models.Event[T], error) {
	var event models.Event[T]
	err := s.coll.FindOne(ctx, bson.M{"_id": eventID}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("event %s: %w", eventID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event %s: %w", eventID, err)
	}
	return &event, nil
}

// MarkPublished flips the published flag on the given events. When the
// intent is to publish and zero documents matched, another producer already
// claimed the batch and the caller must not publish.
func (s *EventStore) MarkPublished(ctx context.Context, eventIDs []string, published bool) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	now := s.clock.Now().UTC()
	set := bson.M{"published": published, "updated_at": now}
	if published {
		set["published_at"] = now
	}
	filter := bson.M{"_id": bson.M{"$in": eventIDs}, "published": !published}
	res, err := s.coll.UpdateMany(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return 0, fmt.Errorf("failed to mark %d events published=%t: %w", len(eventIDs), published, err)
	}
	s.log.Debug("events: marked published", "count", res.ModifiedCount, "published", published)
	return res.ModifiedCount, nil
}

// MarkHandled sets is_handled=true on the given events.
func (s *EventStore) MarkHandled(ctx context.Context, eventIDs []string) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": eventIDs}},
		bson.M{"$set": bson.M{"is_handled": true, "updated_at": s.clock.Now().UTC()}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark %d events handled: %w", len(eventIDs), err)
	}
	return res.ModifiedCount, nil
}

// CompletedSimulationIDs returns the subset of simIDs that already have a
// SIMULATION_COMPLETED event, so replays never emit a second one.
func (s *EventStore) CompletedSimulationIDs(ctx context.Context, simIDs []string) (map[string]bool, error) {
	if len(simIDs) == 0 {
		return map[string]bool{}, nil
	}
	filter := bson.M{
		"event_type": models.EventTypeSimulationCompleted,
		"after._id":  bson.M{"$in": simIDs},
	}
	cursor, err := s.coll.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"after._id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to query completed simulation events: %w", err)
	}
	var docs []struct {
		After struct {
			SimID string `bson:"_id"`
		} `bson:"after"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode completed simulation events: %w", err)
	}
	completed := make(map[string]bool, len(docs))
	for _, doc := range docs {
		completed[doc.After.SimID] = true
	}
	return completed, nil
}
