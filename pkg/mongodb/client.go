package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Client represents a MongoDB database connection.
type Client interface {
	Collection(name string) *mongo.Collection
	// WithTransaction runs fn inside a multi-document transaction. The
	// session is carried on the context, so store calls made with the
	// callback's context participate in the transaction.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type client struct {
	mc  *mongo.Client
	db  *mongo.Database
	log *slog.Logger
}

// NewClient creates a new MongoDB client and verifies connectivity.
func NewClient(ctx context.Context, log *slog.Logger, uri string, database string) (Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(5 * time.Second)

	mc, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mc.Ping(ctx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Info("MongoDB client initialized", "database", database)

	return &client{
		mc:  mc,
		db:  mc.Database(database),
		log: log,
	}, nil
}

func (c *client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

func (c *client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := c.mc.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func (c *client) Ping(ctx context.Context) error {
	return c.mc.Ping(ctx, readpref.Primary())
}

func (c *client) Close(ctx context.Context) error {
	return c.mc.Disconnect(ctx)
}
