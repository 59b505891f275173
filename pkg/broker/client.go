package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/netsimlabs/netsim/utils/pkg/retry"
)

// Client represents an AMQP broker connection. Channels are cheap and not
// safe for concurrent use, so each producer and consumer opens its own.
type Client interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
	Close() error
}

type ClientConfig struct {
	Logger *slog.Logger
	URL    string

	// DialRetry bounds the initial connection attempts. Zero value uses
	// retry.DefaultConfig.
	DialRetry retry.Config
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("broker URL is required")
	}
	if cfg.DialRetry.MaxAttempts == 0 {
		cfg.DialRetry = retry.DefaultConfig()
	}
	return nil
}

type client struct {
	log  *slog.Logger
	cfg  ClientConfig
	mu   sync.Mutex
	conn *amqp.Connection
}

// NewClient dials the broker, retrying transient failures. RabbitMQ is often
// still starting when the orchestrator comes up, so a few rejected dials at
// boot are expected.
func NewClient(ctx context.Context, cfg ClientConfig) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &client{log: cfg.Logger, cfg: cfg}
	err := retry.Do(ctx, cfg.DialRetry, func() error {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			c.log.Warn("broker: dial failed, will retry", "error", err)
			return err
		}
		c.conn = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	c.log.Info("broker client initialized")
	return c, nil
}

func (c *client) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		// The connection died under us. Redial once; callers retry above
		// this layer.
		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to reconnect to broker: %w", err)
		}
		c.conn = conn
		c.log.Info("broker: reconnected")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

func (c *client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil || c.conn.IsClosed()
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close broker connection: %w", err)
	}
	return nil
}
