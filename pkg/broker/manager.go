package broker

import (
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/netsimlabs/netsim/pkg/config"
)

// declareAttempts caps the delete-and-redeclare cycle when a queue exists
// with drifted arguments.
const declareAttempts = 3

// QueueMetrics is one passive snapshot of a queue.
type QueueMetrics struct {
	Messages  int
	Consumers int
}

// QueueMetricsSource answers backpressure queries. Satisfied by Manager.
type QueueMetricsSource interface {
	QueueMetrics(queue string) (QueueMetrics, error)
}

type ManagerConfig struct {
	Logger *slog.Logger
	Client Client

	QueueTTL      int64
	DLXTTL        int64
	PrefetchCount int
}

func (cfg *ManagerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("broker client is required")
	}
	if cfg.QueueTTL <= 0 {
		return errors.New("queue TTL must be positive")
	}
	if cfg.DLXTTL <= 0 {
		return errors.New("DLX TTL must be positive")
	}
	if cfg.PrefetchCount <= 0 {
		return errors.New("prefetch count must be positive")
	}
	return nil
}

// Manager declares and repairs the broker topology: one direct durable
// exchange per domain, a paired dead-letter exchange, and per queue a main
// queue plus its dead-letter queue. Declarations are idempotent; a queue
// that exists with drifted arguments is deleted and redeclared.
type Manager struct {
	log *slog.Logger
	cfg ManagerConfig
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{log: cfg.Logger, cfg: cfg}, nil
}

// exchangeQueues maps each exchange to the logical queues routed through it.
func exchangeQueues() map[string][]string {
	return map[string][]string{
		config.SimulationExchange: {
			config.NewSimulationsQueue,
			config.SimulationsUpdateQueue,
			config.SimulationsCompletedQueue,
			config.SimulationsPausedQueue,
			config.SimulationsResumeQueue,
			config.SimulationsStopQueue,
		},
		config.LinksExchange: {
			config.RunLinksQueue,
		},
	}
}

// EnsureTopology declares every exchange, queue, and binding the
// orchestrator uses. Safe to call from multiple replicas concurrently.
func (m *Manager) EnsureTopology() error {
	ch, err := m.cfg.Client.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for exchange, queues := range exchangeQueues() {
		if err := m.declareExchangePair(ch, exchange); err != nil {
			return err
		}
		for _, queue := range queues {
			// The channel is torn down by the server on a failed declare,
			// so each queue runs on a fresh channel inside declareQueuePair.
			if err := m.declareQueuePair(exchange, queue); err != nil {
				return err
			}
		}
	}

	m.log.Info("broker topology ensured")
	return nil
}

func (m *Manager) declareExchangePair(ch *amqp.Channel, exchange string) error {
	for _, name := range []string{exchange, exchange + config.DLXSuffix} {
		err := ch.ExchangeDeclare(
			name,
			amqp.ExchangeDirect,
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// declareQueuePair declares queue and its dead-letter partner, binding each
// with its own name as routing key. On PRECONDITION_FAILED the existing
// queue carries different arguments; it is deleted and redeclared, capped at
// declareAttempts rounds.
func (m *Manager) declareQueuePair(exchange, queue string) error {
	dlx := exchange + config.DLXSuffix
	dlq := queue + config.DLXSuffix

	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlq,
		"x-message-ttl":             m.cfg.QueueTTL,
	}
	dlqArgs := amqp.Table{
		"x-message-ttl": m.cfg.DLXTTL,
	}

	if err := m.declareAndBind(exchange, queue, queue, mainArgs); err != nil {
		return err
	}
	return m.declareAndBind(dlx, dlq, dlq, dlqArgs)
}

func (m *Manager) declareAndBind(exchange, queue, routingKey string, args amqp.Table) error {
	var lastErr error
	for attempt := 1; attempt <= declareAttempts; attempt++ {
		ch, err := m.cfg.Client.Channel()
		if err != nil {
			return err
		}

		_, err = ch.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			args,
		)
		if err == nil {
			err = ch.QueueBind(queue, routingKey, exchange, false, nil)
			ch.Close()
			if err != nil {
				return fmt.Errorf("failed to bind queue %s to %s: %w", queue, exchange, err)
			}
			return nil
		}

		var amqpErr *amqp.Error
		if !errors.As(err, &amqpErr) || amqpErr.Code != amqp.PreconditionFailed {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		lastErr = err

		// Argument drift. The failed declare killed the channel; open a new
		// one, drop the queue, and redeclare with our arguments.
		m.log.Warn("broker: queue exists with different arguments, recreating",
			"queue", queue, "attempt", attempt)
		ch, err = m.cfg.Client.Channel()
		if err != nil {
			return err
		}
		if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
			ch.Close()
			m.log.Warn("broker: failed to delete drifted queue", "queue", queue, "error", err)
			continue
		}
		ch.Close()
	}
	return fmt.Errorf("failed to declare queue %s after %d attempts: %w", queue, declareAttempts, lastErr)
}

// QueueMetrics returns the ready message and consumer counts for a queue via
// a passive declare.
func (m *Manager) QueueMetrics(queue string) (QueueMetrics, error) {
	ch, err := m.cfg.Client.Channel()
	if err != nil {
		return QueueMetrics{}, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return QueueMetrics{}, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return QueueMetrics{Messages: q.Messages, Consumers: q.Consumers}, nil
}

// ConsumerChannel opens a dedicated channel with the configured prefetch.
// Each consumer owns its channel; channels are never shared across tasks.
func (m *Manager) ConsumerChannel() (*amqp.Channel, error) {
	ch, err := m.cfg.Client.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(m.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	return ch, nil
}
