package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/netsimlabs/netsim/pkg/metrics"
)

type BackpressureConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Source QueueMetricsSource

	HighLoadThreshold   int
	MediumLoadThreshold int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	MetricsCacheTTL     time.Duration
}

func (cfg *BackpressureConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("queue metrics source is required")
	}
	if cfg.MediumLoadThreshold <= 0 || cfg.HighLoadThreshold <= cfg.MediumLoadThreshold {
		return errors.New("load thresholds must satisfy 0 < medium < high")
	}
	if cfg.BaseDelay <= 0 || cfg.MaxDelay < cfg.BaseDelay {
		return errors.New("delays must satisfy 0 < base <= max")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MetricsCacheTTL <= 0 {
		cfg.MetricsCacheTTL = 5 * time.Second
	}
	return nil
}

type cachedMetrics struct {
	metrics   QueueMetrics
	fetchedAt time.Time
}

// Backpressure slows producers down based on the depth and consumer count of
// their target queue. Queue metrics come from passive declares and are
// cached per queue for MetricsCacheTTL.
type Backpressure struct {
	log   *slog.Logger
	cfg   BackpressureConfig
	clock clockwork.Clock

	mu    sync.Mutex
	cache map[string]cachedMetrics
}

func NewBackpressure(cfg BackpressureConfig) (*Backpressure, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Backpressure{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
		cache: make(map[string]cachedMetrics),
	}, nil
}

// Delay computes the pause a producer should take before its next batch.
// A queue with no consumers, or deeper than the high threshold, gets the
// maximum delay; between the thresholds the delay scales linearly; a backlog
// above 100 messages per consumer floors the result at half the maximum.
func (b *Backpressure) Delay(queue string) time.Duration {
	qm, err := b.queueMetrics(queue)
	if err != nil {
		// Without metrics, assume the worst.
		b.log.Warn("backpressure: failed to fetch queue metrics, using max delay",
			"queue", queue, "error", err)
		return b.cfg.MaxDelay
	}

	metrics.QueueDepth.WithLabelValues(queue).Set(float64(qm.Messages))
	metrics.QueueConsumers.WithLabelValues(queue).Set(float64(qm.Consumers))

	delay := b.delayFor(qm)
	metrics.BackpressureDelay.WithLabelValues(queue).Set(delay.Seconds())
	return delay
}

func (b *Backpressure) delayFor(qm QueueMetrics) time.Duration {
	base := b.cfg.BaseDelay
	max := b.cfg.MaxDelay
	high := qm.Messages > b.cfg.HighLoadThreshold

	if qm.Consumers == 0 || high {
		return max
	}

	delay := base
	if qm.Messages > b.cfg.MediumLoadThreshold {
		span := float64(b.cfg.HighLoadThreshold - b.cfg.MediumLoadThreshold)
		over := float64(qm.Messages - b.cfg.MediumLoadThreshold)
		delay = base + time.Duration(float64(max-base)*over/span)
	}

	if float64(qm.Messages)/float64(qm.Consumers) > 100 && delay < max/2 {
		delay = max / 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

// Wait sleeps for the computed delay or until ctx is cancelled.
func (b *Backpressure) Wait(ctx context.Context, queue string) error {
	delay := b.Delay(queue)
	b.log.Debug("backpressure: waiting", "queue", queue, "delay", delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(delay):
		return nil
	}
}

func (b *Backpressure) queueMetrics(queue string) (QueueMetrics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if cached, ok := b.cache[queue]; ok && now.Sub(cached.fetchedAt) < b.cfg.MetricsCacheTTL {
		return cached.metrics, nil
	}

	qm, err := b.cfg.Source.QueueMetrics(queue)
	if err != nil {
		return QueueMetrics{}, err
	}
	b.cache[queue] = cachedMetrics{metrics: qm, fetchedAt: now}
	return qm, nil
}
