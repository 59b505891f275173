package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	netsimtesting "github.com/netsimlabs/netsim/utils/pkg/testing"
)

type mockMetricsSource struct {
	metricsFunc func(queue string) (QueueMetrics, error)
	calls       int
}

var _ QueueMetricsSource = (*mockMetricsSource)(nil)

func (m *mockMetricsSource) QueueMetrics(queue string) (QueueMetrics, error) {
	m.calls++
	if m.metricsFunc != nil {
		return m.metricsFunc(queue)
	}
	return QueueMetrics{}, nil
}

func newTestBackpressure(t *testing.T, source QueueMetricsSource, clock clockwork.Clock) *Backpressure {
	t.Helper()
	bp, err := NewBackpressure(BackpressureConfig{
		Logger:              netsimtesting.NewLogger(),
		Clock:               clock,
		Source:              source,
		HighLoadThreshold:   500,
		MediumLoadThreshold: 250,
		BaseDelay:           2 * time.Second,
		MaxDelay:            30 * time.Second,
		MetricsCacheTTL:     5 * time.Second,
	})
	require.NoError(t, err)
	return bp
}

func TestNetsim_Backpressure_Delay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		messages  int
		consumers int
		want      time.Duration
	}{
		{"no consumers gets max delay", 10, 0, 30 * time.Second},
		{"above high threshold gets max delay", 501, 5, 30 * time.Second},
		{"light load gets base delay", 100, 5, 2 * time.Second},
		{"empty queue gets base delay", 0, 5, 2 * time.Second},
		{"midpoint between thresholds interpolates", 375, 10, 16 * time.Second},
		{"high backlog per consumer floors at half max", 200, 1, 15 * time.Second},
		{"interpolated delay above floor is kept", 450, 100, 24400 * time.Millisecond},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			source := &mockMetricsSource{
				metricsFunc: func(string) (QueueMetrics, error) {
					return QueueMetrics{Messages: tc.messages, Consumers: tc.consumers}, nil
				},
			}
			bp := newTestBackpressure(t, source, clockwork.NewFakeClock())

			require.Equal(t, tc.want, bp.Delay("links.run.queue"))
		})
	}
}

func TestNetsim_Backpressure_MetricsFailureAssumesWorst(t *testing.T) {
	t.Parallel()

	source := &mockMetricsSource{
		metricsFunc: func(string) (QueueMetrics, error) {
			return QueueMetrics{}, errors.New("queue not found")
		},
	}
	bp := newTestBackpressure(t, source, clockwork.NewFakeClock())

	require.Equal(t, 30*time.Second, bp.Delay("links.run.queue"))
}

func TestNetsim_Backpressure_MetricsCache(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	source := &mockMetricsSource{
		metricsFunc: func(string) (QueueMetrics, error) {
			return QueueMetrics{Messages: 1, Consumers: 1}, nil
		},
	}
	bp := newTestBackpressure(t, source, clock)

	bp.Delay("links.run.queue")
	bp.Delay("links.run.queue")
	require.Equal(t, 1, source.calls)

	// Different queues are cached independently.
	bp.Delay("simulation.new.queue")
	require.Equal(t, 2, source.calls)

	// TTL expiry forces a refetch.
	clock.Advance(6 * time.Second)
	bp.Delay("links.run.queue")
	require.Equal(t, 3, source.calls)
}

func TestNetsim_Backpressure_WaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	source := &mockMetricsSource{
		metricsFunc: func(string) (QueueMetrics, error) {
			return QueueMetrics{Messages: 0, Consumers: 1}, nil
		},
	}
	bp := newTestBackpressure(t, source, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- bp.Wait(ctx, "links.run.queue")
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestNetsim_Backpressure_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewBackpressure(BackpressureConfig{
		Logger:              netsimtesting.NewLogger(),
		Source:              &mockMetricsSource{},
		HighLoadThreshold:   100,
		MediumLoadThreshold: 200,
		BaseDelay:           time.Second,
		MaxDelay:            time.Second,
	})
	require.Error(t, err)

	_, err = NewBackpressure(BackpressureConfig{
		Logger:              netsimtesting.NewLogger(),
		HighLoadThreshold:   500,
		MediumLoadThreshold: 250,
		BaseDelay:           time.Second,
		MaxDelay:            time.Second,
	})
	require.Error(t, err)
}
