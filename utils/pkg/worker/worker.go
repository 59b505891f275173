package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Name identifies the loop in logs.
	Name string
	// RestartDelay is the pause after a failed iteration before the loop
	// runs again.
	RestartDelay time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Name == "" {
		return errors.New("name is required")
	}
	if cfg.RestartDelay <= 0 {
		return errors.New("restart delay must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Runner supervises a long-running loop body. A body error is logged and the
// body is restarted after RestartDelay; only context cancellation stops the
// loop.
type Runner struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// Run invokes fn until ctx is cancelled. fn returning nil is treated the
// same as an error: the loop body is expected to block, so a clean return
// also restarts after RestartDelay.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			r.log.Info("worker stopped", "worker", r.cfg.Name)
			return ctx.Err()
		}
		if err != nil {
			r.log.Error("worker iteration failed, restarting",
				"worker", r.cfg.Name, "error", err, "restart_delay", r.cfg.RestartDelay)
		}

		select {
		case <-ctx.Done():
			r.log.Info("worker stopped", "worker", r.cfg.Name)
			return ctx.Err()
		case <-r.clock.After(r.cfg.RestartDelay):
		}
	}
}
