package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/pkg/sim"
)

// SimulationService is the business-logic surface the HTTP layer exposes.
// Satisfied by *sim.Service.
type SimulationService interface {
	Create(ctx context.Context, requests []sim.CreateRequest) ([]string, error)
	Pause(ctx context.Context, simID string) (*models.Simulation, error)
	Resume(ctx context.Context, simID string) (*models.Simulation, error)
	Stop(ctx context.Context, simID string) (*models.Simulation, error)
	Restart(ctx context.Context, simID string) (*models.Simulation, error)
	Edit(ctx context.Context, simID string, cfg models.Config) (*models.Simulation, error)
	GetByID(ctx context.Context, simID string) (*models.Simulation, error)
	Status(ctx context.Context, simID string) (models.SimulationStatus, error)
	List(ctx context.Context, page models.CursorPaginationRequest) (*models.CursorPaginationResponse[models.Simulation], error)
}

// StorePinger reports store connectivity for the readiness probe.
// Satisfied by mongodb.Client.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// BrokerProbe reports broker connectivity for the readiness probe.
// Satisfied by broker.Client.
type BrokerProbe interface {
	IsClosed() bool
}

type Config struct {
	Logger      *slog.Logger
	Simulations SimulationService
	Store       StorePinger
	Broker      BrokerProbe

	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Simulations == nil {
		return errors.New("simulation service is required")
	}
	if cfg.Store == nil {
		return errors.New("store pinger is required")
	}
	if cfg.Broker == nil {
		return errors.New("broker probe is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return nil
}
