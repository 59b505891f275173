package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netsimlabs/netsim/pkg/broker"
	"github.com/netsimlabs/netsim/pkg/config"
	"github.com/netsimlabs/netsim/pkg/consumer"
	"github.com/netsimlabs/netsim/pkg/metrics"
	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/pkg/mongodb"
	"github.com/netsimlabs/netsim/pkg/outbox"
	"github.com/netsimlabs/netsim/pkg/server"
	"github.com/netsimlabs/netsim/pkg/sim"
	"github.com/netsimlabs/netsim/pkg/store"
	"github.com/netsimlabs/netsim/utils/pkg/logger"
	"github.com/netsimlabs/netsim/utils/pkg/worker"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the all-in-one orchestrator: HTTP API, outbox producers, and
// queue consumers in a single process.
func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", "", "HTTP listen address (overrides PORT)")
	metricsAddrFlag := flag.String("metrics-addr", "", "separate prometheus metrics address (overrides METRICS_ADDR; empty serves /metrics on the API address)")
	flag.Parse()

	log := logger.New(*verboseFlag)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *listenAddrFlag != "" {
		cfg.ListenAddr = *listenAddrFlag
	}
	if *metricsAddrFlag != "" {
		cfg.MetricsAddr = *metricsAddrFlag
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps, err := bootstrap(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer deps.close(log)

	service, err := sim.NewService(sim.ServiceConfig{
		Logger:      log,
		DB:          deps.db,
		Simulations: deps.simulations,
		Topologies:  deps.topologies,
		Events:      deps.simEvents,
	})
	if err != nil {
		return err
	}

	httpSrv, err := server.New(server.Config{
		Logger:      log,
		Simulations: service,
		Store:       deps.db,
		Broker:      deps.broker,
		ListenAddr:  cfg.ListenAddr,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(ctx) })

	if cfg.MetricsAddr != "" {
		serveMetrics(log, cfg.MetricsAddr)
	}

	if err := startProducers(ctx, g, log, cfg, deps); err != nil {
		return err
	}
	if err := startConsumers(ctx, g, log, cfg, deps); err != nil {
		return err
	}

	log.Info("orchestrator started", "address", cfg.ListenAddr, "version", version)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// deps bundles the shared infrastructure every component hangs off.
type deps struct {
	db           mongodb.Client
	broker       broker.Client
	manager      *broker.Manager
	publisher    *broker.Publisher
	backpressure *broker.Backpressure

	simulations *store.SimulationStore
	topologies  *store.TopologyStore
	events      *store.EventStore
	simEvents   *store.TypedEventStore[models.Simulation]
	linkEvents  *store.TypedEventStore[models.Link]
}

func bootstrap(ctx context.Context, log *slog.Logger, cfg config.Config) (*deps, error) {
	db, err := mongodb.NewClient(ctx, log, cfg.MongoDBURI, cfg.MongoDBName)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	simulations, err := store.NewSimulationStore(store.SimulationStoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, err
	}
	topologies, err := store.NewTopologyStore(store.TopologyStoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, err
	}
	events, err := store.NewEventStore(store.EventStoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, err
	}
	if err := events.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure event indexes: %w", err)
	}
	if err := simulations.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure simulation indexes: %w", err)
	}
	if err := topologies.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure topology indexes: %w", err)
	}

	brokerClient, err := broker.NewClient(ctx, broker.ClientConfig{Logger: log, URL: cfg.RabbitMQURL})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	manager, err := broker.NewManager(broker.ManagerConfig{
		Logger:        log,
		Client:        brokerClient,
		QueueTTL:      cfg.QueueTTL.Milliseconds(),
		DLXTTL:        cfg.DLXTTL.Milliseconds(),
		PrefetchCount: cfg.PrefetchCount,
	})
	if err != nil {
		return nil, err
	}
	if err := manager.EnsureTopology(); err != nil {
		return nil, fmt.Errorf("failed to ensure broker topology: %w", err)
	}

	publisher, err := broker.NewPublisher(broker.PublisherConfig{Logger: log, Client: brokerClient})
	if err != nil {
		return nil, err
	}

	backpressure, err := broker.NewBackpressure(broker.BackpressureConfig{
		Logger:              log,
		Source:              manager,
		HighLoadThreshold:   cfg.HighLoadThreshold,
		MediumLoadThreshold: cfg.MediumLoadThreshold,
		BaseDelay:           cfg.BackpressureBaseDelay,
		MaxDelay:            cfg.BackpressureMaxDelay,
		MetricsCacheTTL:     cfg.MetricsCacheTTL,
	})
	if err != nil {
		return nil, err
	}

	return &deps{
		db:           db,
		broker:       brokerClient,
		manager:      manager,
		publisher:    publisher,
		backpressure: backpressure,
		simulations:  simulations,
		topologies:   topologies,
		events:       events,
		simEvents:    store.Typed[models.Simulation](events),
		linkEvents:   store.Typed[models.Link](events),
	}, nil
}

func (d *deps) close(log *slog.Logger) {
	if err := d.publisher.Close(); err != nil {
		log.Warn("failed to close publisher", "error", err)
	}
	if err := d.broker.Close(); err != nil {
		log.Warn("failed to close broker client", "error", err)
	}
	if err := d.db.Close(context.Background()); err != nil {
		log.Warn("failed to close mongodb client", "error", err)
	}
}

// supervise runs fn under a restart-on-failure runner inside the group.
func supervise(ctx context.Context, g *errgroup.Group, log *slog.Logger, cfg config.Config, name string, fn func(ctx context.Context) error) error {
	runner, err := worker.New(worker.Config{
		Logger:       log,
		Name:         name,
		RestartDelay: cfg.InitialDelay,
	})
	if err != nil {
		return err
	}
	g.Go(func() error { return runner.Run(ctx, fn) })
	return nil
}

func startProducers(ctx context.Context, g *errgroup.Group, log *slog.Logger, cfg config.Config, deps *deps) error {
	created, err := outbox.NewCreatedSimulationsProducer(outbox.SimulationsProducerConfig{
		Logger:       log,
		Events:       deps.simEvents,
		Publisher:    deps.publisher,
		Backpressure: deps.backpressure,
		BatchSize:    int64(cfg.PageSize),
		MaxInFlight:  int64(cfg.MaxSimulationsInParallelProducer),
		IdleDelay:    cfg.InitialDelay,
	})
	if err != nil {
		return err
	}
	stopped, err := outbox.NewStoppedSimulationsProducer(outbox.SimulationsProducerConfig{
		Logger:       log,
		Events:       deps.simEvents,
		Publisher:    deps.publisher,
		Backpressure: deps.backpressure,
		BatchSize:    int64(cfg.PageSize),
		MaxInFlight:  int64(cfg.MaxSimulationsInParallelProducer),
		IdleDelay:    cfg.InitialDelay,
	})
	if err != nil {
		return err
	}
	links, err := outbox.NewLinksProducer(outbox.LinksProducerConfig{
		Logger:       log,
		Events:       deps.linkEvents,
		Simulations:  deps.simulations,
		Publisher:    deps.publisher,
		Backpressure: deps.backpressure,
		BatchSize:    int64(cfg.PageSize),
		MaxInFlight:  int64(cfg.MaxLinksInParallelProducer),
		IdleDelay:    cfg.InitialDelay,
	})
	if err != nil {
		return err
	}
	completion, err := outbox.NewCompletionProducer(outbox.CompletionProducerConfig{
		Logger:           log,
		DB:               deps.db,
		LinkEvents:       deps.linkEvents,
		SimulationEvents: deps.simEvents,
		Completions:      deps.events,
		Simulations:      deps.simulations,
		Publisher:        deps.publisher,
		Backpressure:     deps.backpressure,
		BatchSize:        int64(cfg.PageSize),
		IdleDelay:        cfg.InitialDelay,
	})
	if err != nil {
		return err
	}

	for name, fn := range map[string]func(ctx context.Context) error{
		"producer-simulations-created": created.Run,
		"producer-simulations-stopped": stopped.Run,
		"producer-links":               links.Run,
		"producer-completion":          completion.Run,
	} {
		if err := supervise(ctx, g, log, cfg, name, fn); err != nil {
			return err
		}
	}
	return nil
}

func startConsumers(ctx context.Context, g *errgroup.Group, log *slog.Logger, cfg config.Config, deps *deps) error {
	simHandler, err := consumer.NewSimulationHandler(consumer.SimulationHandlerConfig{
		Logger:      log,
		DB:          deps.db,
		Simulations: deps.simulations,
		LinkEvents:  deps.linkEvents,
		Events:      deps.events,
	})
	if err != nil {
		return err
	}
	linkHandler, err := consumer.NewLinkHandler(consumer.LinkHandlerConfig{
		Logger:      log,
		DB:          deps.db,
		Simulations: deps.simulations,
		LinkEvents:  deps.linkEvents,
		Events:      deps.events,
	})
	if err != nil {
		return err
	}

	simQueues := []string{
		config.NewSimulationsQueue,
		config.SimulationsUpdateQueue,
		config.SimulationsCompletedQueue,
		config.SimulationsStopQueue,
	}
	for _, queue := range simQueues {
		c, err := consumer.New(consumer.Config{
			Logger:         log,
			Channels:       deps.manager,
			Publisher:      deps.publisher,
			Queue:          queue,
			MaxConcurrent:  int64(cfg.SimulationsConsumerMaxConcurrentTasks),
			MessageTimeout: cfg.MessageTimeout,
			MaxRetries:     cfg.MaxRetries,
			RetryDelay:     cfg.RetryDelay,
			Handler:        simHandler.Handle,
		})
		if err != nil {
			return err
		}
		if err := supervise(ctx, g, log, cfg, "consumer-"+queue, c.Run); err != nil {
			return err
		}
	}

	linkConsumer, err := consumer.New(consumer.Config{
		Logger:         log,
		Channels:       deps.manager,
		Publisher:      deps.publisher,
		Queue:          config.RunLinksQueue,
		MaxConcurrent:  int64(cfg.LinksConsumerMaxConcurrentTasks),
		MessageTimeout: cfg.MessageTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		Handler:        linkHandler.Handle,
	})
	if err != nil {
		return err
	}
	return supervise(ctx, g, log, cfg, "consumer-"+config.RunLinksQueue, linkConsumer.Run)
}

// serveMetrics exposes /metrics on its own listener, the way the worker
// binaries do.
func serveMetrics(log *slog.Logger, addr string) {
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("failed to start prometheus metrics listener", "error", err)
			return
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, mux); err != nil {
			log.Error("prometheus metrics server stopped", "error", err)
		}
	}()
}
