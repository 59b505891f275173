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

const defaultMetricsAddr = "0.0.0.0:9091"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the links worker: the link consumer plus the links producer.
func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", "", "prometheus metrics address (overrides METRICS_ADDR)")
	flag.Parse()

	log := logger.New(*verboseFlag)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *metricsAddrFlag != "" {
		cfg.MetricsAddr = *metricsAddrFlag
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = defaultMetricsAddr
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := mongodb.NewClient(ctx, log, cfg.MongoDBURI, cfg.MongoDBName)
	if err != nil {
		return fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	defer func() {
		if err := db.Close(context.Background()); err != nil {
			log.Warn("failed to close mongodb client", "error", err)
		}
	}()

	simulations, err := store.NewSimulationStore(store.SimulationStoreConfig{Logger: log, DB: db})
	if err != nil {
		return err
	}
	events, err := store.NewEventStore(store.EventStoreConfig{Logger: log, DB: db})
	if err != nil {
		return err
	}
	linkEvents := store.Typed[models.Link](events)

	brokerClient, err := broker.NewClient(ctx, broker.ClientConfig{Logger: log, URL: cfg.RabbitMQURL})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer func() {
		if err := brokerClient.Close(); err != nil {
			log.Warn("failed to close broker client", "error", err)
		}
	}()

	manager, err := broker.NewManager(broker.ManagerConfig{
		Logger:        log,
		Client:        brokerClient,
		QueueTTL:      cfg.QueueTTL.Milliseconds(),
		DLXTTL:        cfg.DLXTTL.Milliseconds(),
		PrefetchCount: cfg.PrefetchCount,
	})
	if err != nil {
		return err
	}
	if err := manager.EnsureTopology(); err != nil {
		return fmt.Errorf("failed to ensure broker topology: %w", err)
	}

	publisher, err := broker.NewPublisher(broker.PublisherConfig{Logger: log, Client: brokerClient})
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("failed to close publisher", "error", err)
		}
	}()

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
		return err
	}

	links, err := outbox.NewLinksProducer(outbox.LinksProducerConfig{
		Logger:       log,
		Events:       linkEvents,
		Simulations:  simulations,
		Publisher:    publisher,
		Backpressure: backpressure,
		BatchSize:    int64(cfg.PageSize),
		MaxInFlight:  int64(cfg.MaxLinksInParallelProducer),
		IdleDelay:    cfg.InitialDelay,
	})
	if err != nil {
		return err
	}

	linkHandler, err := consumer.NewLinkHandler(consumer.LinkHandlerConfig{
		Logger:      log,
		DB:          db,
		Simulations: simulations,
		LinkEvents:  linkEvents,
		Events:      events,
	})
	if err != nil {
		return err
	}
	linkConsumer, err := consumer.New(consumer.Config{
		Logger:         log,
		Channels:       manager,
		Publisher:      publisher,
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

	g, ctx := errgroup.WithContext(ctx)
	serveMetrics(log, cfg.MetricsAddr)

	if err := supervise(ctx, g, log, cfg, "producer-links", links.Run); err != nil {
		return err
	}
	if err := supervise(ctx, g, log, cfg, "consumer-"+config.RunLinksQueue, linkConsumer.Run); err != nil {
		return err
	}

	log.Info("links worker started", "version", version)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

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
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if err := http.Serve(listener, mux); err != nil {
			log.Error("prometheus metrics server stopped", "error", err)
		}
	}()
}
