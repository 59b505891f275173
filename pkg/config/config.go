package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Broker naming. Exchanges are direct and durable; every queue has a paired
// dead-letter queue under the <exchange>.dlx exchange.
const (
	SimulationExchange = "simulation.exchange"
	LinksExchange      = "links.exchange"

	NewSimulationsQueue       = "simulation.new.queue"
	SimulationsUpdateQueue    = "simulation.update.queue"
	SimulationsCompletedQueue = "simulation.completed.queue"
	SimulationsPausedQueue    = "simulation.paused.queue"
	SimulationsResumeQueue    = "simulation.resume.queue"
	SimulationsStopQueue      = "simulation.stop.queue"
	RunLinksQueue             = "links.run.queue"

	DLXSuffix = ".dlx"

	TopologiesCollection  = "topologies"
	SimulationsCollection = "simulations"
	EventsCollection      = "events"
)

// Config is the process-wide configuration, read once at startup and passed
// explicitly into each component constructor.
type Config struct {
	MongoDBURI  string
	MongoDBName string
	RabbitMQURL string

	ListenAddr  string
	MetricsAddr string
	LogLevel    string

	PrefetchCount int
	QueueTTL      time.Duration
	DLXTTL        time.Duration

	InitialDelay   time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	MessageTimeout time.Duration

	MaxSimulationsInParallelProducer      int
	MaxLinksInParallelProducer            int
	SimulationsConsumerMaxConcurrentTasks int
	LinksConsumerMaxConcurrentTasks       int
	PageSize                              int

	HighLoadThreshold     int
	MediumLoadThreshold   int
	BackpressureBaseDelay time.Duration
	BackpressureMaxDelay  time.Duration
	MetricsCacheTTL       time.Duration
}

// Load reads configuration from the environment, after loading a local .env
// file when one exists. Missing required variables are fatal.
func Load() (Config, error) {
	// A missing .env file is fine; env vars may come from the deployment.
	_ = godotenv.Load()

	cfg := Config{
		MongoDBURI:  os.Getenv("MONGODB_URI"),
		MongoDBName: os.Getenv("MONGODB_DB"),
		RabbitMQURL: os.Getenv("RABBITMQ_URL"),

		ListenAddr:  fmt.Sprintf(":%d", envInt("PORT", 8000)),
		MetricsAddr: envString("METRICS_ADDR", ""),
		LogLevel:    envString("LOG_LEVEL", "info"),

		PrefetchCount: envInt("PREFETCH_COUNT", 100),
		QueueTTL:      envMillis("QUEUE_TTL", 600000),
		DLXTTL:        envMillis("DLX_TTL", 86400000),

		InitialDelay:   envSeconds("INITIAL_DELAY", 2),
		MaxRetries:     envInt("MAX_RETRIES", 3),
		RetryDelay:     envSeconds("RETRY_DELAY", 5),
		MessageTimeout: envSeconds("MESSAGE_TIMEOUT", 600),

		MaxSimulationsInParallelProducer:      envInt("MAX_SIMULATIONS_IN_PARALLEL_PRODUCER", 10),
		MaxLinksInParallelProducer:            envInt("MAX_LINKS_IN_PARALLEL_PRODUCER", 100),
		SimulationsConsumerMaxConcurrentTasks: envInt("SIMULATIONS_CONSUMER_MAX_CONCURRENT_TASKS", 10),
		LinksConsumerMaxConcurrentTasks:       envInt("LINKS_CONSUMER_MAX_CONCURRENT_TASKS", 100),
		PageSize:                              envInt("PAGE_SIZE", 200),

		HighLoadThreshold:     envInt("HIGH_LOAD_THRESHOLD", 500),
		MediumLoadThreshold:   envInt("MEDIUM_LOAD_THRESHOLD", 250),
		BackpressureBaseDelay: envSeconds("BACKPRESSURE_BASE_DELAY", 2),
		BackpressureMaxDelay:  envSeconds("BACKPRESSURE_MAX_DELAY", 30),
		MetricsCacheTTL:       envSeconds("METRICS_CACHE_TTL", 5),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.MongoDBURI == "" {
		return errors.New("MONGODB_URI is required")
	}
	if cfg.MongoDBName == "" {
		return errors.New("MONGODB_DB is required")
	}
	if cfg.RabbitMQURL == "" {
		return errors.New("RABBITMQ_URL is required")
	}
	if cfg.PrefetchCount <= 0 {
		return errors.New("PREFETCH_COUNT must be positive")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("MAX_RETRIES must be non-negative")
	}
	if cfg.RetryDelay <= 0 {
		return errors.New("RETRY_DELAY must be positive")
	}
	if cfg.MessageTimeout <= 0 {
		return errors.New("MESSAGE_TIMEOUT must be positive")
	}
	if cfg.MediumLoadThreshold <= 0 || cfg.HighLoadThreshold <= cfg.MediumLoadThreshold {
		return errors.New("load thresholds must satisfy 0 < medium < high")
	}
	if cfg.BackpressureBaseDelay <= 0 || cfg.BackpressureMaxDelay < cfg.BackpressureBaseDelay {
		return errors.New("backpressure delays must satisfy 0 < base <= max")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
