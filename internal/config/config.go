package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"

	BackplaneLocal = "local"
	BackplaneRedis = "redis"
	BackplaneAMQP  = "amqp"
)

// StoreConfig selects the order/rider store backend.
type StoreConfig struct {
	Backend       string
	PGDSN         string
	RunMigrations bool
	MongoURI      string
	MongoDB       string
}

// DispatchConfig tunes the rider search and the job pool.
type DispatchConfig struct {
	RadiusMeters     float64
	Limit            int
	Concurrency      int
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	JobTimeout       time.Duration
	PollInterval     time.Duration
	StaleAfter       time.Duration
	RequireCandidate bool
}

// ServerConfig captures all tunable parameters for the API process.
// Values are loaded from environment variables with defaults so the binary
// runs locally with nothing but an in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	Store StoreConfig

	Backplane    string
	AMQPURL      string
	AMQPExchange string

	JWTSecret string

	Dispatch DispatchConfig

	TrackingPersistRate float64
	TrackingShards      int

	DeliverySpeedMPS float64
	OSRMEndpoint     string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "riders_geo",
		KafkaTopic:      "rider-heartbeats",
		Store:           StoreConfig{Backend: BackendMemory, MongoDB: "delivery"},
		Backplane:       BackplaneLocal,
		AMQPExchange:    "dispatch.fanout",
		Dispatch: DispatchConfig{
			RadiusMeters:   5000,
			Limit:          5,
			Concurrency:    8,
			MaxAttempts:    5,
			BackoffInitial: time.Second,
			BackoffMax:     30 * time.Second,
			JobTimeout:     10 * time.Second,
			PollInterval:   250 * time.Millisecond,
			StaleAfter:     time.Minute,
		},
		TrackingShards:   4,
		DeliverySpeedMPS: 8,
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	loadStore(&cfg.Store, &errs)

	setStringFromEnv(&cfg.Backplane, "BACKPLANE")
	cfg.Backplane = strings.ToLower(cfg.Backplane)
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	d := &cfg.Dispatch
	setFloatFromEnv(&d.RadiusMeters, "DISPATCH_RADIUS_M", &errs)
	setIntFromEnv(&d.Limit, "DISPATCH_LIMIT", &errs)
	setIntFromEnv(&d.Concurrency, "DISPATCH_CONCURRENCY", &errs)
	setIntFromEnv(&d.MaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&d.BackoffInitial, "DISPATCH_BACKOFF_INITIAL", &errs)
	setDurationFromEnv(&d.BackoffMax, "DISPATCH_BACKOFF_MAX", &errs)
	setDurationFromEnv(&d.JobTimeout, "DISPATCH_JOB_TIMEOUT", &errs)
	setDurationFromEnv(&d.PollInterval, "DISPATCH_POLL_INTERVAL", &errs)
	setDurationFromEnv(&d.StaleAfter, "DISPATCH_STALE_AFTER", &errs)
	d.RequireCandidate = strings.EqualFold(os.Getenv("DISPATCH_REQUIRE_CANDIDATE"), "true")

	setFloatFromEnv(&cfg.TrackingPersistRate, "TRACKING_PERSIST_RATE", &errs)
	setIntFromEnv(&cfg.TrackingShards, "TRACKING_SHARDS", &errs)

	setFloatFromEnv(&cfg.DeliverySpeedMPS, "DELIVERY_SPEED_MPS", &errs)
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if d.RadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_M must be > 0"))
	}
	if d.Limit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_LIMIT must be > 0"))
	}
	if d.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CONCURRENCY must be > 0"))
	}
	if d.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.TrackingShards <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_SHARDS must be > 0"))
	}
	if cfg.TrackingPersistRate < 0 {
		errs = append(errs, fmt.Errorf("TRACKING_PERSIST_RATE must be >= 0"))
	}
	switch cfg.Backplane {
	case BackplaneLocal:
	case BackplaneRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("BACKPLANE=redis requires REDIS_ADDR"))
		}
	case BackplaneAMQP:
		if cfg.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("BACKPLANE=amqp requires AMQP_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BACKPLANE %q", cfg.Backplane))
	}
	errs = append(errs, cfg.Store.validate(true)...)

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the heartbeat consumer process.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	Store StoreConfig

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "rider-heartbeats",
		KafkaGroup:   "delivery-dispatch-heartbeats",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "riders_geo",
		Store:        StoreConfig{Backend: BackendPostgres, MongoDB: "delivery"},
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	loadStore(&cfg.Store, &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	errs = append(errs, cfg.Store.validate(false)...)
	return cfg, errors.Join(errs...)
}

func loadStore(s *StoreConfig, errs *[]error) {
	setStringFromEnv(&s.Backend, "STORE_BACKEND")
	s.Backend = strings.ToLower(s.Backend)
	s.PGDSN = os.Getenv("PG_DSN")
	s.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	s.MongoURI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	setStringFromEnv(&s.MongoDB, "MONGO_DB")
}

// validate checks the backend choice. The consumer runs in its own process,
// so an in-memory store would be invisible to the API.
func (s StoreConfig) validate(allowMemory bool) []error {
	var errs []error
	switch s.Backend {
	case BackendMemory:
		if !allowMemory {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=memory is not shared across processes"))
		}
	case BackendPostgres:
		if s.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	case BackendMongo:
		if s.MongoURI == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=mongo requires MONGO_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", s.Backend))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
