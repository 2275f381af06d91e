package config

import (
	"strings"
	"testing"
	"time"
)

func TestServerDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.Dispatch.RadiusMeters != 5000 || cfg.Dispatch.Limit != 5 {
		t.Fatalf("unexpected search defaults %+v", cfg.Dispatch)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Backplane != BackplaneLocal {
		t.Fatalf("unexpected backends %s/%s", cfg.Store.Backend, cfg.Backplane)
	}
	if cfg.TrackingPersistRate != 0 || cfg.TrackingShards != 4 {
		t.Fatalf("unexpected tracking defaults")
	}
}

func TestServerOverrides(t *testing.T) {
	t.Setenv("DISPATCH_RADIUS_M", "2500")
	t.Setenv("DISPATCH_BACKOFF_INITIAL", "200ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("PG_DSN", "postgres://localhost/dispatch")
	t.Setenv("MIGRATE", "true")
	t.Setenv("BACKPLANE", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.RadiusMeters != 2500 || cfg.Dispatch.BackoffInitial != 200*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", cfg.Dispatch)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.Store.Backend != BackendPostgres || !cfg.Store.RunMigrations {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
}

func TestServerValidation(t *testing.T) {
	t.Setenv("DISPATCH_LIMIT", "0")
	t.Setenv("DISPATCH_JOB_TIMEOUT", "soon")
	t.Setenv("BACKPLANE", "amqp")
	t.Setenv("STORE_BACKEND", "mongo")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"DISPATCH_LIMIT", "DISPATCH_JOB_TIMEOUT", "AMQP_URL", "MONGO_URI"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestConsumerRejectsMemoryStore(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("consumer must not accept an in-memory store")
	}
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("PG_DSN", "postgres://localhost/dispatch")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KafkaGroup != "delivery-dispatch-heartbeats" {
		t.Fatalf("unexpected group %s", cfg.KafkaGroup)
	}
}
