package storage

import (
	"context"
	"testing"

	"github.com/example/delivery-dispatch/internal/config"
)

func TestOpenMemoryBackend(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Backend: config.BackendMemory})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", s)
	}
	if err := Ping(context.Background(), s); err != nil {
		t.Fatalf("memory store ping: %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), config.StoreConfig{Backend: "cassandra"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
