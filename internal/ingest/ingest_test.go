package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/storage"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeApplier fails the first n calls with a transient error.
type fakeApplier struct {
	mu      sync.Mutex
	failN   int
	err     error
	calls   int
	applied []models.Heartbeat
}

func (f *fakeApplier) Apply(_ context.Context, hb models.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		if f.err != nil {
			return f.err
		}
		return errors.New("store unavailable")
	}
	f.applied = append(f.applied, hb)
	return nil
}

var hb = models.Heartbeat{RiderID: "r1", Loc: models.Coord{Lat: 6.45, Lon: 3.4}, Online: true}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{failN: 2}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, hb, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failN: 5}
	if err := applyWithRetry(context.Background(), f, hb, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestApplyWithRetry_PermanentNotRetried(t *testing.T) {
	f := &fakeApplier{failN: 5, err: storage.ErrNotFound}
	if err := applyWithRetry(context.Background(), f, hb, 3, time.Millisecond); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", f.calls)
	}
}

func TestPresenceApplierKeepsBusy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	index := geo.NewIndex()
	store.SaveRider(ctx, &models.Rider{ID: "r1", IsOnline: true})
	store.SaveRider(ctx, &models.Rider{ID: "r2", IsOnline: true, IsBusy: true})
	a := &PresenceApplier{Riders: store, Geo: index, Logger: discardLogger()}

	for _, id := range []string{"r1", "r2"} {
		h := hb
		h.RiderID = id
		if err := a.Apply(ctx, h); err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
	}
	r2, _ := store.GetRider(ctx, "r2")
	if !r2.IsBusy {
		t.Fatalf("heartbeat must not clear isBusy")
	}
	near, err := index.FindNearby(ctx, hb.Loc, 100, 5)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(near) != 1 || near[0].RiderID != "r1" {
		t.Fatalf("expected only the idle rider, got %+v", near)
	}

	off := hb
	off.Online = false
	if err := a.Apply(ctx, off); err != nil {
		t.Fatalf("apply offline: %v", err)
	}
	if near, _ := index.FindNearby(ctx, hb.Loc, 100, 5); len(near) != 0 {
		t.Fatalf("offline rider still eligible: %+v", near)
	}

	if err := a.Apply(ctx, models.Heartbeat{RiderID: "", Loc: hb.Loc}); !errors.Is(err, ErrInvalidHeartbeat) {
		t.Fatalf("expected ErrInvalidHeartbeat, got %v", err)
	}
	if err := a.Apply(ctx, models.Heartbeat{RiderID: "ghost", Loc: hb.Loc}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected unknown rider to be rejected, got %v", err)
	}
}

// racingGeo lets an acceptance land between the applier reading isBusy and
// writing availability to the index.
type racingGeo struct {
	geo.Index
	store *storage.MemoryStore
	once  sync.Once
}

func (g *racingGeo) SetAvailability(ctx context.Context, riderID string, online, busy bool) error {
	g.once.Do(func() {
		_ = g.store.SetBusy(ctx, riderID, false, true)
		_ = g.Index.SetAvailability(ctx, riderID, true, true)
	})
	return g.Index.SetAvailability(ctx, riderID, online, busy)
}

func TestPresenceApplierDoesNotRestoreStaleBusy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	index := geo.NewIndex()
	store.SaveRider(ctx, &models.Rider{ID: "r1", IsOnline: true})
	a := &PresenceApplier{Riders: store, Geo: &racingGeo{Index: index, store: store}, Logger: discardLogger()}

	if err := a.Apply(ctx, hb); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if near, _ := index.FindNearby(ctx, hb.Loc, 100, 5); len(near) != 0 {
		t.Fatalf("rider assigned during the heartbeat is still eligible: %+v", near)
	}
}

type fakeReader struct {
	msgs chan kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) Close() error { return nil }

func TestConsumerAppliesMessages(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 3)}
	good, _ := json.Marshal(hb)
	r.msgs <- kafka.Message{Value: []byte("not json")}
	r.msgs <- kafka.Message{Key: []byte("r1"), Value: good}

	f := &fakeApplier{}
	c := NewHeartbeatConsumer(r, f, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.applied)
		f.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.applied[0].RiderID != "r1" {
		t.Fatalf("unexpected heartbeat %+v", f.applied[0])
	}
}
