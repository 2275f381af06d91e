package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/delivery-dispatch/internal/eta"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/queue"
	"github.com/example/delivery-dispatch/internal/storage"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type published struct {
	event   string
	rooms   []string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) Publish(_ context.Context, event string, payload any, rooms ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{event: event, rooms: rooms, payload: payload})
	return nil
}

func (f *fakePublisher) PublishExcept(ctx context.Context, _ string, event string, payload any, rooms ...string) error {
	return f.Publish(ctx, event, payload, rooms...)
}

func (f *fakePublisher) byEvent(event string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.events {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type failingGeo struct{ geo.Index }

func (failingGeo) FindNearby(context.Context, models.Coord, float64, int) ([]geo.Candidate, error) {
	return nil, errors.New("geo index unavailable")
}

type fixture struct {
	store *storage.MemoryStore
	index *geo.GridIndex
	pub   *fakePublisher
	jobs  *queue.MemoryStore
	q     *queue.Queue
	w     *Worker
	acc   *Acceptor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		index: geo.NewIndex(),
		pub:   &fakePublisher{},
		jobs:  queue.NewMemoryStore(),
	}
	f.q = queue.New(f.jobs, discardLogger())
	f.w = &Worker{
		Orders:       f.store,
		Geo:          f.index,
		Notify:       f.pub,
		Jobs:         f.q,
		ETA:          eta.Straight{SpeedMPS: 8},
		RadiusMeters: 5000,
		Limit:        5,
		Logger:       discardLogger(),
	}
	f.acc = &Acceptor{
		Orders: f.store,
		Riders: f.store,
		Geo:    f.index,
		Notify: f.pub,
		Jobs:   f.q,
		Logger: discardLogger(),
	}
	return f
}

var o1Point = models.Coord{Lat: 6.45, Lon: 3.40}

func (f *fixture) rider(t *testing.T, id string, loc models.Coord, online, busy bool) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.SaveRider(ctx, &models.Rider{ID: id, Name: id, Location: loc, IsOnline: online, IsBusy: busy}); err != nil {
		t.Fatalf("save rider: %v", err)
	}
	if err := f.index.UpsertLocation(ctx, id, loc); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := f.index.SetAvailability(ctx, id, online, busy); err != nil {
		t.Fatalf("availability: %v", err)
	}
}

func (f *fixture) order(t *testing.T, id string, status models.DeliveryStatus) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:          id,
		CompanyIDs:  []string{"company-1", "company-2"},
		BranchIDs:   []string{"branch-1"},
		Coordinates: o1Point,
		DeliveryFee: 1500,
		Delivery:    models.Delivery{Status: status},
	}
	if err := f.store.SaveOrder(context.Background(), o); err != nil {
		t.Fatalf("save order: %v", err)
	}
	return o
}

func (f *fixture) enqueue(t *testing.T, orderID string) *models.DispatchJob {
	t.Helper()
	j, _, err := f.q.Enqueue(context.Background(), orderID, o1Point)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return j
}

// dispatched runs one search for the order and finishes its job the way the
// pool would.
func (f *fixture) dispatched(t *testing.T, orderID string) *models.DispatchJob {
	t.Helper()
	return f.finish(t, f.enqueue(t, orderID))
}

func (f *fixture) finish(t *testing.T, j *models.DispatchJob) *models.DispatchJob {
	t.Helper()
	ctx := context.Background()
	outcome, err := f.w.Handle(ctx, j)
	if err != nil {
		t.Fatalf("handle %s: %v", j.OrderID, err)
	}
	stored, err := f.jobs.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	now := time.Now().UTC()
	stored.Status = outcome
	stored.FinishedAt = &now
	if err := f.jobs.Update(ctx, stored); err != nil {
		t.Fatalf("finish job: %v", err)
	}
	return stored
}

func (f *fixture) status(t *testing.T, orderID string) models.Delivery {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o.Delivery
}

func north(m float64) models.Coord {
	return models.Coord{Lat: o1Point.Lat + m/111195, Lon: o1Point.Lon}
}

func TestNotifiesNearbyRidersNearestFirst(t *testing.T) {
	f := newFixture(t)
	f.rider(t, "r-far", north(2000), true, false)
	f.rider(t, "r-near", north(300), true, false)
	f.rider(t, "r-mid", north(1200), true, false)
	f.rider(t, "r-busy", north(100), true, true)
	f.rider(t, "r-offline", north(150), false, false)
	f.rider(t, "r-out", north(9000), true, false)
	f.order(t, "O1", models.DeliveryUnassigned)
	j := f.enqueue(t, "O1")

	outcome, err := f.w.Handle(context.Background(), j)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != models.JobMatched {
		t.Fatalf("expected matched, got %s", outcome)
	}

	offers := f.pub.byEvent(models.EventNewOrder)
	want := []string{"r-near", "r-mid", "r-far"}
	if len(offers) != len(want) {
		t.Fatalf("expected %d offers, got %d", len(want), len(offers))
	}
	for i, p := range offers {
		if len(p.rooms) != 1 || p.rooms[0] != want[i] {
			t.Fatalf("offer %d went to %v, want %s", i, p.rooms, want[i])
		}
		payload := p.payload.(models.NewOrderPayload)
		if payload.OrderID != "O1" || payload.Coordinates != o1Point {
			t.Fatalf("unexpected payload %+v", payload)
		}
		if payload.ETASeconds <= 0 {
			t.Fatalf("expected an eta on the offer")
		}
	}
	if d := f.status(t, "O1"); d.Status != models.DeliveryPendingMatch || d.RiderID != "" {
		t.Fatalf("expected Pending Match without rider, got %+v", d)
	}
	if len(j.Candidates) != 3 {
		t.Fatalf("candidates not recorded: %v", j.Candidates)
	}
}

func TestFallbackWhenNoRiders(t *testing.T) {
	f := newFixture(t)
	f.rider(t, "r-out", north(8000), true, false)
	f.order(t, "O2", models.DeliveryUnassigned)
	j := f.enqueue(t, "O2")

	outcome, err := f.w.Handle(context.Background(), j)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != models.JobUnmatched {
		t.Fatalf("expected unmatched, got %s", outcome)
	}
	d := f.status(t, "O2")
	if d.Status != models.DeliveryRiderNotFound || d.AssignmentType != models.AssignmentManual {
		t.Fatalf("unexpected delivery %+v", d)
	}

	admin := f.pub.byEvent(models.EventAdminAlert)
	if len(admin) != 1 || admin[0].rooms[0] != models.AdminRoom {
		t.Fatalf("expected one admin alert, got %+v", admin)
	}
	vendor := f.pub.byEvent(models.EventVendorAlert)
	if len(vendor) != 3 {
		t.Fatalf("expected 3 vendor alerts, got %d", len(vendor))
	}
	types := map[string]string{}
	for _, v := range vendor {
		types[v.rooms[0]] = v.payload.(models.VendorAlertPayload).Type
	}
	if types["company-1"] != models.VendorCompany || types["company-2"] != models.VendorCompany || types["branch-1"] != models.VendorBranch {
		t.Fatalf("unexpected vendor alert targets %v", types)
	}
	if len(f.pub.byEvent(models.EventNewOrder)) != 0 {
		t.Fatalf("no rider should be offered the order")
	}
}

func TestRerunDoesNotNotifyTwice(t *testing.T) {
	f := newFixture(t)
	f.rider(t, "r1", north(500), true, false)
	f.order(t, "O1", models.DeliveryUnassigned)
	j := f.enqueue(t, "O1")

	if _, err := f.w.Handle(context.Background(), j); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := f.pub.count()

	stored, err := f.jobs.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	outcome, err := f.w.Handle(context.Background(), stored)
	if err != nil || outcome != models.JobMatched {
		t.Fatalf("rerun: %s %v", outcome, err)
	}
	if f.pub.count() != before {
		t.Fatalf("rerun published %d extra events", f.pub.count()-before)
	}
}

func TestSettledOrderIsNoop(t *testing.T) {
	cases := map[models.DeliveryStatus]models.JobStatus{
		models.DeliveryRiderAssigned: models.JobMatched,
		models.DeliveryInTransit:     models.JobMatched,
		models.DeliveryDelivered:     models.JobMatched,
		models.DeliveryRiderNotFound: models.JobUnmatched,
	}
	for status, want := range cases {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.rider(t, "r1", north(500), true, false)
			f.order(t, "O9", status)
			j := f.enqueue(t, "O9")
			got, err := f.w.Handle(context.Background(), j)
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
			if f.pub.count() != 0 {
				t.Fatalf("settled order must not publish")
			}
			if f.status(t, "O9").Status != status {
				t.Fatalf("status must not change")
			}
		})
	}
}

func TestGeoFailureRetriesThenFallsBack(t *testing.T) {
	f := newFixture(t)
	f.w.Geo = failingGeo{f.index}
	f.order(t, "O7", models.DeliveryUnassigned)

	pool := queue.NewPool(f.jobs, f.w, discardLogger(),
		queue.WithMaxAttempts(3),
		queue.WithPollInterval(5*time.Millisecond),
		queue.WithBackoff(queue.Exponential{Initial: time.Millisecond, Max: 2 * time.Millisecond}),
	)
	f.q.OnEnqueue(pool.Wake)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	j := f.enqueue(t, "O7")
	deadline := time.Now().Add(3 * time.Second)
	var final *models.DispatchJob
	for time.Now().Before(deadline) {
		got, err := f.jobs.Get(context.Background(), j.ID)
		if err == nil && got.Status.Terminal() {
			final = got
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if final == nil {
		t.Fatal("job never finished")
	}
	if final.Status != models.JobFailed || final.Attempts != 3 {
		t.Fatalf("expected failed after 3 attempts, got %s/%d", final.Status, final.Attempts)
	}
	d := f.status(t, "O7")
	if d.Status != models.DeliveryRiderNotFound || d.AssignmentType != models.AssignmentManual {
		t.Fatalf("fallback did not run: %+v", d)
	}
	if len(f.pub.byEvent(models.EventAdminAlert)) != 1 {
		t.Fatalf("expected admin alert after exhaustion")
	}
}
