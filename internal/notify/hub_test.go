package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeMember struct {
	id  string
	cap int

	mu     sync.Mutex
	frames [][]byte
}

func newMember(id string) *fakeMember { return &fakeMember{id: id, cap: 64} }

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Send(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frames) >= m.cap {
		return false
	}
	m.frames = append(m.frames, frame)
	return true
}

func (m *fakeMember) events(t *testing.T) []string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.frames))
	for _, b := range m.frames {
		var f frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, f.Event)
	}
	return out
}

func TestHubDeliversOncePerMember(t *testing.T) {
	hub := NewHub(discardLogger())
	vendor := newMember("c1")
	hub.Join(vendor, "company-1")
	hub.Join(vendor, "branch-1")

	n := hub.Deliver(Envelope{Event: "VENDOR_ALERT", Payload: json.RawMessage(`{}`), Rooms: []string{"company-1", "branch-1"}})
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if got := vendor.events(t); len(got) != 1 {
		t.Fatalf("expected single frame, got %v", got)
	}
}

func TestHubExceptSkipsSender(t *testing.T) {
	hub := NewHub(discardLogger())
	rider := newMember("rider-conn")
	customer := newMember("customer-conn")
	hub.Join(rider, "order-1")
	hub.Join(customer, "order-1")

	hub.Deliver(Envelope{Event: "location_updated", Payload: json.RawMessage(`{}`), Rooms: []string{"order-1"}, Except: rider.ID()})
	if len(rider.events(t)) != 0 {
		t.Fatalf("sender must not receive its own update")
	}
	if len(customer.events(t)) != 1 {
		t.Fatalf("customer should receive the update")
	}
}

func TestHubLeaveAndRemove(t *testing.T) {
	hub := NewHub(discardLogger())
	m := newMember("m")
	hub.Join(m, "a")
	hub.Join(m, "b")
	hub.Join(m, "c")

	hub.Leave(m.ID(), "a")
	if got := hub.Rooms(m.ID()); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("unexpected rooms after leave: %v", got)
	}
	hub.Remove(m.ID())
	if got := hub.Rooms(m.ID()); len(got) != 0 {
		t.Fatalf("expected no rooms after remove, got %v", got)
	}
	if hub.Size("b") != 0 {
		t.Fatalf("room b should be empty")
	}
	if n := hub.Deliver(Envelope{Event: "x", Payload: json.RawMessage(`{}`), Rooms: []string{"b", "c"}}); n != 0 {
		t.Fatalf("expected nothing delivered, got %d", n)
	}
}

func TestHubDropsForFullMember(t *testing.T) {
	hub := NewHub(discardLogger())
	slow := &fakeMember{id: "slow", cap: 1}
	fast := newMember("fast")
	hub.Join(slow, "r")
	hub.Join(fast, "r")

	for i := 0; i < 3; i++ {
		hub.Deliver(Envelope{Event: "tick", Payload: json.RawMessage(`{}`), Rooms: []string{"r"}})
	}
	if len(slow.events(t)) != 1 {
		t.Fatalf("slow member should keep only what fit")
	}
	if len(fast.events(t)) != 3 {
		t.Fatalf("fast member must not be held back by slow one")
	}
}

func TestFanoutPublishLocal(t *testing.T) {
	hub := NewHub(discardLogger())
	f := NewFanout(hub, nil, discardLogger())
	admin := newMember("admin")
	hub.Join(admin, "super_admins")

	if err := f.Publish(context.Background(), "ADMIN_ALERT", map[string]string{"message": "hi"}, "super_admins"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := admin.events(t); len(got) != 1 || got[0] != "ADMIN_ALERT" {
		t.Fatalf("unexpected frames %v", got)
	}
	if err := f.Publish(context.Background(), "NOOP", struct{}{}); err != nil {
		t.Fatalf("publish with no rooms: %v", err)
	}
}

func TestFanoutAcrossProcesses(t *testing.T) {
	bp := NewLocalBackplane()
	hubA, hubB := NewHub(discardLogger()), NewHub(discardLogger())
	fa := NewFanout(hubA, bp, discardLogger())
	fb := NewFanout(hubB, bp, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fa.Run(ctx)
	go fb.Run(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for bp.Subscribers() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("subscribers never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	onA, onB := newMember("a"), newMember("b")
	hubA.Join(onA, "rider-9")
	hubB.Join(onB, "rider-9")

	if err := fa.Publish(ctx, "NEW_ORDER", map[string]string{"orderId": "o1"}, "rider-9"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(onA.events(t)) != 1 {
		t.Fatalf("origin process should deliver exactly once, got %v", onA.events(t))
	}
	if len(onB.events(t)) != 1 {
		t.Fatalf("remote process should receive the event, got %v", onB.events(t))
	}
}
