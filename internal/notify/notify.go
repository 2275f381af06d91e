// Package notify delivers real-time events to rooms. A room is a named set
// of live connections (a rider id, company id, branch id, order id or the
// admin pool). Delivery is best effort: a connection that is offline or too
// slow misses the event.
//
// Every process keeps its own Hub of local connections. Fanout delivers an
// event to the local Hub and forwards it over a Backplane so that the same
// room on other processes receives it too.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/observability"
)

// Envelope is one published event as it travels between processes.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"data"`
	Rooms   []string        `json:"rooms"`
	Except  string          `json:"except,omitempty"`
	Origin  string          `json:"origin"`
}

// Publisher is what the dispatch worker and tracking channel depend on.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any, rooms ...string) error
	// PublishExcept skips the connection with id exceptConnID, which is how
	// a sender avoids receiving its own update.
	PublishExcept(ctx context.Context, exceptConnID, event string, payload any, rooms ...string) error
}

// Backplane carries envelopes between processes.
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls fn for every envelope until ctx is done.
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Close() error
}

type Fanout struct {
	hub    *Hub
	bp     Backplane
	origin string
	logger *slog.Logger
}

// NewFanout returns a Fanout over hub. A nil backplane keeps delivery
// inside this process.
func NewFanout(hub *Hub, bp Backplane, logger *slog.Logger) *Fanout {
	return &Fanout{hub: hub, bp: bp, origin: uuid.NewString(), logger: logger}
}

func (f *Fanout) Hub() *Hub { return f.hub }

func (f *Fanout) Publish(ctx context.Context, event string, payload any, rooms ...string) error {
	return f.PublishExcept(ctx, "", event, payload, rooms...)
}

func (f *Fanout) PublishExcept(ctx context.Context, exceptConnID, event string, payload any, rooms ...string) error {
	if len(rooms) == 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", event, err)
	}
	env := Envelope{Event: event, Payload: raw, Rooms: rooms, Except: exceptConnID, Origin: f.origin}
	f.hub.Deliver(env)
	observability.NotificationsPublished.WithLabelValues(event).Inc()
	if f.bp == nil {
		return nil
	}
	if err := f.bp.Publish(ctx, env); err != nil {
		return fmt.Errorf("notify: backplane publish %s: %w", event, err)
	}
	return nil
}

// Run relays envelopes published by other processes into the local hub
// until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	if f.bp == nil {
		<-ctx.Done()
		return nil
	}
	f.logger.Info("fanout backplane subscribed", "origin", f.origin)
	return f.bp.Subscribe(ctx, func(env Envelope) {
		if env.Origin == f.origin {
			return
		}
		f.hub.Deliver(env)
	})
}
