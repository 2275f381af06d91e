package notify

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/example/delivery-dispatch/internal/observability"
)

// Member is a live connection that can sit in rooms.
type Member interface {
	ID() string
	// Send queues a frame without blocking and reports whether it was queued.
	Send(frame []byte) bool
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub tracks which local connections are in which rooms. Membership is never
// persisted; it lives exactly as long as the connection.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]Member
	memberRooms map[string]map[string]struct{}
	logger      *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:       make(map[string]map[string]Member),
		memberRooms: make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

func (h *Hub) Join(m Member, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]Member)
		h.rooms[room] = members
	}
	members[m.ID()] = m
	joined := h.memberRooms[m.ID()]
	if joined == nil {
		joined = make(map[string]struct{})
		h.memberRooms[m.ID()] = joined
	}
	joined[room] = struct{}{}
}

func (h *Hub) Leave(memberID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(memberID, room)
}

func (h *Hub) leaveLocked(memberID, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, memberID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined := h.memberRooms[memberID]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.memberRooms, memberID)
		}
	}
}

// Remove drops a disconnected member from every room.
func (h *Hub) Remove(memberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.memberRooms[memberID] {
		h.leaveLocked(memberID, room)
	}
}

// Rooms lists the rooms a member is in, sorted.
func (h *Hub) Rooms(memberID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.memberRooms[memberID]))
	for room := range h.memberRooms[memberID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of local members in a room.
func (h *Hub) Size(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Deliver sends env to every local member of its rooms, once per member
// even when the member is in several of the target rooms. It returns the
// number of frames queued.
func (h *Hub) Deliver(env Envelope) int {
	b, err := json.Marshal(frame{Event: env.Event, Data: env.Payload})
	if err != nil {
		h.logger.Error("encode frame", "event", env.Event, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]Member, 0)
	seen := make(map[string]struct{})
	for _, room := range env.Rooms {
		for id, m := range h.rooms[room] {
			if id == env.Except {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, m)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, m := range targets {
		if m.Send(b) {
			sent++
			continue
		}
		observability.NotificationsDropped.Inc()
		h.logger.Warn("dropped frame for slow connection", "conn_id", m.ID(), "event", env.Event)
	}
	return sent
}
