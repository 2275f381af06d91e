package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-dispatch/internal/auth"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
)

// Client frames, {"event": name, "data": {...}}.
const (
	frameJoinOrder        = "join_order"
	frameJoinIdentityRoom = "join_identity_room"
	frameJoinAdminPool    = "join_admin_pool"
	frameLeaveRoom        = "leave_room"
	frameUpdateLocation   = "update_location"
	eventJoined           = "joined"
)

var errUnknownFrame = errors.New("unknown event")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Auth.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		loggerFrom(r.Context(), s.logger).Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := notify.NewConn(ws, s.deps.Hub, id.ID, id.Role, s.logger)
	s.logger.Info("websocket connected", "identity", id.ID, "role", id.Role, "conn_id", conn.ID())
	// Every connection sits in its own identity room so rider offers reach it.
	s.deps.Hub.Join(conn, id.ID)
	conn.Serve(r.Context(), s.handleFrame)
}

func (s *Server) handleFrame(ctx context.Context, c *notify.Conn, event string, data json.RawMessage) error {
	var req struct {
		OrderID string  `json:"orderId"`
		ID      string  `json:"id"`
		Room    string  `json:"room"`
		Lat     float64 `json:"lat"`
		Lng     float64 `json:"lng"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("decode %s: %w", event, err)
		}
	}

	switch event {
	case frameJoinOrder:
		if err := s.deps.Tracking.JoinOrderRoom(c, req.OrderID); err != nil {
			return err
		}
		c.SendEvent(eventJoined, map[string]string{"room": req.OrderID})
	case frameJoinIdentityRoom:
		room := req.ID
		if room == "" {
			room = c.Identity()
		}
		s.deps.Hub.Join(c, room)
		c.SendEvent(eventJoined, map[string]string{"room": room})
	case frameJoinAdminPool:
		if c.Role() != auth.RoleAdmin {
			return errors.New("admin role required")
		}
		s.deps.Hub.Join(c, models.AdminRoom)
		c.SendEvent(eventJoined, map[string]string{"room": models.AdminRoom})
	case frameLeaveRoom:
		room := req.Room
		if room == "" {
			room = req.OrderID
		}
		s.deps.Hub.Leave(c.ID(), room)
	case frameUpdateLocation:
		_, err := s.deps.Tracking.UpdateLocation(ctx, c.ID(), req.OrderID, req.Lat, req.Lng, c.Identity())
		return err
	default:
		return fmt.Errorf("%w %q", errUnknownFrame, event)
	}
	return nil
}
