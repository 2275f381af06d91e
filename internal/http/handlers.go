package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-dispatch/internal/auth"
	"github.com/example/delivery-dispatch/internal/dispatch"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/queue"
	"github.com/example/delivery-dispatch/internal/storage"
	"github.com/example/delivery-dispatch/internal/tracking"
)

// HeartbeatPublisher forwards heartbeats to the consumer topic.
type HeartbeatPublisher interface {
	Publish(ctx context.Context, hb models.Heartbeat) error
}

// Deps is everything the HTTP surface calls into.
type Deps struct {
	Orders     storage.OrderStore
	Riders     storage.RiderStore
	Queue      *queue.Queue
	Acceptor   *dispatch.Acceptor
	Tracking   *tracking.Channel
	Hub        *notify.Hub
	Heartbeats ingest.Applier
	Producer   HeartbeatPublisher // optional
	Auth       auth.Resolver
	// Ready reports whether backing services are reachable.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: deps.Logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/riders", s.handleRegisterRider).Methods("POST")
	s.mux.HandleFunc("/internal/riders/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/internal/orders", s.handleCreateOrder).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/dispatch", s.handleEnqueueDispatch).Methods("POST")
	api.HandleFunc("/orders/{id}/dispatch", s.handleGetDispatch).Methods("GET")
	api.HandleFunc("/orders/{id}/accept", s.riderAction(s.deps.Acceptor.Accept)).Methods("POST")
	api.HandleFunc("/orders/{id}/transit", s.riderAction(s.deps.Acceptor.StartTransit)).Methods("POST")
	api.HandleFunc("/orders/{id}/delivered", s.handleDelivered).Methods("POST")

	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegisterRider(w http.ResponseWriter, r *http.Request) {
	var rider models.Rider
	if err := json.NewDecoder(r.Body).Decode(&rider); err != nil || rider.ID == "" {
		writeError(w, http.StatusBadRequest, "rider id required")
		return
	}
	if err := s.deps.Riders.SaveRider(r.Context(), &rider); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rider)
}

// handleCreateOrder stands in for the order-creation flow: persist the
// order, then enqueue its dispatch.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var o models.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil || o.ID == "" {
		writeError(w, http.StatusBadRequest, "order id required")
		return
	}
	o.Delivery = models.Delivery{Status: models.DeliveryUnassigned}
	if err := s.deps.Orders.SaveOrder(r.Context(), &o); err != nil {
		s.fail(w, r, err)
		return
	}
	job, _, err := s.deps.Queue.Enqueue(r.Context(), o.ID, o.Coordinates)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": o, "jobId": job.ID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleEnqueueDispatch(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	var body struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	var target models.Coord
	if body.Lat != nil && body.Lng != nil {
		target = models.Coord{Lat: *body.Lat, Lon: *body.Lng}
	} else {
		o, err := s.deps.Orders.GetOrder(r.Context(), orderID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		target = o.Coordinates
	}

	job, created, err := s.deps.Queue.Enqueue(r.Context(), orderID, target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": job.Status, "created": created})
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Latest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type riderFunc func(ctx context.Context, orderID, riderID string) (*models.Order, error)

func (s *Server) riderAction(fn riderFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.deps.Auth.Resolve(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		o, err := fn(r.Context(), mux.Vars(r)["id"], id.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	s.riderAction(func(ctx context.Context, orderID, riderID string) (*models.Order, error) {
		o, err := s.deps.Acceptor.MarkDelivered(ctx, orderID, riderID)
		if err == nil {
			s.deps.Tracking.Forget(orderID)
		}
		return o, err
	})(w, r)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	err := s.deps.Heartbeats.Apply(r.Context(), hb)
	ingest.Record(err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.Producer != nil {
		if err := s.deps.Producer.Publish(r.Context(), hb); err != nil {
			loggerFrom(r.Context(), s.logger).Warn("heartbeat publish failed", "rider_id", hb.RiderID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// fail maps domain errors onto status codes; anything unknown is a 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidJob), errors.Is(err, ingest.ErrInvalidHeartbeat), errors.Is(err, tracking.ErrInvalidUpdate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispatch.ErrOrderTaken):
		writeError(w, http.StatusConflict, dispatch.ErrOrderTaken.Error())
	case errors.Is(err, dispatch.ErrRiderBusy), errors.Is(err, dispatch.ErrOrderNotOpen),
		errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrNotCandidate), errors.Is(err, dispatch.ErrNotAssignedRider):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		loggerFrom(r.Context(), s.logger).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
