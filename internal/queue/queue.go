// Package queue holds dispatch jobs between order placement and the rider
// search, so the request path never waits on a geo query. A Pool consumes
// jobs with bounded concurrency and retries transient failures with backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// ErrInvalidJob rejects malformed input before it reaches the queue.
var ErrInvalidJob = errors.New("queue: invalid dispatch job")

type Queue struct {
	store  JobStore
	logger *slog.Logger
	wake   func()
	now    func() time.Time
}

func New(store JobStore, logger *slog.Logger) *Queue {
	return &Queue{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// OnEnqueue registers a callback run after a new job is stored, typically
// Pool.Wake so idle workers do not wait for the next poll.
func (q *Queue) OnEnqueue(fn func()) { q.wake = fn }

// Enqueue admits a dispatch job for the order. If the order already has an
// active job that job is returned with created=false and nothing is stored.
func (q *Queue) Enqueue(ctx context.Context, orderID string, target models.Coord) (*models.DispatchJob, bool, error) {
	return q.admit(ctx, orderID, target, nil)
}

// Requeue starts a fresh search for an order whose earlier offers went
// nowhere. Riders in offered already heard about the order and are skipped.
func (q *Queue) Requeue(ctx context.Context, orderID string, target models.Coord, offered []string) (*models.DispatchJob, bool, error) {
	return q.admit(ctx, orderID, target, offered)
}

func (q *Queue) admit(ctx context.Context, orderID string, target models.Coord, offered []string) (*models.DispatchJob, bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, false, fmt.Errorf("%w: missing order id", ErrInvalidJob)
	}
	if !target.Valid() || (target.Lat == 0 && target.Lon == 0) {
		return nil, false, fmt.Errorf("%w: bad coordinates %v,%v", ErrInvalidJob, target.Lat, target.Lon)
	}

	now := q.now()
	j := &models.DispatchJob{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Target:    target,
		Status:    models.JobQueued,
		Offered:   append([]string(nil), offered...),
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, created, err := q.store.Create(ctx, j)
	if err != nil {
		return nil, false, err
	}
	if !created {
		observability.JobsDuplicate.Inc()
		q.logger.Info("dispatch already in flight", "order_id", orderID, "job_id", stored.ID, "status", stored.Status)
		return stored, false, nil
	}
	observability.JobsEnqueued.Inc()
	q.logger.Info("dispatch enqueued", "order_id", orderID, "job_id", stored.ID)
	if q.wake != nil {
		q.wake()
	}
	return stored, true, nil
}

// Latest returns the most recent job for the order, active or finished.
func (q *Queue) Latest(ctx context.Context, orderID string) (*models.DispatchJob, error) {
	return q.store.LatestForOrder(ctx, orderID)
}

// RecordCandidates stores the riders notified for a job so re-runs and the
// acceptance flow can see who was offered the order.
func (q *Queue) RecordCandidates(ctx context.Context, j *models.DispatchJob, riders []string) error {
	j.Candidates = append([]string(nil), riders...)
	j.UpdatedAt = q.now()
	return q.store.Update(ctx, j)
}
