package queue

import (
	"context"
	"errors"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

var ErrJobNotFound = errors.New("queue: job not found")

// JobStore persists dispatch jobs. At most one job per order may be active
// (queued or processing); moving a job to a terminal status frees the slot.
// Finished jobs are kept.
type JobStore interface {
	// Create stores j unless the order already has an active job, in which
	// case the existing job is returned with created=false.
	Create(ctx context.Context, j *models.DispatchJob) (job *models.DispatchJob, created bool, err error)
	// Claim moves the oldest due queued job to processing. It returns
	// (nil, nil) when nothing is due.
	Claim(ctx context.Context, now time.Time) (*models.DispatchJob, error)
	Update(ctx context.Context, j *models.DispatchJob) error
	Get(ctx context.Context, id string) (*models.DispatchJob, error)
	ActiveForOrder(ctx context.Context, orderID string) (*models.DispatchJob, error)
	LatestForOrder(ctx context.Context, orderID string) (*models.DispatchJob, error)
	// ReapStale returns processing jobs claimed before cutoff to the queue.
	ReapStale(ctx context.Context, cutoff time.Time) (int, error)
}

func cloneJob(j *models.DispatchJob) *models.DispatchJob {
	c := *j
	c.Candidates = append([]string(nil), j.Candidates...)
	c.Offered = append([]string(nil), j.Offered...)
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
