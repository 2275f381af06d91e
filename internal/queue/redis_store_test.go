package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// The job store keys are fixed under "dispatch:", so tests take a database
// index of their own and start from an empty one.
const redisTestDB = 9

func newTestRedisStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: redisTestDB})
	ctx := context.Background()
	if err := c.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	if err := c.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() {
		_ = c.FlushDB(context.Background()).Err()
		_ = c.Close()
	})
	return NewRedisStore(c), c
}

func newQueuedJob(orderID string, runAt time.Time) *models.DispatchJob {
	return &models.DispatchJob{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Target:    lagos,
		Status:    models.JobQueued,
		Offered:   []string{"r9"},
		RunAt:     runAt,
		CreatedAt: runAt,
		UpdatedAt: runAt,
	}
}

func TestRedisCreateClaimAndRelease(t *testing.T) {
	s, c := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, created, err := s.Create(ctx, newQueuedJob("o1", now))
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	dup, created, err := s.Create(ctx, newQueuedJob("o1", now))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || dup.ID != first.ID {
		t.Fatalf("expected existing job %s, got %s created=%v", first.ID, dup.ID, created)
	}

	if j, err := s.Claim(ctx, now.Add(-time.Minute)); err != nil || j != nil {
		t.Fatalf("nothing is due yet, got %+v err=%v", j, err)
	}
	claimed, err := s.Claim(ctx, now)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v err=%v", claimed, err)
	}
	if claimed.ID != first.ID || claimed.Status != models.JobProcessing || claimed.ClaimedAt == nil {
		t.Fatalf("unexpected claimed job %+v", claimed)
	}
	if len(claimed.Offered) != 1 || claimed.Offered[0] != "r9" {
		t.Fatalf("offered riders lost: %v", claimed.Offered)
	}
	if n := c.ZCard(ctx, readyKey).Val(); n != 0 {
		t.Fatalf("claimed job still in ready set (%d)", n)
	}
	if score, err := c.ZScore(ctx, processingKey, first.ID).Result(); err != nil || score != msScore(now) {
		t.Fatalf("claimed job missing from processing set: score=%v err=%v", score, err)
	}
	if j, err := s.Claim(ctx, now); err != nil || j != nil {
		t.Fatalf("a job is claimed once, got %+v err=%v", j, err)
	}

	claimed.Status = models.JobMatched
	if err := s.Update(ctx, claimed); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.ActiveForOrder(ctx, "o1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("terminal job must release the order, got %v", err)
	}
	next, created, err := s.Create(ctx, newQueuedJob("o1", now))
	if err != nil || !created {
		t.Fatalf("new job after terminal: created=%v err=%v", created, err)
	}
	latest, err := s.LatestForOrder(ctx, "o1")
	if err != nil || latest.ID != next.ID {
		t.Fatalf("latest should be %s, got %+v err=%v", next.ID, latest, err)
	}
}

func TestRedisReapStale(t *testing.T) {
	s, c := newTestRedisStore(t)
	ctx := context.Background()
	claimedAt := time.Now().UTC().Add(-2 * time.Minute)

	job, _, err := s.Create(ctx, newQueuedJob("o2", claimedAt))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j, err := s.Claim(ctx, claimedAt); err != nil || j == nil {
		t.Fatalf("claim: %+v err=%v", j, err)
	}

	n, err := s.ReapStale(ctx, time.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected one reaped job, got %d err=%v", n, err)
	}
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobQueued || got.ClaimedAt != nil {
		t.Fatalf("reaped job should be queued again, got %+v", got)
	}
	if c.ZCard(ctx, processingKey).Val() != 0 || c.ZCard(ctx, readyKey).Val() != 1 {
		t.Fatalf("reaped job should move back to the ready set")
	}
	if active, err := s.ActiveForOrder(ctx, "o2"); err != nil || active.ID != job.ID {
		t.Fatalf("reaped job keeps the order's active slot, got %+v err=%v", active, err)
	}
}
