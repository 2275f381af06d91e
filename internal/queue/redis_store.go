package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// Key layout, all under the "dispatch:" prefix:
//
//	dispatch:job:{id}         HASH   job fields
//	dispatch:ready            ZSET   queued job ids scored by run_at (ms)
//	dispatch:processing       ZSET   claimed job ids scored by claim time (ms)
//	dispatch:active:{orderId} STRING id of the order's active job
//	dispatch:latest:{orderId} STRING id of the order's most recent job
const keyPrefix = "dispatch:"

func jobKey(id string) string         { return keyPrefix + "job:" + id }
func activeKey(orderID string) string { return keyPrefix + "active:" + orderID }
func latestKey(orderID string) string { return keyPrefix + "latest:" + orderID }

const (
	readyKey      = keyPrefix + "ready"
	processingKey = keyPrefix + "processing"
)

// releaseActive deletes the active marker only if it still points at the
// finishing job.
var releaseActive = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// claimDue moves the earliest due job from the ready set to the processing
// set and marks its hash in one step, so a crash can never leave a job
// outside both sets.
var claimDue = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call("ZREM", KEYS[1], id)
redis.call("ZADD", KEYS[2], ARGV[1], id)
redis.call("HSET", ARGV[3] .. id, "status", ARGV[4], "claimed_at", ARGV[2], "updated_at", ARGV[2])
return id`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Create(ctx context.Context, j *models.DispatchJob) (*models.DispatchJob, bool, error) {
	ok, err := s.client.SetNX(ctx, activeKey(j.OrderID), j.ID, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("queue/redis: create setnx: %w", err)
	}
	if !ok {
		existingID, err := s.client.Get(ctx, activeKey(j.OrderID)).Result()
		if err != nil {
			return nil, false, fmt.Errorf("queue/redis: create get active: %w", err)
		}
		existing, err := s.Get(ctx, existingID)
		if errors.Is(err, ErrJobNotFound) {
			// The winner has reserved the slot but not written the hash yet.
			return &models.DispatchJob{ID: existingID, OrderID: j.OrderID, Status: models.JobQueued}, false, nil
		}
		return existing, false, err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID), jobToMap(j))
	pipe.Set(ctx, latestKey(j.OrderID), j.ID, 0)
	if j.Status == models.JobQueued {
		pipe.ZAdd(ctx, readyKey, redis.Z{Score: msScore(j.RunAt), Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		_ = s.client.Del(ctx, activeKey(j.OrderID)).Err()
		return nil, false, fmt.Errorf("queue/redis: create job: %w", err)
	}
	return cloneJob(j), true, nil
}

func (s *RedisStore) Claim(ctx context.Context, now time.Time) (*models.DispatchJob, error) {
	id, err := claimDue.Run(ctx, s.client, []string{readyKey, processingKey},
		now.UnixMilli(), now.UTC().Format(time.RFC3339Nano), keyPrefix+"job:", string(models.JobProcessing)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue/redis: claim: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Update(ctx context.Context, j *models.DispatchJob) error {
	exists, err := s.client.Exists(ctx, jobKey(j.ID)).Result()
	if err != nil {
		return fmt.Errorf("queue/redis: update exists: %w", err)
	}
	if exists == 0 {
		return ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID), jobToMap(j))
	switch {
	case j.Status == models.JobQueued:
		pipe.ZRem(ctx, processingKey, j.ID)
		pipe.ZAdd(ctx, readyKey, redis.Z{Score: msScore(j.RunAt), Member: j.ID})
	case j.Status.Terminal():
		pipe.ZRem(ctx, processingKey, j.ID)
		pipe.ZRem(ctx, readyKey, j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: update job: %w", err)
	}
	if j.Status.Terminal() {
		if err := releaseActive.Run(ctx, s.client, []string{activeKey(j.OrderID)}, j.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("queue/redis: release active: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.DispatchJob, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	return mapToJob(vals)
}

func (s *RedisStore) ActiveForOrder(ctx context.Context, orderID string) (*models.DispatchJob, error) {
	return s.byPointer(ctx, activeKey(orderID))
}

func (s *RedisStore) LatestForOrder(ctx context.Context, orderID string) (*models.DispatchJob, error) {
	return s.byPointer(ctx, latestKey(orderID))
}

func (s *RedisStore) byPointer(ctx context.Context, key string) (*models.DispatchJob, error) {
	id, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue/redis: get %s: %w", key, err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue/redis: reap range: %w", err)
	}
	n := 0
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if j.Status != models.JobProcessing {
			_ = s.client.ZRem(ctx, processingKey, id).Err()
			continue
		}
		j.Status = models.JobQueued
		j.ClaimedAt = nil
		j.RunAt = time.Now().UTC()
		if err := s.Update(ctx, j); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func msScore(t time.Time) float64 { return float64(t.UnixMilli()) }

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func jobToMap(j *models.DispatchJob) map[string]interface{} {
	cands, _ := json.Marshal(j.Candidates)
	offered, _ := json.Marshal(j.Offered)
	return map[string]interface{}{
		"id":          j.ID,
		"order_id":    j.OrderID,
		"lat":         strconv.FormatFloat(j.Target.Lat, 'f', -1, 64),
		"lng":         strconv.FormatFloat(j.Target.Lon, 'f', -1, 64),
		"status":      string(j.Status),
		"attempts":    strconv.Itoa(j.Attempts),
		"last_error":  j.LastError,
		"candidates":  string(cands),
		"offered":     string(offered),
		"run_at":      formatTime(&j.RunAt),
		"created_at":  formatTime(&j.CreatedAt),
		"updated_at":  formatTime(&j.UpdatedAt),
		"claimed_at":  formatTime(j.ClaimedAt),
		"finished_at": formatTime(j.FinishedAt),
	}
}

func mapToJob(m map[string]string) (*models.DispatchJob, error) {
	j := &models.DispatchJob{
		ID:         m["id"],
		OrderID:    m["order_id"],
		Status:     models.JobStatus(m["status"]),
		LastError:  m["last_error"],
		ClaimedAt:  parseTime(m["claimed_at"]),
		FinishedAt: parseTime(m["finished_at"]),
	}
	var err error
	if j.Target.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return nil, fmt.Errorf("queue/redis: parse lat: %w", err)
	}
	if j.Target.Lon, err = strconv.ParseFloat(m["lng"], 64); err != nil {
		return nil, fmt.Errorf("queue/redis: parse lng: %w", err)
	}
	if j.Attempts, err = strconv.Atoi(m["attempts"]); err != nil {
		return nil, fmt.Errorf("queue/redis: parse attempts: %w", err)
	}
	if c := m["candidates"]; c != "" && c != "null" {
		if err := json.Unmarshal([]byte(c), &j.Candidates); err != nil {
			return nil, fmt.Errorf("queue/redis: parse candidates: %w", err)
		}
	}
	if c := m["offered"]; c != "" && c != "null" {
		if err := json.Unmarshal([]byte(c), &j.Offered); err != nil {
			return nil, fmt.Errorf("queue/redis: parse offered: %w", err)
		}
	}
	for field, dst := range map[string]*time.Time{"run_at": &j.RunAt, "created_at": &j.CreatedAt, "updated_at": &j.UpdatedAt} {
		if t := parseTime(m[field]); t != nil {
			*dst = *t
		}
	}
	return j, nil
}
