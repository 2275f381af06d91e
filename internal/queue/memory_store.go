package queue

import (
	"context"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.DispatchJob
	ready  map[string]struct{}
	active map[string]string
	latest map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*models.DispatchJob),
		ready:  make(map[string]struct{}),
		active: make(map[string]string),
		latest: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, j *models.DispatchJob) (*models.DispatchJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.active[j.OrderID]; ok {
		return cloneJob(m.jobs[id]), false, nil
	}
	c := cloneJob(j)
	m.jobs[c.ID] = c
	m.active[c.OrderID] = c.ID
	m.latest[c.OrderID] = c.ID
	if c.Status == models.JobQueued {
		m.ready[c.ID] = struct{}{}
	}
	return cloneJob(c), true, nil
}

func (m *MemoryStore) Claim(_ context.Context, now time.Time) (*models.DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *models.DispatchJob
	for id := range m.ready {
		j := m.jobs[id]
		if j.RunAt.After(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) || (j.RunAt.Equal(next.RunAt) && j.CreatedAt.Before(next.CreatedAt)) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	delete(m.ready, next.ID)
	claimed := now
	next.Status = models.JobProcessing
	next.ClaimedAt = &claimed
	next.UpdatedAt = now
	return cloneJob(next), nil
}

func (m *MemoryStore) Update(_ context.Context, j *models.DispatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	c := cloneJob(j)
	m.jobs[c.ID] = c
	switch {
	case c.Status == models.JobQueued:
		m.ready[c.ID] = struct{}{}
	case c.Status.Terminal():
		delete(m.ready, c.ID)
		if m.active[c.OrderID] == c.ID {
			delete(m.active, c.OrderID)
		}
	default:
		delete(m.ready, c.ID)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) ActiveForOrder(_ context.Context, orderID string) (*models.DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[orderID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(m.jobs[id]), nil
}

func (m *MemoryStore) LatestForOrder(_ context.Context, orderID string) (*models.DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.latest[orderID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(m.jobs[id]), nil
}

func (m *MemoryStore) ReapStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status != models.JobProcessing || j.ClaimedAt == nil || !j.ClaimedAt.Before(cutoff) {
			continue
		}
		j.Status = models.JobQueued
		j.ClaimedAt = nil
		j.RunAt = time.Now().UTC()
		m.ready[j.ID] = struct{}{}
		n++
	}
	return n, nil
}
