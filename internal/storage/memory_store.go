package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
	riders map[string]*models.Rider
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*models.Order),
		riders: make(map[string]*models.Rider),
	}
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.CompanyIDs = append([]string(nil), o.CompanyIDs...)
	c.BranchIDs = append([]string(nil), o.BranchIDs...)
	c.Delivery.Tracking = append([]models.TrackingPoint(nil), o.Delivery.Tracking...)
	if o.Delivery.Location != nil {
		loc := *o.Delivery.Location
		c.Delivery.Location = &loc
	}
	return &c
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) SaveOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneOrder(o)
	if c.Delivery.Status == "" {
		c.Delivery.Status = models.DeliveryUnassigned
	}
	m.orders[o.ID] = c
	return nil
}

func (m *MemoryStore) TransitionDelivery(_ context.Context, id string, from []models.DeliveryStatus, to models.DeliveryStatus, patch DeliveryPatch) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !containsStatus(from, o.Delivery.Status) {
		return nil, ErrConflict
	}
	o.Delivery.Status = to
	if patch.RiderID != nil {
		o.Delivery.RiderID = *patch.RiderID
	}
	if patch.AssignmentType != nil {
		o.Delivery.AssignmentType = *patch.AssignmentType
	}
	o.Delivery.UpdatedAt = time.Now().UTC()
	return cloneOrder(o), nil
}

func (m *MemoryStore) AppendTracking(_ context.Context, id string, p models.TrackingPoint, riderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Delivery.Tracking = append(o.Delivery.Tracking, p)
	o.Delivery.Location = &models.Coord{Lat: p.Lat, Lon: p.Lng}
	if o.Delivery.RiderID == "" && o.Delivery.Status.Assigned() {
		o.Delivery.RiderID = riderID
	}
	o.Delivery.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetRider(_ context.Context, id string) (*models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemoryStore) SaveRider(_ context.Context, r *models.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.riders[r.ID] = &c
	return nil
}

func (m *MemoryStore) UpdatePresence(_ context.Context, id string, loc models.Coord, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[id]
	if !ok {
		return ErrNotFound
	}
	r.Location, r.IsOnline, r.UpdatedAt = loc, online, time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetBusy(_ context.Context, id string, from, to bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[id]
	if !ok {
		return ErrNotFound
	}
	if r.IsBusy != from {
		return ErrConflict
	}
	r.IsBusy, r.UpdatedAt = to, time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreditWallet(_ context.Context, id string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[id]
	if !ok {
		return ErrNotFound
	}
	r.WalletBalance += amount
	return nil
}

func (m *MemoryStore) Close() error { return nil }
