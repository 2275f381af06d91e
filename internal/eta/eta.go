package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
)

// DefaultSpeedMPS is roughly 28.8 km/h, a city riding speed.
const DefaultSpeedMPS = 8.0

// Estimator returns travel time in seconds between two points.
type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Straight estimates great-circle distance over a constant speed.
type Straight struct {
	SpeedMPS float64
}

func (s Straight) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	speed := s.SpeedMPS
	if speed <= 0 {
		speed = DefaultSpeedMPS
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speed, nil
}

// Cache is a small in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns the cached value if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Routed asks Primary (a routing engine) first, caches its answers and
// falls back to a straight-line estimate when Primary is unset or fails.
type Routed struct {
	Primary  Estimator
	Fallback Straight
	Cache    *Cache
}

func (r *Routed) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if r.Cache != nil {
		if v, ok := r.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if r.Primary != nil {
		if v, err := r.Primary.EstimateSeconds(ctx, from, to); err == nil {
			if r.Cache != nil {
				r.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	return r.Fallback.EstimateSeconds(ctx, from, to)
}
