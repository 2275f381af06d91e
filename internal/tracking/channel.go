// Package tracking relays a moving rider's position to everyone watching
// the order and keeps a durable sample of the stream on the order.
//
// The live broadcast always goes first. Samples are then handed to a small
// set of persistence goroutines; an order always maps to the same goroutine,
// so its samples are appended in the order they were broadcast. A failed or
// throttled write never affects the broadcast.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/storage"
)

var ErrInvalidUpdate = errors.New("tracking: invalid location update")

// Rooms is the membership side of the notification hub.
type Rooms interface {
	Join(m notify.Member, room string)
}

type Options struct {
	// Shards is the number of persistence goroutines.
	Shards int
	// QueueSize bounds each shard's backlog.
	QueueSize int
	// PersistRate caps stored samples per order per second. Zero stores
	// every sample.
	PersistRate float64
	// WriteTimeout bounds a single AppendTracking call.
	WriteTimeout time.Duration
}

type sample struct {
	orderID string
	riderID string
	point   models.TrackingPoint
}

type orderState struct {
	mu      sync.Mutex
	lastAt  time.Time
	seq     int64
	limiter *rate.Limiter
}

type Channel struct {
	rooms  Rooms
	pub    notify.Publisher
	orders storage.OrderStore
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*orderState

	closeMu sync.RWMutex
	closed  bool
	shards  []chan sample
	wg      sync.WaitGroup
}

func NewChannel(rooms Rooms, pub notify.Publisher, orders storage.OrderStore, logger *slog.Logger, opts Options) *Channel {
	if opts.Shards <= 0 {
		opts.Shards = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	c := &Channel{
		rooms:  rooms,
		pub:    pub,
		orders: orders,
		logger: logger,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		states: make(map[string]*orderState),
		shards: make([]chan sample, opts.Shards),
	}
	for i := range c.shards {
		c.shards[i] = make(chan sample, opts.QueueSize)
		c.wg.Add(1)
		go c.persistLoop(c.shards[i])
	}
	return c
}

// JoinOrderRoom subscribes a connection to an order's live updates. Any
// party may join; the connection layer decides who gets this far.
func (c *Channel) JoinOrderRoom(m notify.Member, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: missing order id", ErrInvalidUpdate)
	}
	c.rooms.Join(m, orderID)
	return nil
}

// UpdateLocation broadcasts the rider position to the order room, skipping
// the sending connection, then queues the sample for persistence.
func (c *Channel) UpdateLocation(ctx context.Context, senderConnID, orderID string, lat, lng float64, riderID string) (models.TrackingPoint, error) {
	orderID = strings.TrimSpace(orderID)
	loc := models.Coord{Lat: lat, Lon: lng}
	if orderID == "" || !loc.Valid() {
		return models.TrackingPoint{}, fmt.Errorf("%w: order=%q lat=%v lng=%v", ErrInvalidUpdate, orderID, lat, lng)
	}

	st := c.state(orderID)
	st.mu.Lock()
	defer st.mu.Unlock()

	at := c.now()
	if at.Before(st.lastAt) {
		at = st.lastAt
	}
	st.lastAt = at
	st.seq++
	point := models.TrackingPoint{Lat: lat, Lng: lng, At: at, Seq: st.seq}
	observability.TrackingUpdates.Inc()

	payload := models.LocationUpdatedPayload{
		OrderID: orderID,
		RiderID: riderID,
		Lat:     lat,
		Lng:     lng,
		At:      at,
		Seq:     point.Seq,
	}
	if err := c.pub.PublishExcept(ctx, senderConnID, models.EventLocationUpdated, payload, orderID); err != nil {
		c.logger.Warn("location broadcast failed", "order_id", orderID, "error", err)
	}

	if st.limiter != nil && !st.limiter.Allow() {
		observability.TrackingThrottled.Inc()
		return point, nil
	}
	c.enqueue(ctx, sample{orderID: orderID, riderID: riderID, point: point})
	return point, nil
}

// Forget drops per-order sequencing state once an order stops moving.
func (c *Channel) Forget(orderID string) {
	c.mu.Lock()
	delete(c.states, orderID)
	c.mu.Unlock()
}

// Close stops accepting samples and waits until every queued sample has
// been written.
func (c *Channel) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	for _, ch := range c.shards {
		close(ch)
	}
	c.closeMu.Unlock()
	c.wg.Wait()
}

func (c *Channel) state(orderID string) *orderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[orderID]
	if !ok {
		st = &orderState{}
		if c.opts.PersistRate > 0 {
			st.limiter = rate.NewLimiter(rate.Limit(c.opts.PersistRate), 1)
		}
		c.states[orderID] = st
	}
	return st
}

func (c *Channel) shardFor(orderID string) chan sample {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *Channel) enqueue(ctx context.Context, s sample) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.shardFor(s.orderID) <- s:
	case <-ctx.Done():
		observability.TrackingPersistErrors.Inc()
		c.logger.Warn("tracking sample dropped", "order_id", s.orderID, "seq", s.point.Seq, "error", ctx.Err())
	}
}

func (c *Channel) persistLoop(ch <-chan sample) {
	defer c.wg.Done()
	for s := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
		err := c.orders.AppendTracking(ctx, s.orderID, s.point, s.riderID)
		cancel()
		if err != nil {
			observability.TrackingPersistErrors.Inc()
			c.logger.Error("tracking persist failed", "order_id", s.orderID, "seq", s.point.Seq, "error", err)
			continue
		}
		observability.TrackingPersisted.Inc()
		c.logger.Debug("tracking sample stored", "order_id", s.orderID, "seq", s.point.Seq)
	}
}
