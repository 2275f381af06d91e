package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/storage"
)

var (
	// ErrOrderTaken is what the losing rider of an acceptance race sees.
	ErrOrderTaken = errors.New("order already taken")
	// ErrOrderNotOpen means the order is not waiting for a rider.
	ErrOrderNotOpen = errors.New("order is not open for acceptance")
	// ErrRiderBusy means the rider already holds another delivery.
	ErrRiderBusy = errors.New("rider is busy with another delivery")
	// ErrNotCandidate means the rider was never offered the order.
	ErrNotCandidate = errors.New("rider was not offered this order")
	// ErrNotAssignedRider guards pick-up and delivery against other riders.
	ErrNotAssignedRider = errors.New("order is assigned to another rider")

	ErrInvalidTransition = errors.New("invalid delivery status transition")
)

// JobLookup is the slice of the queue the acceptance flow needs.
type JobLookup interface {
	Latest(ctx context.Context, orderID string) (*models.DispatchJob, error)
	Requeue(ctx context.Context, orderID string, target models.Coord, offered []string) (*models.DispatchJob, bool, error)
}

// Acceptor applies rider decisions to orders. Every state flip is a
// compare-and-set in the store, so concurrent requests resolve to one winner.
type Acceptor struct {
	Orders storage.OrderStore
	Riders storage.RiderStore
	Geo    geo.Index
	Notify notify.Publisher
	Jobs   JobLookup
	// RequireCandidate rejects riders that were not among the notified ones.
	RequireCandidate bool
	Logger           *slog.Logger
}

// Accept assigns the order to the rider if the order is still pending and
// the rider is free.
func (a *Acceptor) Accept(ctx context.Context, orderID, riderID string) (*models.Order, error) {
	log := a.Logger.With("order_id", orderID, "rider_id", riderID)

	order, err := a.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Delivery.Status {
	case models.DeliveryPendingMatch:
	case models.DeliveryRiderAssigned, models.DeliveryInTransit, models.DeliveryDelivered:
		if order.Delivery.Status == models.DeliveryRiderAssigned && order.Delivery.RiderID == riderID {
			// A retried accept from the winner.
			observability.Acceptances.WithLabelValues("repeat").Inc()
			return order, nil
		}
		observability.Acceptances.WithLabelValues("taken").Inc()
		return nil, ErrOrderTaken
	default:
		observability.Acceptances.WithLabelValues("not_open").Inc()
		return nil, ErrOrderNotOpen
	}

	var job *models.DispatchJob
	if a.Jobs != nil {
		job, err = a.Jobs.Latest(ctx, orderID)
		if err != nil {
			log.Warn("latest dispatch job unavailable", "error", err)
			job = nil
		}
	}
	offered := offeredTo(job)
	if a.RequireCandidate && !contains(offered, riderID) {
		observability.Acceptances.WithLabelValues("not_candidate").Inc()
		return nil, ErrNotCandidate
	}

	if err := a.Riders.SetBusy(ctx, riderID, false, true); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("reserve rider: %w", err)
		}
		if cur, gerr := a.Orders.GetOrder(ctx, orderID); gerr == nil &&
			cur.Delivery.Status == models.DeliveryRiderAssigned && cur.Delivery.RiderID == riderID {
			observability.Acceptances.WithLabelValues("repeat").Inc()
			return cur, nil
		}
		observability.Acceptances.WithLabelValues("rider_busy").Inc()
		// Only a rider who was offered the order can send it back to search;
		// everyone already offered keeps their offer and is not notified again.
		if contains(offered, riderID) {
			log.Info("offered rider busy, order goes back to search")
			a.research(ctx, order, offered)
		}
		return nil, ErrRiderBusy
	}

	auto := models.AssignmentAuto
	assigned, err := a.Orders.TransitionDelivery(ctx, orderID,
		[]models.DeliveryStatus{models.DeliveryPendingMatch}, models.DeliveryRiderAssigned,
		storage.DeliveryPatch{RiderID: &riderID, AssignmentType: &auto})
	if err != nil {
		if rerr := a.Riders.SetBusy(ctx, riderID, true, false); rerr != nil {
			log.Error("failed to release rider after lost race", "error", rerr)
		}
		if errors.Is(err, storage.ErrConflict) {
			observability.Acceptances.WithLabelValues("taken").Inc()
			return nil, ErrOrderTaken
		}
		return nil, fmt.Errorf("assign order: %w", err)
	}
	observability.Acceptances.WithLabelValues("accepted").Inc()

	if err := a.Geo.SetAvailability(ctx, riderID, true, true); err != nil {
		log.Warn("geo availability not updated", "error", err)
	}

	if err := a.Notify.Publish(ctx, models.EventOrderAssigned,
		models.OrderAssignedPayload{OrderID: orderID, RiderID: riderID}, orderID); err != nil {
		log.Warn("order assigned notification failed", "error", err)
	}
	others := make([]string, 0, len(offered))
	for _, id := range offered {
		if id != riderID {
			others = append(others, id)
		}
	}
	if len(others) > 0 {
		taken := models.OrderTakenPayload{OrderID: orderID, Message: "This order has been accepted by another rider"}
		if err := a.Notify.Publish(ctx, models.EventOrderTaken, taken, others...); err != nil {
			log.Warn("order taken notification failed", "error", err)
		}
	}
	log.Info("order accepted")
	return assigned, nil
}

// research puts the order back in the dispatch queue after the accepting
// rider turned out to be busy elsewhere.
func (a *Acceptor) research(ctx context.Context, order *models.Order, offered []string) {
	if a.Jobs == nil {
		return
	}
	if _, _, err := a.Jobs.Requeue(ctx, order.ID, order.Coordinates, offered); err != nil {
		a.Logger.Warn("re-search enqueue failed", "order_id", order.ID, "error", err)
	}
}

// StartTransit records that the assigned rider picked the order up.
func (a *Acceptor) StartTransit(ctx context.Context, orderID, riderID string) (*models.Order, error) {
	order, err := a.advance(ctx, orderID, riderID, models.DeliveryRiderAssigned, models.DeliveryInTransit)
	if err != nil {
		return nil, err
	}
	a.Logger.Info("order in transit", "order_id", orderID, "rider_id", riderID)
	return order, nil
}

// MarkDelivered completes the delivery, frees the rider and pays the
// delivery fee into the rider's wallet.
func (a *Acceptor) MarkDelivered(ctx context.Context, orderID, riderID string) (*models.Order, error) {
	order, err := a.advance(ctx, orderID, riderID, models.DeliveryInTransit, models.DeliveryDelivered)
	if err != nil {
		return nil, err
	}
	log := a.Logger.With("order_id", orderID, "rider_id", riderID)

	if err := a.Riders.SetBusy(ctx, riderID, true, false); err != nil {
		log.Error("failed to release rider", "error", err)
	}
	if err := a.Geo.SetAvailability(ctx, riderID, true, false); err != nil {
		log.Warn("geo availability not updated", "error", err)
	}
	if order.DeliveryFee > 0 {
		if err := a.Riders.CreditWallet(ctx, riderID, order.DeliveryFee); err != nil {
			log.Error("failed to credit rider wallet", "amount", order.DeliveryFee, "error", err)
		}
	}
	log.Info("order delivered", "fee", order.DeliveryFee)
	return order, nil
}

func (a *Acceptor) advance(ctx context.Context, orderID, riderID string, from, to models.DeliveryStatus) (*models.Order, error) {
	current, err := a.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.Delivery.RiderID != riderID {
		return nil, ErrNotAssignedRider
	}
	order, err := a.Orders.TransitionDelivery(ctx, orderID, []models.DeliveryStatus{from}, to, storage.DeliveryPatch{})
	if errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Delivery.Status, to)
	}
	if err != nil {
		return nil, err
	}
	status := models.DeliveryStatusPayload{OrderID: orderID, Status: to, RiderID: riderID}
	if err := a.Notify.Publish(ctx, models.EventDeliveryStatus, status, orderID); err != nil {
		a.Logger.Warn("delivery status notification failed", "order_id", orderID, "error", err)
	}
	return order, nil
}

// offeredTo lists every rider that has heard about the order so far, in
// the order they were notified.
func offeredTo(j *models.DispatchJob) []string {
	if j == nil {
		return nil
	}
	out := append([]string(nil), j.Offered...)
	for _, id := range j.Candidates {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
