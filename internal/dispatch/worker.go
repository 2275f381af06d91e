// Package dispatch decides, per order, which riders hear about it and what
// happens when nobody is around. The Worker runs inside the queue Pool; the
// Acceptor handles the rider side (accept, pick up, deliver).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/delivery-dispatch/internal/eta"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/storage"
)

const (
	DefaultRadiusMeters = 5000
	DefaultLimit        = 5
)

// CandidateRecorder stores who was offered the order on the job itself.
type CandidateRecorder interface {
	RecordCandidates(ctx context.Context, j *models.DispatchJob, riders []string) error
}

type Worker struct {
	Orders       storage.OrderStore
	Geo          geo.Index
	Notify       notify.Publisher
	Jobs         CandidateRecorder
	ETA          eta.Estimator // optional
	RadiusMeters float64
	Limit        int
	Logger       *slog.Logger
}

// Handle runs one dispatch attempt: load, search, then notify or fall back.
// It is safe to run again for the same job; the order's delivery status and
// the job's recorded candidates decide whether anything is left to do.
func (w *Worker) Handle(ctx context.Context, j *models.DispatchJob) (models.JobStatus, error) {
	log := w.Logger.With("job_id", j.ID, "order_id", j.OrderID)

	order, err := w.Orders.GetOrder(ctx, j.OrderID)
	if err != nil {
		return "", fmt.Errorf("load order: %w", err)
	}
	if !order.Delivery.Status.Searchable() {
		log.Info("order no longer searchable, skipping", "delivery_status", order.Delivery.Status)
		return outcomeFor(order.Delivery.Status), nil
	}

	order, err = w.Orders.TransitionDelivery(ctx, order.ID,
		[]models.DeliveryStatus{models.DeliveryUnassigned, models.DeliveryPendingMatch},
		models.DeliveryPendingMatch, storage.DeliveryPatch{})
	if errors.Is(err, storage.ErrConflict) {
		return w.settled(ctx, j.OrderID)
	}
	if err != nil {
		return "", fmt.Errorf("mark pending match: %w", err)
	}

	if len(j.Candidates) > 0 {
		log.Info("candidates already notified", "riders", len(j.Candidates))
		return models.JobMatched, nil
	}

	point := order.Coordinates
	if !point.Valid() || (point.Lat == 0 && point.Lon == 0) {
		point = j.Target
	}
	radius, limit := w.RadiusMeters, w.Limit
	if radius <= 0 {
		radius = DefaultRadiusMeters
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	found, err := w.Geo.FindNearby(ctx, point, radius, limit)
	if err != nil {
		return "", fmt.Errorf("find nearby riders: %w", err)
	}

	if len(found) > 0 && len(j.Offered) > 0 {
		fresh := found[:0]
		for _, c := range found {
			if !contains(j.Offered, c.RiderID) {
				fresh = append(fresh, c)
			}
		}
		if len(fresh) == 0 {
			// Everyone in range still holds an earlier offer.
			log.Info("nearby riders already offered", "riders", len(found))
			return models.JobMatched, nil
		}
		found = fresh
	}

	if len(found) == 0 {
		log.Info("no eligible riders in range", "radius_m", radius)
		if err := w.fallback(ctx, order.ID); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return w.settled(ctx, j.OrderID)
			}
			return "", err
		}
		return models.JobUnmatched, nil
	}

	ids := make([]string, len(found))
	for i, c := range found {
		ids[i] = c.RiderID
	}
	// Recorded before any rider hears about it so a re-run never notifies twice.
	if err := w.Jobs.RecordCandidates(ctx, j, ids); err != nil {
		return "", fmt.Errorf("record candidates: %w", err)
	}

	for _, c := range found {
		payload := models.NewOrderPayload{
			OrderID:        order.ID,
			Message:        "New delivery request near you",
			Coordinates:    order.Coordinates,
			DistanceMeters: c.DistanceMeters,
			ETASeconds:     w.etaSeconds(ctx, c.Location, point),
		}
		if err := w.Notify.Publish(ctx, models.EventNewOrder, payload, c.RiderID); err != nil {
			log.Warn("new order notification failed", "rider_id", c.RiderID, "error", err)
		}
	}
	log.Info("riders notified", "riders", len(ids), "nearest_rider", ids[0])
	return models.JobMatched, nil
}

// Exhausted fires the fallback for a job that ran out of attempts.
func (w *Worker) Exhausted(ctx context.Context, j *models.DispatchJob) {
	log := w.Logger.With("job_id", j.ID, "order_id", j.OrderID)
	err := w.fallback(ctx, j.OrderID)
	switch {
	case err == nil:
		log.Error("dispatch retries exhausted, manual assignment required", "last_error", j.LastError)
	case errors.Is(err, storage.ErrConflict):
		log.Info("dispatch retries exhausted but order already settled")
	default:
		log.Error("fallback failed after exhausted retries", "error", err)
	}
}

// fallback marks the order for manual assignment and escalates to admins and
// to every company and branch on the order. Alerts are best effort; the
// persisted status is what counts.
func (w *Worker) fallback(ctx context.Context, orderID string) error {
	manual := models.AssignmentManual
	order, err := w.Orders.TransitionDelivery(ctx, orderID,
		[]models.DeliveryStatus{models.DeliveryUnassigned, models.DeliveryPendingMatch},
		models.DeliveryRiderNotFound, storage.DeliveryPatch{AssignmentType: &manual})
	if err != nil {
		return fmt.Errorf("mark rider not found: %w", err)
	}
	observability.FallbacksFired.Inc()

	admin := models.AdminAlertPayload{
		Message: fmt.Sprintf("No rider found for order %s. Manual assignment required.", order.ID),
		OrderID: order.ID,
	}
	if err := w.Notify.Publish(ctx, models.EventAdminAlert, admin, models.AdminRoom); err != nil {
		w.Logger.Warn("admin alert failed", "order_id", order.ID, "error", err)
	}
	for _, company := range order.CompanyIDs {
		alert := models.VendorAlertPayload{
			Message: fmt.Sprintf("No rider is available for order %s yet. Our team will assign one shortly.", order.ID),
			OrderID: order.ID,
			Type:    models.VendorCompany,
		}
		if err := w.Notify.Publish(ctx, models.EventVendorAlert, alert, company); err != nil {
			w.Logger.Warn("company alert failed", "order_id", order.ID, "company_id", company, "error", err)
		}
	}
	for _, branch := range order.BranchIDs {
		alert := models.VendorAlertPayload{
			Message: fmt.Sprintf("Order %s at your branch is waiting for manual rider assignment.", order.ID),
			OrderID: order.ID,
			Type:    models.VendorBranch,
		}
		if err := w.Notify.Publish(ctx, models.EventVendorAlert, alert, branch); err != nil {
			w.Logger.Warn("branch alert failed", "order_id", order.ID, "branch_id", branch, "error", err)
		}
	}
	return nil
}

// settled re-reads an order that changed under us and maps its status to a
// job outcome.
func (w *Worker) settled(ctx context.Context, orderID string) (models.JobStatus, error) {
	order, err := w.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("reload order: %w", err)
	}
	if order.Delivery.Status.Searchable() {
		return "", fmt.Errorf("order %s changed concurrently", orderID)
	}
	return outcomeFor(order.Delivery.Status), nil
}

func outcomeFor(s models.DeliveryStatus) models.JobStatus {
	if s == models.DeliveryRiderNotFound {
		return models.JobUnmatched
	}
	return models.JobMatched
}

func (w *Worker) etaSeconds(ctx context.Context, from, to models.Coord) float64 {
	if w.ETA == nil {
		return 0
	}
	v, err := w.ETA.EstimateSeconds(ctx, from, to)
	if err != nil {
		return 0
	}
	return v
}
