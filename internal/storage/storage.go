package storage

import (
	"context"
	"errors"

	"github.com/example/delivery-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict means a conditional update found the record in a state
	// other than the expected one.
	ErrConflict = errors.New("storage: conflict")
)

// DeliveryPatch carries the optional fields written together with a
// delivery status transition.
type DeliveryPatch struct {
	RiderID        *string
	AssignmentType *models.AssignmentType
}

// OrderStore is the slice of the order document the dispatch core reads and
// mutates. Status changes are compare-and-set on delivery.status.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	SaveOrder(ctx context.Context, o *models.Order) error
	TransitionDelivery(ctx context.Context, id string, from []models.DeliveryStatus, to models.DeliveryStatus, patch DeliveryPatch) (*models.Order, error)
	// AppendTracking stores a sample and moves delivery.location. riderID
	// only fills an empty delivery.riderId while the order is assigned;
	// otherwise it is ignored.
	AppendTracking(ctx context.Context, id string, p models.TrackingPoint, riderID string) error
}

// RiderStore holds rider documents. SetBusy is compare-and-set on isBusy so
// one rider can never be assigned to two orders.
type RiderStore interface {
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	SaveRider(ctx context.Context, r *models.Rider) error
	UpdatePresence(ctx context.Context, id string, loc models.Coord, online bool) error
	SetBusy(ctx context.Context, id string, from, to bool) error
	CreditWallet(ctx context.Context, id string, amount float64) error
}

// Store bundles both stores; every backend implements it.
type Store interface {
	OrderStore
	RiderStore
	Close() error
}

func containsStatus(set []models.DeliveryStatus, s models.DeliveryStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
