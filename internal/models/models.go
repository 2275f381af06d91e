package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lng" bson:"lng"`
}

// Valid reports whether c is a finite point on the globe.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Rider is a delivery rider and its live state. Riders are never deleted;
// onboarding creates them and the rider client toggles the soft states.
type Rider struct {
	ID            string    `json:"id" bson:"_id"`
	Name          string    `json:"name" bson:"name"`
	Phone         string    `json:"phone" bson:"phone"`
	Location      Coord     `json:"location" bson:"location"`
	IsOnline      bool      `json:"isOnline" bson:"isOnline"`
	IsBusy        bool      `json:"isBusy" bson:"isBusy"`
	WalletBalance float64   `json:"walletBalance" bson:"walletBalance"`
	UpdatedAt     time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Eligible reports whether the rider can be offered a new order.
func (r Rider) Eligible() bool { return r.IsOnline && !r.IsBusy }

type DeliveryStatus string

const (
	DeliveryUnassigned    DeliveryStatus = "Unassigned"
	DeliveryPendingMatch  DeliveryStatus = "Pending Match"
	DeliveryRiderAssigned DeliveryStatus = "Rider Assigned"
	DeliveryRiderNotFound DeliveryStatus = "Rider Not Found"
	DeliveryInTransit     DeliveryStatus = "In Transit"
	DeliveryDelivered     DeliveryStatus = "Delivered"
)

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryUnassigned, DeliveryPendingMatch, DeliveryRiderAssigned,
		DeliveryRiderNotFound, DeliveryInTransit, DeliveryDelivered:
		return true
	default:
		return false
	}
}

// Assigned reports whether a rider holds the order.
func (s DeliveryStatus) Assigned() bool {
	return s == DeliveryRiderAssigned || s == DeliveryInTransit
}

// Searchable reports whether automatic dispatch may still act on the order.
func (s DeliveryStatus) Searchable() bool {
	return s == DeliveryUnassigned || s == DeliveryPendingMatch
}

type AssignmentType string

const (
	AssignmentAuto   AssignmentType = "Auto"
	AssignmentManual AssignmentType = "Manual"
)

type TrackingPoint struct {
	Lat float64   `json:"lat" bson:"lat"`
	Lng float64   `json:"lng" bson:"lng"`
	At  time.Time `json:"timestamp" bson:"timestamp"`
	Seq int64     `json:"seq" bson:"seq"`
}

// Delivery is the dispatch-owned part of an order document.
type Delivery struct {
	Status         DeliveryStatus  `json:"status" bson:"status"`
	RiderID        string          `json:"riderId,omitempty" bson:"riderId,omitempty"`
	AssignmentType AssignmentType  `json:"assignmentType,omitempty" bson:"assignmentType,omitempty"`
	Location       *Coord          `json:"location,omitempty" bson:"location,omitempty"`
	Tracking       []TrackingPoint `json:"tracking" bson:"tracking"`
	UpdatedAt      time.Time       `json:"updatedAt" bson:"updatedAt"`
}

type Order struct {
	ID          string    `json:"id" bson:"_id"`
	CompanyIDs  []string  `json:"companyIds" bson:"companyIds"`
	BranchIDs   []string  `json:"branchIds" bson:"branchIds"`
	Coordinates Coord     `json:"coordinates" bson:"coordinates"`
	DeliveryFee float64   `json:"deliveryFee" bson:"deliveryFee"`
	Delivery    Delivery  `json:"delivery" bson:"delivery"`
	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobMatched    JobStatus = "matched"
	JobUnmatched  JobStatus = "unmatched"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further work will be done for the job.
func (s JobStatus) Terminal() bool {
	return s == JobMatched || s == JobUnmatched || s == JobFailed
}

// DispatchJob is one "find riders for order X" unit of work. Jobs are kept
// after they finish for audit. Candidates are the riders this job notified;
// Offered are riders notified by earlier jobs for the same order, which a
// re-search skips.
type DispatchJob struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	Target     Coord      `json:"targetCoordinates"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError,omitempty"`
	Candidates []string   `json:"candidates,omitempty"`
	Offered    []string   `json:"offered,omitempty"`
	RunAt      time.Time  `json:"runAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Heartbeat is a rider client's periodic presence report.
type Heartbeat struct {
	RiderID string    `json:"riderId"`
	Loc     Coord     `json:"location"`
	Online  bool      `json:"online"`
	At      time.Time `json:"at"`
}
