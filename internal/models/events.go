package models

import "time"

// Real-time event names. Riders, vendors and admins subscribe to rooms and
// receive these as {"event": name, "data": payload} frames.
const (
	EventNewOrder        = "NEW_ORDER"
	EventAdminAlert      = "ADMIN_ALERT"
	EventVendorAlert     = "VENDOR_ALERT"
	EventLocationUpdated = "location_updated"
	EventOrderTaken      = "ORDER_TAKEN"
	EventOrderAssigned   = "ORDER_ASSIGNED"
	EventDeliveryStatus  = "DELIVERY_STATUS"
)

// AdminRoom is the well-known room every platform admin joins.
const AdminRoom = "super_admins"

const (
	VendorCompany = "Company"
	VendorBranch  = "Branch"
)

type NewOrderPayload struct {
	OrderID        string  `json:"orderId"`
	Message        string  `json:"message"`
	Coordinates    Coord   `json:"coordinates"`
	DistanceMeters float64 `json:"distanceMeters"`
	ETASeconds     float64 `json:"etaSeconds"`
}

type AdminAlertPayload struct {
	Message string `json:"message"`
	OrderID string `json:"orderId"`
}

type VendorAlertPayload struct {
	Message string `json:"message"`
	OrderID string `json:"orderId"`
	Type    string `json:"type"`
}

type LocationUpdatedPayload struct {
	OrderID string    `json:"orderId"`
	RiderID string    `json:"riderId,omitempty"`
	Lat     float64   `json:"lat"`
	Lng     float64   `json:"lng"`
	At      time.Time `json:"at"`
	Seq     int64     `json:"seq"`
}

type OrderTakenPayload struct {
	OrderID string `json:"orderId"`
	Message string `json:"message"`
}

type OrderAssignedPayload struct {
	OrderID string `json:"orderId"`
	RiderID string `json:"riderId"`
}

type DeliveryStatusPayload struct {
	OrderID string         `json:"orderId"`
	Status  DeliveryStatus `json:"status"`
	RiderID string         `json:"riderId,omitempty"`
}
