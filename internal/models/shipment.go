package models

import "time"

type ShipmentStatus string

// Порядок статусов важен: переходы только вперёд.
const (
	ShipmentStatusAwaitingDeposit     ShipmentStatus = "awaiting_deposit"
	ShipmentStatusDeliveredToLocker   ShipmentStatus = "delivered_to_locker"
	ShipmentStatusReadyForPickup      ShipmentStatus = "ready_for_pickup"
	ShipmentStatusDeliveredToCustomer ShipmentStatus = "delivered_to_customer"
)

var statusRank = map[ShipmentStatus]int{
	ShipmentStatusAwaitingDeposit:     0,
	ShipmentStatusDeliveredToLocker:   1,
	ShipmentStatusReadyForPickup:      2,
	ShipmentStatusDeliveredToCustomer: 3,
}

// Rank returns the position of s in the lifecycle, or -1 for an unknown status.
func (s ShipmentStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

func (s ShipmentStatus) Valid() bool { return s.Rank() >= 0 }

// Deposited reports whether the parcel is already in (or has left) the locker.
func (s ShipmentStatus) Deposited() bool {
	return s.Rank() >= ShipmentStatusDeliveredToLocker.Rank()
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
func (s ShipmentStatus) CanAdvanceTo(next ShipmentStatus) bool {
	return s.Valid() && next.Valid() && next.Rank() > s.Rank()
}

// Shipment event names.
const (
	EventSubmitted         = "submitted"
	EventRevalidated       = "revalidated"
	EventDeliveredToLocker = "delivered_to_locker"
	EventWeightRecorded    = "weight_recorded"
	EventReadyForPickup    = "ready_for_pickup"
	EventPickedUp          = "delivered_to_customer"
)

type ShipmentEvent struct {
	Name   string    `json:"name"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

type Shipment struct {
	ID               uint64
	RequesterID      string
	TrackingNumber   string
	AssignedLockerID string
	Carrier          string
	AuxiliaryCode    string
	Snapshot         Snapshot
	Status           ShipmentStatus
	Weight           *float64
	WeightRecordedAt *time.Time
	DeliveredAt      *time.Time
	PickedUpAt       *time.Time
	Events           []ShipmentEvent

	// Планирование повторной проверки для low-trust записей.
	NextCheckAt    *time.Time
	CheckFailCount int32

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NeedsRevalidation is true while the carrier has not been confirmed by the provider.
func (s *Shipment) NeedsRevalidation() bool {
	return s.Carrier == "" || s.Snapshot.Placeholder
}

type ShipmentCreateInput struct {
	RequesterID      string
	TrackingNumber   string
	AssignedLockerID string
	Carrier          string
	AuxiliaryCode    string
	Snapshot         Snapshot
	NextCheckAt      *time.Time
}
