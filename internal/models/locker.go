package models

import "time"

const CommandOpen = "open"

type LockerCommand struct {
	Type           string    `json:"type"`
	TrackingNumber string    `json:"trackingNumber,omitempty"`
	IssuedAt       time.Time `json:"issuedAt"`
}

// DeliveryRecord is one entry of the locker's append-only audit trail.
type DeliveryRecord struct {
	CourierID      string    `json:"courierId"`
	TrackingNumber string    `json:"trackingNumber"`
	DeliveredAt    time.Time `json:"deliveredAt"`
	TokenConsumed  string    `json:"tokenConsumed"`
}

type Locker struct {
	LockerID               string
	AccessToken            string
	TokenRotatedAt         time.Time
	PendingTrackingNumbers []string
	PendingCommand         *LockerCommand
	LastHeartbeatAt        *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (l *Locker) HasPending(trackingNumber string) bool {
	for _, tn := range l.PendingTrackingNumbers {
		if tn == trackingNumber {
			return true
		}
	}
	return false
}

type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessOffline Liveness = "offline"
	LivenessUnknown Liveness = "unknown"
)

// LivenessAt derives the controller status from the last heartbeat.
func (l *Locker) LivenessAt(now time.Time, window time.Duration) Liveness {
	if l.LastHeartbeatAt == nil {
		return LivenessUnknown
	}
	if now.Sub(*l.LastHeartbeatAt) < window {
		return LivenessOnline
	}
	return LivenessOffline
}

// DepositCommit is everything a successful deposit writes in one transaction.
type DepositCommit struct {
	LockerID       string
	PresentedToken string
	NewToken       string
	ShipmentID     uint64
	TrackingNumber string
	Weight         *float64
	Command        LockerCommand
	Delivery       DeliveryRecord
	Event          ShipmentEvent
	At             time.Time
}

// PickupCommit releases a delivered shipment to its requester and queues the door opening.
type PickupCommit struct {
	ShipmentID     uint64
	LockerID       string
	TrackingNumber string
	Command        LockerCommand
	Event          ShipmentEvent
	At             time.Time
}
