package messages

import "time"

// Типы событий, которые уходят в топик shipment events.
const (
	ShipmentSubmitted         = "shipment.submitted"
	ShipmentRevalidated       = "shipment.revalidated"
	ShipmentDeliveredToLocker = "shipment.delivered_to_locker"
	ShipmentWeightRecorded    = "shipment.weight_recorded"
	ShipmentPickedUp          = "shipment.picked_up"
)

type ShipmentEvent struct {
	Type           string    `json:"type"`
	ShipmentID     uint64    `json:"shipment_id"`
	RequesterID    string    `json:"requester_id"`
	TrackingNumber string    `json:"tracking_number"`
	LockerID       string    `json:"locker_id,omitempty"`
	Carrier        string    `json:"carrier,omitempty"`
	Status         string    `json:"status,omitempty"`
	LowTrust       bool      `json:"low_trust,omitempty"`
	Weight         *float64  `json:"weight,omitempty"`
	CourierID      string    `json:"courier_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Key partitions events per shipment so consumers see them in order.
func (e ShipmentEvent) Key() []byte {
	return []byte(e.TrackingNumber + "|" + e.RequesterID)
}
