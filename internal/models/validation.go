package models

import (
	"encoding/json"
	"time"
)

// Snapshot is the carrier-reported state of a shipment. The core never interprets
// Summary/Detail/History, it only stores and returns them.
type Snapshot struct {
	Status      string          `json:"status,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	History     json.RawMessage `json:"history,omitempty"`
	Placeholder bool            `json:"placeholder,omitempty"`
}

// PlaceholderSnapshot is stored when a high-confidence pattern was accepted without
// provider confirmation.
func PlaceholderSnapshot() Snapshot {
	return Snapshot{Status: "UNCONFIRMED", Placeholder: true}
}

type TrackingValidation struct {
	TrackingNumber string    `json:"trackingNumber"`
	Carrier        string    `json:"carrier"`
	Snapshot       Snapshot  `json:"snapshot"`
	ConfirmedAt    time.Time `json:"confirmedAt"`
	LowTrust       bool      `json:"lowTrust"`
}

// Resolution is what submit and revalidate return to the caller.
type Resolution struct {
	TrackingNumber string   `json:"trackingNumber"`
	Carrier        string   `json:"carrier"`
	Snapshot       Snapshot `json:"snapshot"`
	FromCache      bool     `json:"fromCache"`
	LowTrust       bool     `json:"lowTrust"`
}
