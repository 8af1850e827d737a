package models

import (
	"errors"
	"time"
)

type WeightReading struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

type WeightSession struct {
	LockerID       string          `json:"lockerId"`
	TrackingNumber string          `json:"trackingNumber"`
	Readings       []WeightReading `json:"readings"`
	Active         bool            `json:"active"`
	StartedAt      time.Time       `json:"startedAt"`
}

// ErrSessionInactive is returned by session stores when a reading arrives for a locker
// without an active session.
var ErrSessionInactive = errors.New("weight session is not active")
