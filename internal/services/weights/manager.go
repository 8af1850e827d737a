// Package weights runs the per-locker measurement window opened by a deposit.
// The package weight is the absolute difference between the first and the last
// scale reading, so scale zero drift and the locker's own weight cancel out.
package weights

import (
	"context"
	"math"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/broker/messages"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/BearBump/LockerBox/internal/services/detector"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SessionStore is implemented by rediscache.WeightSessions and MemoryStore.
// Append returns models.ErrSessionInactive when there is no active session.
type SessionStore interface {
	Start(ctx context.Context, s models.WeightSession) error
	Append(ctx context.Context, lockerID string, r models.WeightReading) (int, error)
	Get(ctx context.Context, lockerID string) (*models.WeightSession, error)
	Deactivate(ctx context.Context, lockerID string) error
}

type Repository interface {
	GetLocker(ctx context.Context, lockerID string) (*models.Locker, error)
	FindShipmentForLocker(ctx context.Context, lockerID, trackingNumber string) (*models.Shipment, error)
	// RecordWeight writes the weight only if none is recorded yet and reports whether it did.
	RecordWeight(ctx context.Context, shipmentID uint64, weight float64, at time.Time) (bool, error)
}

type Notifier interface {
	Publish(ctx context.Context, ev messages.ShipmentEvent)
}

type Manager struct {
	repo     Repository
	sessions SessionStore
	notifier Notifier
	log      *zap.Logger

	minKg, maxKg float64
	now          func() time.Time
}

func New(repo Repository, sessions SessionStore, n Notifier, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		repo:     repo,
		sessions: sessions,
		notifier: n,
		log:      log,
		minKg:    0,
		maxKg:    150,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithRange sets the accepted reading range in kilograms.
func (m *Manager) WithRange(minKg, maxKg float64) *Manager {
	if maxKg > minKg {
		m.minKg, m.maxKg = minKg, maxKg
	}
	return m
}

// Start opens a fresh session for the locker, replacing any previous one.
func (m *Manager) Start(ctx context.Context, lockerID, trackingNumber string) error {
	tn := detector.Sanitize(trackingNumber)
	if tn == "" {
		return apperr.Validation("trackingNumber is required")
	}
	l, err := m.repo.GetLocker(ctx, lockerID)
	if err != nil {
		return err
	}
	if l == nil {
		return apperr.LockerNotFound(lockerID)
	}
	sh, err := m.repo.FindShipmentForLocker(ctx, lockerID, tn)
	if err != nil {
		return err
	}
	if sh == nil {
		return apperr.ShipmentNotFound(tn)
	}
	// Весы имеют смысл только после того, как посылка легла в ячейку.
	if !sh.Status.Deposited() {
		return apperr.InvalidState(tn, string(sh.Status))
	}
	return m.sessions.Start(ctx, models.WeightSession{
		LockerID:       lockerID,
		TrackingNumber: tn,
		Active:         true,
		StartedAt:      m.now(),
	})
}

// Reading appends a scale value and returns the number of readings in the session.
func (m *Manager) Reading(ctx context.Context, lockerID string, value float64) (int, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, apperr.Validation("weight reading must be a finite number")
	}
	if value < m.minKg || value > m.maxKg {
		return 0, apperr.Validation("weight reading %.3f outside [%g, %g] kg", value, m.minKg, m.maxKg)
	}
	n, err := m.sessions.Append(ctx, lockerID, models.WeightReading{Value: value, At: m.now()})
	if errors.Is(err, models.ErrSessionInactive) {
		return 0, apperr.NoActiveSession(lockerID)
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

type FinalizeResult struct {
	TrackingNumber string  `json:"trackingNumber"`
	Weight         float64 `json:"weight"`
	// AlreadyRecorded is true when an earlier finalize (or the deposit) set the weight.
	AlreadyRecorded bool `json:"alreadyRecorded"`
}

// Finalize computes the differential weight and stores it on the shipment.
// Repeated calls after the weight is recorded succeed without changing it.
func (m *Manager) Finalize(ctx context.Context, lockerID string) (FinalizeResult, error) {
	s, err := m.sessions.Get(ctx, lockerID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if s == nil {
		return FinalizeResult{}, apperr.NoActiveSession(lockerID)
	}
	if len(s.Readings) < 2 {
		return FinalizeResult{}, apperr.InsufficientReadings(lockerID, len(s.Readings))
	}
	weight := Differential(s.Readings)

	sh, err := m.repo.FindShipmentForLocker(ctx, lockerID, s.TrackingNumber)
	if err != nil {
		return FinalizeResult{}, err
	}
	if sh == nil {
		return FinalizeResult{}, apperr.ShipmentNotFound(s.TrackingNumber)
	}
	if !sh.Status.Deposited() {
		return FinalizeResult{}, apperr.InvalidState(s.TrackingNumber, string(sh.Status))
	}

	res := FinalizeResult{TrackingNumber: s.TrackingNumber, Weight: weight}
	if sh.Weight != nil {
		res.Weight, res.AlreadyRecorded = *sh.Weight, true
		m.deactivate(ctx, lockerID)
		return res, nil
	}

	at := m.now()
	recorded, err := m.repo.RecordWeight(ctx, sh.ID, weight, at)
	if err != nil {
		return FinalizeResult{}, err
	}
	m.deactivate(ctx, lockerID)
	if !recorded {
		// Параллельный finalize успел раньше.
		if cur, err := m.repo.FindShipmentForLocker(ctx, lockerID, s.TrackingNumber); err == nil && cur != nil && cur.Weight != nil {
			res.Weight = *cur.Weight
		}
		res.AlreadyRecorded = true
		return res, nil
	}

	if m.notifier != nil {
		w := weight
		m.notifier.Publish(ctx, messages.ShipmentEvent{
			Type:           messages.ShipmentWeightRecorded,
			ShipmentID:     sh.ID,
			RequesterID:    sh.RequesterID,
			TrackingNumber: sh.TrackingNumber,
			LockerID:       lockerID,
			Carrier:        sh.Carrier,
			Status:         string(models.ShipmentStatusReadyForPickup),
			Weight:         &w,
			OccurredAt:     at,
		})
	}
	return res, nil
}

func (m *Manager) deactivate(ctx context.Context, lockerID string) {
	if err := m.sessions.Deactivate(ctx, lockerID); err != nil {
		m.log.Warn("deactivate weight session", zap.String("locker_id", lockerID), zap.Error(err))
	}
}

type SessionStatus struct {
	LockerID       string                `json:"lockerId"`
	Active         bool                  `json:"active"`
	TrackingNumber string                `json:"trackingNumber,omitempty"`
	Readings       int                   `json:"readings"`
	LastReading    *models.WeightReading `json:"lastReading,omitempty"`
	StartedAt      *time.Time            `json:"startedAt,omitempty"`
}

func (m *Manager) Status(ctx context.Context, lockerID string) (SessionStatus, error) {
	st := SessionStatus{LockerID: lockerID}
	s, err := m.sessions.Get(ctx, lockerID)
	if err != nil {
		return st, err
	}
	if s == nil {
		return st, nil
	}
	st.Active = s.Active
	st.TrackingNumber = s.TrackingNumber
	st.Readings = len(s.Readings)
	if n := len(s.Readings); n > 0 {
		last := s.Readings[n-1]
		st.LastReading = &last
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		st.StartedAt = &t
	}
	return st, nil
}

// Differential is |first - last|, rounded to grams.
func Differential(readings []models.WeightReading) float64 {
	if len(readings) < 2 {
		return 0
	}
	d := math.Abs(readings[0].Value - readings[len(readings)-1].Value)
	return math.Round(d*1000) / 1000
}
