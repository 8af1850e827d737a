// Package memstore is a mutex-guarded in-memory implementation of every repository
// the services need. It backs single-instance dev runs and service tests; each method
// is atomic, which mirrors the transactions of the Postgres store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/pkg/errors"
)

type Store struct {
	mu sync.Mutex

	validations map[string]models.TrackingValidation
	shipments   map[uint64]*models.Shipment
	byOwner     map[string]uint64
	lockers     map[string]*models.Locker
	deliveries  map[string][]models.DeliveryRecord
	nextID      uint64

	now func() time.Time
}

func New() *Store {
	return &Store{
		validations: map[string]models.TrackingValidation{},
		shipments:   map[uint64]*models.Shipment{},
		byOwner:     map[string]uint64{},
		lockers:     map[string]*models.Locker{},
		deliveries:  map[string][]models.DeliveryRecord{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func ownerKey(requesterID, trackingNumber string) string {
	return requesterID + "|" + trackingNumber
}

// ---- validations ----

func (s *Store) GetValidation(ctx context.Context, trackingNumber string) (*models.TrackingValidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validations[trackingNumber]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// SaveValidation inserts a record, or upgrades a low-trust one confirmed for the same
// carrier. A record for another carrier is left untouched. Returns what is stored.
func (s *Store) SaveValidation(ctx context.Context, v models.TrackingValidation) (*models.TrackingValidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.validations[v.TrackingNumber]
	switch {
	case !ok:
		s.validations[v.TrackingNumber] = v
	case cur.Carrier == v.Carrier && cur.LowTrust && !v.LowTrust:
		s.validations[v.TrackingNumber] = v
	}
	out := s.validations[v.TrackingNumber]
	return &out, nil
}

// ---- shipments ----

func (s *Store) FindShipment(ctx context.Context, requesterID, trackingNumber string) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOwner[ownerKey(requesterID, trackingNumber)]
	if !ok {
		return nil, nil
	}
	return cloneShipment(s.shipments[id]), nil
}

func (s *Store) FindShipmentsByTrackingNumber(ctx context.Context, trackingNumber string) ([]*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Shipment
	for _, sh := range s.shipments {
		if sh.TrackingNumber == trackingNumber {
			out = append(out, cloneShipment(sh))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindShipmentForLocker returns the most recently delivered shipment with this
// tracking number at the locker, falling back to the oldest one assigned there.
func (s *Store) FindShipmentForLocker(ctx context.Context, lockerID, trackingNumber string) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Shipment
	for _, sh := range s.shipments {
		if sh.TrackingNumber != trackingNumber || sh.AssignedLockerID != lockerID {
			continue
		}
		if best == nil || betterForLocker(sh, best) {
			best = sh
		}
	}
	return cloneShipment(best), nil
}

func betterForLocker(a, b *models.Shipment) bool {
	switch {
	case a.DeliveredAt != nil && b.DeliveredAt == nil:
		return true
	case a.DeliveredAt == nil && b.DeliveredAt != nil:
		return false
	case a.DeliveredAt != nil && b.DeliveredAt != nil && !a.DeliveredAt.Equal(*b.DeliveredAt):
		return a.DeliveredAt.After(*b.DeliveredAt)
	}
	return a.ID < b.ID
}

func (s *Store) CreateShipment(ctx context.Context, in models.ShipmentCreateInput, ev models.ShipmentEvent) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lockers[in.AssignedLockerID]
	if !ok {
		return nil, apperr.LockerNotFound(in.AssignedLockerID)
	}
	key := ownerKey(in.RequesterID, in.TrackingNumber)
	if _, dup := s.byOwner[key]; dup {
		return nil, apperr.AlreadySubmitted(in.TrackingNumber)
	}
	now := s.now()
	s.nextID++
	sh := &models.Shipment{
		ID:               s.nextID,
		RequesterID:      in.RequesterID,
		TrackingNumber:   in.TrackingNumber,
		AssignedLockerID: in.AssignedLockerID,
		Carrier:          in.Carrier,
		AuxiliaryCode:    in.AuxiliaryCode,
		Snapshot:         in.Snapshot,
		Status:           models.ShipmentStatusAwaitingDeposit,
		Events:           []models.ShipmentEvent{ev},
		NextCheckAt:      copyTime(in.NextCheckAt),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.shipments[sh.ID] = sh
	s.byOwner[key] = sh.ID
	if !l.HasPending(in.TrackingNumber) {
		l.PendingTrackingNumbers = append(l.PendingTrackingNumbers, in.TrackingNumber)
		l.UpdatedAt = now
	}
	return cloneShipment(sh), nil
}

func (s *Store) UpdateShipmentResolution(ctx context.Context, id uint64, carrier string, snap models.Snapshot, nextCheckAt *time.Time, ev models.ShipmentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[id]
	if !ok {
		return errors.Errorf("shipment %d not found", id)
	}
	sh.Carrier = carrier
	sh.Snapshot = snap
	sh.NextCheckAt = copyTime(nextCheckAt)
	sh.CheckFailCount = 0
	sh.Events = append(sh.Events, ev)
	sh.UpdatedAt = s.now()
	return nil
}

func (s *Store) RecordWeight(ctx context.Context, shipmentID uint64, weight float64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[shipmentID]
	if !ok {
		return false, errors.Errorf("shipment %d not found", shipmentID)
	}
	if sh.Weight != nil {
		return false, nil
	}
	if !sh.Status.Deposited() {
		return false, apperr.InvalidState(sh.TrackingNumber, string(sh.Status))
	}
	w := weight
	sh.Weight = &w
	sh.WeightRecordedAt = &at
	sh.Events = append(sh.Events, models.ShipmentEvent{Name: models.EventWeightRecorded, At: at})
	if sh.Status == models.ShipmentStatusDeliveredToLocker {
		sh.Status = models.ShipmentStatusReadyForPickup
		sh.Events = append(sh.Events, models.ShipmentEvent{Name: models.EventReadyForPickup, At: at})
	}
	sh.UpdatedAt = at
	return true, nil
}

func (s *Store) ClaimRevalidations(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.Shipment
	for _, sh := range s.shipments {
		if sh.Status != models.ShipmentStatusAwaitingDeposit || sh.NextCheckAt == nil || sh.NextCheckAt.After(now) {
			continue
		}
		due = append(due, sh)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextCheckAt.Equal(*due[j].NextCheckAt) {
			return due[i].NextCheckAt.Before(*due[j].NextCheckAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*models.Shipment, 0, len(due))
	leased := now.Add(lease)
	for _, sh := range due {
		sh.NextCheckAt = &leased
		out = append(out, cloneShipment(sh))
	}
	return out, nil
}

func (s *Store) RescheduleRevalidation(ctx context.Context, id uint64, next *time.Time, failCount int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[id]
	if !ok {
		return errors.Errorf("shipment %d not found", id)
	}
	sh.NextCheckAt = copyTime(next)
	sh.CheckFailCount = failCount
	return nil
}

// ---- lockers ----

func (s *Store) CreateLocker(ctx context.Context, lockerID, token string, at time.Time) (*models.Locker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lockers[lockerID]; ok {
		return cloneLocker(l), false, nil
	}
	l := &models.Locker{
		LockerID:       lockerID,
		AccessToken:    token,
		TokenRotatedAt: at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	s.lockers[lockerID] = l
	return cloneLocker(l), true, nil
}

func (s *Store) GetLocker(ctx context.Context, lockerID string) (*models.Locker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lockers[lockerID]
	if !ok {
		return nil, nil
	}
	return cloneLocker(l), nil
}

func (s *Store) RotateToken(ctx context.Context, lockerID, newToken string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lockers[lockerID]
	if !ok {
		return apperr.LockerNotFound(lockerID)
	}
	l.AccessToken = newToken
	l.TokenRotatedAt = at
	l.UpdatedAt = at
	return nil
}

// CommitDeposit applies a deposit atomically: token compare-and-swap on the locker and
// a status-conditional update of the shipment.
func (s *Store) CommitDeposit(ctx context.Context, c models.DepositCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lockers[c.LockerID]
	if !ok {
		return apperr.LockerNotFound(c.LockerID)
	}
	if l.AccessToken != c.PresentedToken {
		return apperr.TokenInvalid(c.LockerID)
	}
	sh, ok := s.shipments[c.ShipmentID]
	if !ok {
		return apperr.ShipmentNotFound(c.TrackingNumber)
	}
	if sh.Status != models.ShipmentStatusAwaitingDeposit {
		return apperr.InvalidState(sh.TrackingNumber, string(sh.Status))
	}

	at := c.At
	if c.Weight != nil && sh.Weight == nil {
		w := *c.Weight
		sh.Weight = &w
		sh.WeightRecordedAt = &at
	}
	sh.Status = models.ShipmentStatusDeliveredToLocker
	sh.DeliveredAt = &at
	sh.NextCheckAt = nil
	sh.Events = append(sh.Events, c.Event)
	sh.UpdatedAt = at

	s.deliveries[c.LockerID] = append(s.deliveries[c.LockerID], c.Delivery)
	l.PendingTrackingNumbers = without(l.PendingTrackingNumbers, c.TrackingNumber)
	cmd := c.Command
	l.PendingCommand = &cmd
	l.AccessToken = c.NewToken
	l.TokenRotatedAt = at
	l.UpdatedAt = at
	return nil
}

func (s *Store) CommitPickup(ctx context.Context, p models.PickupCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[p.ShipmentID]
	if !ok {
		return apperr.ShipmentNotFound(p.TrackingNumber)
	}
	if sh.Status != models.ShipmentStatusDeliveredToLocker && sh.Status != models.ShipmentStatusReadyForPickup {
		return apperr.InvalidState(sh.TrackingNumber, string(sh.Status))
	}
	at := p.At
	sh.Status = models.ShipmentStatusDeliveredToCustomer
	sh.PickedUpAt = &at
	sh.Events = append(sh.Events, p.Event)
	sh.UpdatedAt = at
	if l, ok := s.lockers[p.LockerID]; ok {
		cmd := p.Command
		l.PendingCommand = &cmd
		l.UpdatedAt = at
	}
	return nil
}

// TakeCommand returns and clears the pending command, recording the poll as a heartbeat.
func (s *Store) TakeCommand(ctx context.Context, lockerID string, at time.Time) (*models.LockerCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lockers[lockerID]
	if !ok {
		return nil, apperr.LockerNotFound(lockerID)
	}
	cmd := l.PendingCommand
	l.PendingCommand = nil
	l.LastHeartbeatAt = &at
	return cmd, nil
}

func (s *Store) Touch(ctx context.Context, lockerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lockers[lockerID]
	if !ok {
		return apperr.LockerNotFound(lockerID)
	}
	l.LastHeartbeatAt = &at
	return nil
}

// ListDeliveries returns the newest deliveries first.
func (s *Store) ListDeliveries(ctx context.Context, lockerID string, limit int) ([]models.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.deliveries[lockerID]
	out := make([]models.DeliveryRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func without(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneShipment(sh *models.Shipment) *models.Shipment {
	if sh == nil {
		return nil
	}
	c := *sh
	if sh.Weight != nil {
		w := *sh.Weight
		c.Weight = &w
	}
	c.WeightRecordedAt = copyTime(sh.WeightRecordedAt)
	c.DeliveredAt = copyTime(sh.DeliveredAt)
	c.PickedUpAt = copyTime(sh.PickedUpAt)
	c.NextCheckAt = copyTime(sh.NextCheckAt)
	c.Events = append([]models.ShipmentEvent(nil), sh.Events...)
	return &c
}

func cloneLocker(l *models.Locker) *models.Locker {
	c := *l
	c.PendingTrackingNumbers = append([]string(nil), l.PendingTrackingNumbers...)
	if l.PendingCommand != nil {
		cmd := *l.PendingCommand
		c.PendingCommand = &cmd
	}
	c.LastHeartbeatAt = copyTime(l.LastHeartbeatAt)
	return &c
}
