package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  id, requester_id, tracking_number, assigned_locker_id,
  carrier, auxiliary_code, snapshot, status,
  weight, weight_recorded_at, delivered_at, picked_up_at,
  next_check_at, check_fail_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*models.Shipment, error) {
	var sh models.Shipment
	var snap []byte
	if err := row.Scan(
		&sh.ID, &sh.RequesterID, &sh.TrackingNumber, &sh.AssignedLockerID,
		&sh.Carrier, &sh.AuxiliaryCode, &snap, &sh.Status,
		&sh.Weight, &sh.WeightRecordedAt, &sh.DeliveredAt, &sh.PickedUpAt,
		&sh.NextCheckAt, &sh.CheckFailCount, &sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(snap) > 0 {
		if err := json.Unmarshal(snap, &sh.Snapshot); err != nil {
			return nil, errors.Wrap(err, "decode shipment snapshot")
		}
	}
	return &sh, nil
}

func (s *Storage) queryShipments(ctx context.Context, q pgx.Tx, sql string, args ...any) ([]*models.Shipment, error) {
	var rows pgx.Rows
	var err error
	if q != nil {
		rows, err = q.Query(ctx, sql, args...)
	} else {
		rows, err = s.db.Query(ctx, sql, args...)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// withEvents loads the event log of every shipment in one query.
func (s *Storage) withEvents(ctx context.Context, shs []*models.Shipment) ([]*models.Shipment, error) {
	if len(shs) == 0 {
		return shs, nil
	}
	ids := make([]uint64, 0, len(shs))
	byID := make(map[uint64]*models.Shipment, len(shs))
	for _, sh := range shs {
		ids = append(ids, sh.ID)
		byID[sh.ID] = sh
	}
	rows, err := s.db.Query(ctx, `
SELECT shipment_id, name, at, detail
FROM shipment_events
WHERE shipment_id = ANY($1)
ORDER BY id
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select shipment events")
	}
	defer rows.Close()
	for rows.Next() {
		var id uint64
		var ev models.ShipmentEvent
		if err := rows.Scan(&id, &ev.Name, &ev.At, &ev.Detail); err != nil {
			return nil, errors.Wrap(err, "scan shipment event")
		}
		if sh, ok := byID[id]; ok {
			sh.Events = append(sh.Events, ev)
		}
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return shs, nil
}

func (s *Storage) one(ctx context.Context, sql string, args ...any) (*models.Shipment, error) {
	shs, err := s.queryShipments(ctx, nil, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(shs) == 0 {
		return nil, nil
	}
	shs, err = s.withEvents(ctx, shs[:1])
	if err != nil {
		return nil, err
	}
	return shs[0], nil
}

func (s *Storage) FindShipment(ctx context.Context, requesterID, trackingNumber string) (*models.Shipment, error) {
	return s.one(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE requester_id = $1 AND tracking_number = $2`,
		requesterID, trackingNumber)
}

func (s *Storage) FindShipmentsByTrackingNumber(ctx context.Context, trackingNumber string) ([]*models.Shipment, error) {
	shs, err := s.queryShipments(ctx, nil, `SELECT`+shipmentColumns+` FROM shipments WHERE tracking_number = $1 ORDER BY id`, trackingNumber)
	if err != nil {
		return nil, err
	}
	return s.withEvents(ctx, shs)
}

func (s *Storage) FindShipmentForLocker(ctx context.Context, lockerID, trackingNumber string) (*models.Shipment, error) {
	return s.one(ctx, `SELECT`+shipmentColumns+`
FROM shipments
WHERE assigned_locker_id = $1 AND tracking_number = $2
ORDER BY delivered_at DESC NULLS LAST, id
LIMIT 1`, lockerID, trackingNumber)
}

func insertEvent(ctx context.Context, tx pgx.Tx, shipmentID uint64, ev models.ShipmentEvent) error {
	_, err := tx.Exec(ctx, `INSERT INTO shipment_events (shipment_id, name, at, detail) VALUES ($1,$2,$3,$4)`,
		shipmentID, ev.Name, ev.At.UTC(), ev.Detail)
	return errors.Wrap(err, "insert shipment event")
}

// CreateShipment inserts the shipment and adds its number to the locker's pending set
// in one transaction.
func (s *Storage) CreateShipment(ctx context.Context, in models.ShipmentCreateInput, ev models.ShipmentEvent) (*models.Shipment, error) {
	now := time.Now().UTC()
	snap, err := json.Marshal(in.Snapshot)
	if err != nil {
		return nil, errors.Wrap(err, "encode shipment snapshot")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE lockers
SET pending_tracking_numbers = CASE
      WHEN $2::text = ANY(pending_tracking_numbers) THEN pending_tracking_numbers
      ELSE array_append(pending_tracking_numbers, $2::text)
    END,
    updated_at = $3
WHERE locker_id = $1
`, in.AssignedLockerID, in.TrackingNumber, now)
	if err != nil {
		return nil, errors.Wrap(err, "update pending set")
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.LockerNotFound(in.AssignedLockerID)
	}

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO shipments (
  requester_id, tracking_number, assigned_locker_id, carrier, auxiliary_code,
  snapshot, status, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
ON CONFLICT (requester_id, tracking_number) DO NOTHING
RETURNING id
`, in.RequesterID, in.TrackingNumber, in.AssignedLockerID, in.Carrier, in.AuxiliaryCode,
		snap, models.ShipmentStatusAwaitingDeposit, in.NextCheckAt, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return nil, apperr.AlreadySubmitted(in.TrackingNumber)
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}
	if err := insertEvent(ctx, tx, id, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return s.one(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1`, id)
}

func (s *Storage) UpdateShipmentResolution(ctx context.Context, id uint64, carrier string, snap models.Snapshot, nextCheckAt *time.Time, ev models.ShipmentEvent) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode shipment snapshot")
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE shipments
SET carrier = $2, snapshot = $3, next_check_at = $4, check_fail_count = 0, updated_at = now()
WHERE id = $1
`, id, carrier, b, nextCheckAt)
	if err != nil {
		return errors.Wrap(err, "update shipment resolution")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("shipment %d not found", id)
	}
	if err := insertEvent(ctx, tx, id, ev); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// RecordWeight sets the weight once and advances delivered_to_locker to ready_for_pickup.
func (s *Storage) RecordWeight(ctx context.Context, shipmentID uint64, weight float64, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status models.ShipmentStatus
	var tn string
	var current *float64
	err = tx.QueryRow(ctx, `SELECT status, tracking_number, weight FROM shipments WHERE id = $1 FOR UPDATE`, shipmentID).Scan(&status, &tn, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, errors.Errorf("shipment %d not found", shipmentID)
	}
	if err != nil {
		return false, errors.Wrap(err, "select shipment weight")
	}
	if current != nil {
		return false, nil
	}
	if !status.Deposited() {
		return false, apperr.InvalidState(tn, string(status))
	}

	next := status
	if status == models.ShipmentStatusDeliveredToLocker {
		next = models.ShipmentStatusReadyForPickup
	}
	at = at.UTC()
	if _, err := tx.Exec(ctx, `
UPDATE shipments
SET weight = $2, weight_recorded_at = $3, status = $4, updated_at = $3
WHERE id = $1
`, shipmentID, weight, at, next); err != nil {
		return false, errors.Wrap(err, "update shipment weight")
	}
	if err := insertEvent(ctx, tx, shipmentID, models.ShipmentEvent{Name: models.EventWeightRecorded, At: at}); err != nil {
		return false, err
	}
	if next != status {
		if err := insertEvent(ctx, tx, shipmentID, models.ShipmentEvent{Name: models.EventReadyForPickup, At: at}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}

// ClaimRevalidations выбирает low-trust отправления, которым пора на перепроверку,
// и сдвигает next_check_at на время аренды, чтобы другой воркер их не взял.
func (s *Storage) ClaimRevalidations(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	picked, err := s.queryShipments(ctx, tx, `SELECT`+shipmentColumns+`
FROM shipments
WHERE next_check_at IS NOT NULL
  AND next_check_at <= $1
  AND status = $2
ORDER BY next_check_at ASC, id
LIMIT $3
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.ShipmentStatusAwaitingDeposit, limit)
	if err != nil {
		return nil, err
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		if _, err := tx.Exec(ctx, `UPDATE shipments SET next_check_at = $2 WHERE id = $1`, sh.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		t := leaseUntil
		sh.NextCheckAt = &t
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) RescheduleRevalidation(ctx context.Context, id uint64, next *time.Time, failCount int32) error {
	_, err := s.db.Exec(ctx, `UPDATE shipments SET next_check_at = $2, check_fail_count = $3, updated_at = now() WHERE id = $1`,
		id, next, failCount)
	return errors.Wrap(err, "reschedule revalidation")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
