package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const lockerColumns = `
  locker_id, access_token, token_rotated_at, pending_tracking_numbers,
  pending_command, last_heartbeat_at, created_at, updated_at`

func scanLocker(row rowScanner) (*models.Locker, error) {
	var l models.Locker
	var cmd []byte
	if err := row.Scan(
		&l.LockerID, &l.AccessToken, &l.TokenRotatedAt, &l.PendingTrackingNumbers,
		&cmd, &l.LastHeartbeatAt, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(cmd) > 0 {
		var c models.LockerCommand
		if err := json.Unmarshal(cmd, &c); err != nil {
			return nil, errors.Wrap(err, "decode pending command")
		}
		l.PendingCommand = &c
	}
	return &l, nil
}

func (s *Storage) GetLocker(ctx context.Context, lockerID string) (*models.Locker, error) {
	l, err := scanLocker(s.db.QueryRow(ctx, `SELECT`+lockerColumns+` FROM lockers WHERE locker_id = $1`, lockerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select locker")
	}
	return l, nil
}

func (s *Storage) CreateLocker(ctx context.Context, lockerID, token string, at time.Time) (*models.Locker, bool, error) {
	at = at.UTC()
	l, err := scanLocker(s.db.QueryRow(ctx, `
INSERT INTO lockers (locker_id, access_token, token_rotated_at, created_at, updated_at)
VALUES ($1,$2,$3,$3,$3)
ON CONFLICT (locker_id) DO NOTHING
RETURNING`+lockerColumns, lockerID, token, at))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetLocker(ctx, lockerID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "insert locker")
	}
	return l, true, nil
}

func (s *Storage) RotateToken(ctx context.Context, lockerID, newToken string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE lockers SET access_token = $2, token_rotated_at = $3, updated_at = $3 WHERE locker_id = $1
`, lockerID, newToken, at.UTC())
	if err != nil {
		return errors.Wrap(err, "rotate token")
	}
	if tag.RowsAffected() == 0 {
		return apperr.LockerNotFound(lockerID)
	}
	return nil
}

// CommitDeposit applies a deposit in one transaction. The locker update is a
// compare-and-swap on the presented token; the shipment update requires
// awaiting_deposit. Either failing rolls everything back.
func (s *Storage) CommitDeposit(ctx context.Context, c models.DepositCommit) error {
	at := c.At.UTC()
	cmd, err := json.Marshal(c.Command)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE lockers
SET access_token = $3,
    token_rotated_at = $4,
    pending_tracking_numbers = array_remove(pending_tracking_numbers, $5::text),
    pending_command = $6,
    updated_at = $4
WHERE locker_id = $1 AND access_token = $2
`, c.LockerID, c.PresentedToken, c.NewToken, at, c.TrackingNumber, cmd)
	if err != nil {
		return errors.Wrap(err, "swap locker token")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lockers WHERE locker_id = $1)`, c.LockerID).Scan(&exists); err != nil {
			return errors.Wrap(err, "select locker")
		}
		if !exists {
			return apperr.LockerNotFound(c.LockerID)
		}
		return apperr.TokenInvalid(c.LockerID)
	}

	tag, err = tx.Exec(ctx, `
UPDATE shipments
SET status = $2,
    delivered_at = $3,
    weight = COALESCE(weight, $4::float8),
    weight_recorded_at = CASE WHEN weight IS NOT NULL OR $4::float8 IS NULL THEN weight_recorded_at ELSE $3 END,
    next_check_at = NULL,
    updated_at = $3
WHERE id = $1 AND status = $5
`, c.ShipmentID, models.ShipmentStatusDeliveredToLocker, at, c.Weight, models.ShipmentStatusAwaitingDeposit)
	if err != nil {
		return errors.Wrap(err, "update shipment")
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM shipments WHERE id = $1`, c.ShipmentID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.ShipmentNotFound(c.TrackingNumber)
		}
		if err != nil {
			return errors.Wrap(err, "select shipment status")
		}
		return apperr.InvalidState(c.TrackingNumber, status)
	}

	if err := insertEvent(ctx, tx, c.ShipmentID, c.Event); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO locker_deliveries (locker_id, courier_id, tracking_number, delivered_at, token_consumed)
VALUES ($1,$2,$3,$4,$5)
`, c.LockerID, c.Delivery.CourierID, c.Delivery.TrackingNumber, c.Delivery.DeliveredAt.UTC(), c.Delivery.TokenConsumed); err != nil {
		return errors.Wrap(err, "insert delivery")
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func (s *Storage) CommitPickup(ctx context.Context, p models.PickupCommit) error {
	at := p.At.UTC()
	cmd, err := json.Marshal(p.Command)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE shipments
SET status = $2, picked_up_at = $3, updated_at = $3
WHERE id = $1 AND status IN ($4, $5)
`, p.ShipmentID, models.ShipmentStatusDeliveredToCustomer, at,
		models.ShipmentStatusDeliveredToLocker, models.ShipmentStatusReadyForPickup)
	if err != nil {
		return errors.Wrap(err, "update shipment")
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM shipments WHERE id = $1`, p.ShipmentID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.ShipmentNotFound(p.TrackingNumber)
		}
		if err != nil {
			return errors.Wrap(err, "select shipment status")
		}
		return apperr.InvalidState(p.TrackingNumber, status)
	}
	if err := insertEvent(ctx, tx, p.ShipmentID, p.Event); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE lockers SET pending_command = $2, updated_at = $3 WHERE locker_id = $1`,
		p.LockerID, cmd, at); err != nil {
		return errors.Wrap(err, "queue pickup command")
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// TakeCommand atomically reads and clears the pending command and records the poll
// as a heartbeat.
func (s *Storage) TakeCommand(ctx context.Context, lockerID string, at time.Time) (*models.LockerCommand, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
UPDATE lockers l
SET pending_command = NULL, last_heartbeat_at = $2
FROM (SELECT locker_id, pending_command FROM lockers WHERE locker_id = $1 FOR UPDATE) prev
WHERE l.locker_id = prev.locker_id
RETURNING prev.pending_command
`, lockerID, at.UTC()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.LockerNotFound(lockerID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "take command")
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var c models.LockerCommand
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errors.Wrap(err, "decode pending command")
	}
	return &c, nil
}

func (s *Storage) Touch(ctx context.Context, lockerID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE lockers SET last_heartbeat_at = $2 WHERE locker_id = $1`, lockerID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "touch locker")
	}
	if tag.RowsAffected() == 0 {
		return apperr.LockerNotFound(lockerID)
	}
	return nil
}

func (s *Storage) ListDeliveries(ctx context.Context, lockerID string, limit int) ([]models.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
SELECT courier_id, tracking_number, delivered_at, token_consumed
FROM locker_deliveries
WHERE locker_id = $1
ORDER BY delivered_at DESC, id DESC
LIMIT $2
`, lockerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select deliveries")
	}
	defer rows.Close()

	out := make([]models.DeliveryRecord, 0, limit)
	for rows.Next() {
		var d models.DeliveryRecord
		if err := rows.Scan(&d.CourierID, &d.TrackingNumber, &d.DeliveredAt, &d.TokenConsumed); err != nil {
			return nil, errors.Wrap(err, "scan delivery")
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
