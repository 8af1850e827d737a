package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS tracking_validations (
  tracking_number TEXT PRIMARY KEY,
  carrier TEXT NOT NULL,
  snapshot JSONB NOT NULL,
  confirmed_at TIMESTAMPTZ NOT NULL,
  low_trust BOOLEAN NOT NULL DEFAULT FALSE
)`,
		`
CREATE TABLE IF NOT EXISTS lockers (
  locker_id TEXT PRIMARY KEY,
  access_token TEXT NOT NULL,
  token_rotated_at TIMESTAMPTZ NOT NULL,
  pending_tracking_numbers TEXT[] NOT NULL DEFAULT '{}',
  pending_command JSONB NULL,
  last_heartbeat_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  requester_id TEXT NOT NULL,
  tracking_number TEXT NOT NULL,
  assigned_locker_id TEXT NOT NULL REFERENCES lockers(locker_id),
  carrier TEXT NOT NULL DEFAULT '',
  auxiliary_code TEXT NOT NULL DEFAULT '',
  snapshot JSONB NOT NULL DEFAULT '{}',
  status TEXT NOT NULL,
  weight DOUBLE PRECISION NULL,
  weight_recorded_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  picked_up_at TIMESTAMPTZ NULL,
  next_check_at TIMESTAMPTZ NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (requester_id, tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_tracking_number ON shipments(tracking_number)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_next_check_at ON shipments(next_check_at) WHERE next_check_at IS NOT NULL`,
		`
CREATE TABLE IF NOT EXISTS shipment_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  at TIMESTAMPTZ NOT NULL,
  detail TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_events_shipment_id ON shipment_events(shipment_id, id)`,
		// История доставок только дописывается.
		`
CREATE TABLE IF NOT EXISTS locker_deliveries (
  id BIGSERIAL PRIMARY KEY,
  locker_id TEXT NOT NULL REFERENCES lockers(locker_id),
  courier_id TEXT NOT NULL DEFAULT '',
  tracking_number TEXT NOT NULL,
  delivered_at TIMESTAMPTZ NOT NULL,
  token_consumed TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_locker_deliveries_locker_id ON locker_deliveries(locker_id, delivered_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
