package pgstore

import (
	"context"
	"encoding/json"

	"github.com/BearBump/LockerBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) GetValidation(ctx context.Context, trackingNumber string) (*models.TrackingValidation, error) {
	var v models.TrackingValidation
	var snap []byte
	err := s.db.QueryRow(ctx, `
SELECT tracking_number, carrier, snapshot, confirmed_at, low_trust
FROM tracking_validations
WHERE tracking_number = $1
`, trackingNumber).Scan(&v.TrackingNumber, &v.Carrier, &snap, &v.ConfirmedAt, &v.LowTrust)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select validation")
	}
	if err := json.Unmarshal(snap, &v.Snapshot); err != nil {
		return nil, errors.Wrap(err, "decode validation snapshot")
	}
	return &v, nil
}

// SaveValidation never changes the carrier of an existing record. A confirmation for
// the same carrier replaces a low-trust snapshot.
func (s *Storage) SaveValidation(ctx context.Context, v models.TrackingValidation) (*models.TrackingValidation, error) {
	snap, err := json.Marshal(v.Snapshot)
	if err != nil {
		return nil, errors.Wrap(err, "encode validation snapshot")
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO tracking_validations (tracking_number, carrier, snapshot, confirmed_at, low_trust)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (tracking_number) DO UPDATE SET
  snapshot = EXCLUDED.snapshot,
  confirmed_at = EXCLUDED.confirmed_at,
  low_trust = EXCLUDED.low_trust
WHERE tracking_validations.carrier = EXCLUDED.carrier
  AND tracking_validations.low_trust
  AND NOT EXCLUDED.low_trust
`, v.TrackingNumber, v.Carrier, snap, v.ConfirmedAt.UTC(), v.LowTrust)
	if err != nil {
		return nil, errors.Wrap(err, "upsert validation")
	}
	return s.GetValidation(ctx, v.TrackingNumber)
}
