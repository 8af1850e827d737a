package carrier

import (
	"context"

	"github.com/BearBump/LockerBox/internal/models"
	"github.com/pkg/errors"
)

// ErrNoMatch means the provider answered but does not know this number for this carrier.
// Any other error from a Client is a provider-side failure (timeout, transport, bad payload).
var ErrNoMatch = errors.New("carrier: no match")

type Query struct {
	Carrier        string
	TrackingNumber string
	AuxCode        string
}

type Client interface {
	Track(ctx context.Context, q Query) (models.Snapshot, error)
}
