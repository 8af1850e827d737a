package validation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BearBump/LockerBox/internal/integrations/carrier"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/pkg/errors"
)

// scriptedCarrier answers per carrier code: a snapshot, an error, or ErrNoMatch.
type scriptedCarrier struct {
	mu    sync.Mutex
	calls []string

	hits  map[string]string
	errs  map[string]error
	delay map[string]time.Duration
	gate  chan struct{}
}

func newScripted() *scriptedCarrier {
	return &scriptedCarrier{
		hits:  map[string]string{},
		errs:  map[string]error{},
		delay: map[string]time.Duration{},
	}
}

func (c *scriptedCarrier) Track(ctx context.Context, q carrier.Query) (models.Snapshot, error) {
	c.mu.Lock()
	c.calls = append(c.calls, q.Carrier)
	d := c.delay[q.Carrier]
	gate := c.gate
	status, hit := c.hits[q.Carrier]
	err := c.errs[q.Carrier]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Snapshot{}, ctx.Err()
		}
	}
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return models.Snapshot{}, ctx.Err()
		}
	}
	if err != nil {
		return models.Snapshot{}, err
	}
	if !hit {
		return models.Snapshot{}, carrier.ErrNoMatch
	}
	summary, _ := json.Marshal(map[string]string{"courier": q.Carrier, "status": status})
	return models.Snapshot{Status: status, Summary: summary}, nil
}

func (c *scriptedCarrier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedCarrier) calledCarriers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

var errProviderDown = errors.New("provider: 503")
