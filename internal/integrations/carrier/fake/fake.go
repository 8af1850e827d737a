package fake

import (
	"context"
	"encoding/json"
	"hash/fnv"

	"github.com/BearBump/LockerBox/internal/integrations/carrier"
	"github.com/BearBump/LockerBox/internal/models"
)

// FakeClient: заглушка провайдера для локального запуска без API-ключа.
// Номер "принадлежит" ровно одному перевозчику из списка, выбранному по хэшу номера;
// номера с хэшем, кратным 5, провайдер "не знает" вовсе.
type FakeClient struct {
	carriers []string
}

func New(carriers ...string) *FakeClient { return &FakeClient{carriers: carriers} }

func (f *FakeClient) Track(ctx context.Context, q carrier.Query) (models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, err
	}
	if len(f.carriers) == 0 {
		return models.Snapshot{}, carrier.ErrNoMatch
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(q.TrackingNumber))
	v := h.Sum32()
	if v%5 == 0 {
		return models.Snapshot{}, carrier.ErrNoMatch
	}
	if f.carriers[int(v)%len(f.carriers)] != q.Carrier {
		return models.Snapshot{}, carrier.ErrNoMatch
	}

	summary, _ := json.Marshal(map[string]string{
		"awb":     q.TrackingNumber,
		"courier": q.Carrier,
		"status":  "ON PROCESS",
	})
	return models.Snapshot{Status: "ON PROCESS", Summary: summary}, nil
}
