package rediscache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/BearBump/LockerBox/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// WeightSessions keeps weight sessions in Redis so every API instance sees the same
// session. Header is a hash, readings are a list; both expire after ttl.
type WeightSessions struct {
	c   *redis.Client
	ttl time.Duration
}

func NewWeightSessions(addr string, ttl time.Duration) *WeightSessions {
	return NewWeightSessionsWithClient(redis.NewClient(&redis.Options{Addr: addr}), ttl)
}

func NewWeightSessionsWithClient(c *redis.Client, ttl time.Duration) *WeightSessions {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &WeightSessions{c: c, ttl: ttl}
}

func headerKey(lockerID string) string   { return "weight:session:" + lockerID }
func readingsKey(lockerID string) string { return "weight:session:" + lockerID + ":readings" }

// appendScript pushes a reading only while the session is active and extends the
// whole session. Returns the new reading count, or -1 if there is no active session.
var appendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'active') ~= '1' then
  return -1
end
local n = redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return n
`)

var deactivateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'active', '0')
end
return 0
`)

func (w *WeightSessions) Start(ctx context.Context, s models.WeightSession) error {
	hk, rk := headerKey(s.LockerID), readingsKey(s.LockerID)
	pipe := w.c.TxPipeline()
	pipe.Del(ctx, hk, rk)
	pipe.HSet(ctx, hk,
		"tracking_number", s.TrackingNumber,
		"active", "1",
		"started_at", strconv.FormatInt(s.StartedAt.UTC().UnixNano(), 10),
	)
	pipe.PExpire(ctx, hk, w.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis start session")
	}
	return nil
}

func (w *WeightSessions) Append(ctx context.Context, lockerID string, r models.WeightReading) (int, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return 0, errors.Wrap(err, "marshal reading")
	}
	n, err := appendScript.Run(ctx, w.c,
		[]string{headerKey(lockerID), readingsKey(lockerID)},
		string(b), w.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return 0, errors.Wrap(err, "redis append reading")
	}
	if n < 0 {
		return 0, models.ErrSessionInactive
	}
	return n, nil
}

func (w *WeightSessions) Get(ctx context.Context, lockerID string) (*models.WeightSession, error) {
	h, err := w.c.HGetAll(ctx, headerKey(lockerID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis get session")
	}
	if len(h) == 0 {
		return nil, nil
	}

	raw, err := w.c.LRange(ctx, readingsKey(lockerID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis get readings")
	}

	s := &models.WeightSession{
		LockerID:       lockerID,
		TrackingNumber: h["tracking_number"],
		Active:         h["active"] == "1",
		Readings:       make([]models.WeightReading, 0, len(raw)),
	}
	if ns, err := strconv.ParseInt(h["started_at"], 10, 64); err == nil {
		s.StartedAt = time.Unix(0, ns).UTC()
	}
	for _, item := range raw {
		var r models.WeightReading
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, errors.Wrap(err, "decode reading")
		}
		s.Readings = append(s.Readings, r)
	}
	return s, nil
}

func (w *WeightSessions) Deactivate(ctx context.Context, lockerID string) error {
	if err := deactivateScript.Run(ctx, w.c, []string{headerKey(lockerID)}).Err(); err != nil && err != redis.Nil {
		return errors.Wrap(err, "redis deactivate session")
	}
	return nil
}
