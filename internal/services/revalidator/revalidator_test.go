package revalidator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/stretchr/testify/require"
)

type reschedule struct {
	id    uint64
	next  *time.Time
	fails int32
}

type fakeRepo struct {
	mu      sync.Mutex
	claims  int
	items   []*models.Shipment
	resched []reschedule
}

func (r *fakeRepo) ClaimRevalidations(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims++
	out := r.items
	r.items = nil
	return out, nil
}

func (r *fakeRepo) RescheduleRevalidation(ctx context.Context, id uint64, next *time.Time, failCount int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resched = append(r.resched, reschedule{id: id, next: next, fails: failCount})
	return nil
}

type fakeValidator struct {
	res   models.Resolution
	err   error
	calls int
}

func (v *fakeValidator) RevalidateRecord(ctx context.Context, sh *models.Shipment) (models.Resolution, error) {
	v.calls++
	return v.res, v.err
}

type fakeRL struct {
	allowed bool
	count   int64
	err     error
	key     string
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.key = key
	return r.allowed, r.count, r.err
}

func fixed(r *Revalidator, now time.Time) *Revalidator {
	r.now = func() time.Time { return now }
	return r.WithPlanner(PlannerConfig{Jitter: 0})
}

func TestRevalidator_processOne_confirmed(t *testing.T) {
	repo := &fakeRepo{}
	v := &fakeValidator{res: models.Resolution{Carrier: "sicepat"}}
	rl := &fakeRL{allowed: true}
	now := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	r := fixed(New(repo, v, rl, nil), now)

	require.NoError(t, r.processOne(context.Background(), &models.Shipment{ID: 1, Carrier: "sicepat"}))
	require.Equal(t, 1, v.calls)
	require.Empty(t, repo.resched)
	require.Equal(t, "rl:carrier:sicepat:202601020304", rl.key)
	require.Equal(t, int64(1), r.Stats().TotalConfirmed)
}

func TestRevalidator_processOne_stillUnconfirmedBacksOff(t *testing.T) {
	repo := &fakeRepo{}
	v := &fakeValidator{res: models.Resolution{Carrier: "sicepat", LowTrust: true}}
	now := time.Now().UTC()
	r := fixed(New(repo, v, nil, nil), now)

	require.NoError(t, r.processOne(context.Background(), &models.Shipment{ID: 7, CheckFailCount: 1}))
	require.Len(t, repo.resched, 1)
	require.Equal(t, int32(2), repo.resched[0].fails)
	require.Equal(t, now.Add(15*time.Minute), *repo.resched[0].next)
}

func TestRevalidator_processOne_notFoundIsNotAnError(t *testing.T) {
	repo := &fakeRepo{}
	v := &fakeValidator{err: apperr.NotFound("X")}
	r := fixed(New(repo, v, nil, nil), time.Now().UTC())

	require.NoError(t, r.processOne(context.Background(), &models.Shipment{ID: 7}))
	require.Len(t, repo.resched, 1)
	require.Equal(t, int64(1), r.Stats().TotalUnconfirmed)
}

func TestRevalidator_processOne_infraErrorReturnedAndRescheduled(t *testing.T) {
	repo := &fakeRepo{}
	v := &fakeValidator{err: errors.New("db down")}
	r := fixed(New(repo, v, nil, nil), time.Now().UTC())

	require.Error(t, r.processOne(context.Background(), &models.Shipment{ID: 7}))
	require.Len(t, repo.resched, 1)
}

func TestRevalidator_processOne_givesUp(t *testing.T) {
	repo := &fakeRepo{}
	v := &fakeValidator{res: models.Resolution{LowTrust: true}}
	r := fixed(New(repo, v, nil, nil), time.Now().UTC()).WithMaxFailures(3)

	require.NoError(t, r.processOne(context.Background(), &models.Shipment{ID: 7, CheckFailCount: 2}))
	require.Nil(t, repo.resched[0].next)
	require.Equal(t, int32(3), repo.resched[0].fails)
}

func TestRevalidator_processOne_throttled(t *testing.T) {
	repo := &fakeRepo{}
	v := &fakeValidator{}
	now := time.Now().UTC()
	r := fixed(New(repo, v, &fakeRL{allowed: false, count: 99}, nil), now)

	require.NoError(t, r.processOne(context.Background(), &models.Shipment{ID: 7, CheckFailCount: 4}))
	require.Zero(t, v.calls)
	require.Equal(t, int32(4), repo.resched[0].fails)
	require.Equal(t, now.Add(time.Minute), *repo.resched[0].next)
	require.Equal(t, int64(1), r.Stats().TotalThrottled)
}

func TestRevalidator_runOnce_processesBatch(t *testing.T) {
	repo := &fakeRepo{items: []*models.Shipment{{ID: 1}, {ID: 2}, {ID: 3}}}
	v := &fakeValidator{res: models.Resolution{Carrier: "jnt"}}
	r := New(repo, v, nil, nil).WithSettings(time.Second, 10, 1, time.Minute, 0)

	r.runOnce(context.Background())
	st := r.Stats()
	require.Equal(t, int64(3), st.TotalClaimed)
	require.Equal(t, int64(3), st.TotalConfirmed)
	require.NotNil(t, st.LastCycleAt)
	require.Zero(t, st.InFlight)
}

type countingValidator struct {
	res   models.Resolution
	calls atomic.Int64
}

func (v *countingValidator) RevalidateRecord(ctx context.Context, sh *models.Shipment) (models.Resolution, error) {
	v.calls.Add(1)
	return v.res, nil
}

func TestRevalidator_runOnce_parallelBackoffWithJitter(t *testing.T) {
	items := make([]*models.Shipment, 200)
	for i := range items {
		items[i] = &models.Shipment{ID: uint64(i + 1)}
	}
	repo := &fakeRepo{items: items}
	v := &countingValidator{res: models.Resolution{Carrier: "sicepat", LowTrust: true}}
	r := New(repo, v, nil, nil).WithSettings(0, 0, 16, 0, 0)

	r.runOnce(context.Background())

	require.Equal(t, int64(200), v.calls.Load())
	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.resched, 200)
	for _, rs := range repo.resched {
		require.NotNil(t, rs.next)
		require.Equal(t, int32(1), rs.fails)
	}
	require.Equal(t, int64(200), r.Stats().TotalUnconfirmed)
}

func TestRevalidator_WithSettings(t *testing.T) {
	r := New(nil, nil, nil, nil).WithSettings(5*time.Second, 7, 9, 11*time.Second, 13)
	require.Equal(t, 5*time.Second, r.pollInterval)
	require.Equal(t, 7, r.batchSize)
	require.Equal(t, 9, r.concurrency)
	require.Equal(t, 11*time.Second, r.lease)
	require.Equal(t, int64(13), r.rateLimitPerMinute)
}

func TestRevalidator_Run_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, &fakeValidator{}, nil, nil).WithSettings(5*time.Millisecond, 1, 1, time.Second, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx)
	require.Error(t, err)
	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.GreaterOrEqual(t, repo.claims, 1)
}

func TestRevalidator_Trigger(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, &fakeValidator{}, nil, nil).WithSettings(time.Hour, 1, 1, time.Second, 1)
	r.Trigger()
	r.Trigger()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Equal(t, 1, repo.claims)
	require.NotNil(t, r.Stats().LastTriggerAt)
}
