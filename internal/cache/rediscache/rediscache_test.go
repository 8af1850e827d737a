package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/LockerBox/internal/models"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)

	_, ok, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)
}

func TestWeightSessions_Lifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	ws := NewWeightSessions(mr.Addr(), time.Minute)
	ctx := context.Background()

	got, err := ws.Get(ctx, "L1")
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = ws.Append(ctx, "L1", models.WeightReading{Value: 1, At: time.Now()})
	require.ErrorIs(t, err, models.ErrSessionInactive)

	started := time.Now().UTC()
	require.NoError(t, ws.Start(ctx, models.WeightSession{LockerID: "L1", TrackingNumber: "T1", StartedAt: started}))

	n, err := ws.Append(ctx, "L1", models.WeightReading{Value: 5.0, At: started})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = ws.Append(ctx, "L1", models.WeightReading{Value: 4.3, At: started.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err = ws.Get(ctx, "L1")
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, "T1", got.TrackingNumber)
	require.Len(t, got.Readings, 2)
	require.Equal(t, 4.3, got.Readings[1].Value)
	require.WithinDuration(t, started, got.StartedAt, time.Millisecond)

	require.NoError(t, ws.Deactivate(ctx, "L1"))
	_, err = ws.Append(ctx, "L1", models.WeightReading{Value: 1})
	require.ErrorIs(t, err, models.ErrSessionInactive)

	got, err = ws.Get(ctx, "L1")
	require.NoError(t, err)
	require.False(t, got.Active)
	require.Len(t, got.Readings, 2)
}

func TestWeightSessions_StartSupersedes(t *testing.T) {
	mr := miniredis.RunT(t)
	ws := NewWeightSessions(mr.Addr(), time.Minute)
	ctx := context.Background()

	require.NoError(t, ws.Start(ctx, models.WeightSession{LockerID: "L1", TrackingNumber: "T1", StartedAt: time.Now()}))
	_, err := ws.Append(ctx, "L1", models.WeightReading{Value: 3})
	require.NoError(t, err)

	require.NoError(t, ws.Start(ctx, models.WeightSession{LockerID: "L1", TrackingNumber: "T2", StartedAt: time.Now()}))
	got, err := ws.Get(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, "T2", got.TrackingNumber)
	require.Empty(t, got.Readings)
}

func TestWeightSessions_Expire(t *testing.T) {
	mr := miniredis.RunT(t)
	ws := NewWeightSessions(mr.Addr(), time.Minute)
	ctx := context.Background()

	require.NoError(t, ws.Start(ctx, models.WeightSession{LockerID: "L1", TrackingNumber: "T1", StartedAt: time.Now()}))
	mr.FastForward(2 * time.Minute)

	got, err := ws.Get(ctx, "L1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, ws.Deactivate(ctx, "L1"))
}

func TestWeightSessions_AppendExtendsSession(t *testing.T) {
	mr := miniredis.RunT(t)
	ws := NewWeightSessions(mr.Addr(), time.Minute)
	ctx := context.Background()

	require.NoError(t, ws.Start(ctx, models.WeightSession{LockerID: "L1", TrackingNumber: "T1", StartedAt: time.Now()}))
	for _, v := range []float64{5.0, 4.8, 4.6} {
		mr.FastForward(40 * time.Second)
		_, err := ws.Append(ctx, "L1", models.WeightReading{Value: v})
		require.NoError(t, err)
	}

	got, err := ws.Get(ctx, "L1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Active)
	require.Len(t, got.Readings, 3)
	require.Equal(t, time.Minute, mr.TTL(headerKey("L1")))
}
