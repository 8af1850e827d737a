// Package revalidator periodically re-verifies shipments that were accepted on a
// high-confidence pattern without provider confirmation.
package revalidator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/models"
	"go.uber.org/zap"
)

type Repository interface {
	ClaimRevalidations(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
	RescheduleRevalidation(ctx context.Context, id uint64, next *time.Time, failCount int32) error
}

type Validator interface {
	RevalidateRecord(ctx context.Context, sh *models.Shipment) (models.Resolution, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Revalidator struct {
	repo      Repository
	validator Validator
	rl        RateLimiter
	log       *zap.Logger

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	maxFailures        int32

	triggerCh chan struct{}
	now       func() time.Time

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalConfirmed      atomic.Int64
	totalUnconfirmed    atomic.Int64
	totalThrottled      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, v Validator, rl RateLimiter, log *zap.Logger) *Revalidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Revalidator{
		repo: repo, validator: v, rl: rl, log: log,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:       30 * time.Second,
		batchSize:          50,
		concurrency:        4,
		lease:              2 * time.Minute,
		rateLimitPerMinute: 60,
		maxFailures:        12,
		triggerCh:          make(chan struct{}, 1),
		now:                func() time.Time { return time.Now().UTC() },
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Revalidator) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Revalidator {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

func (r *Revalidator) WithPlanner(cfg PlannerConfig) *Revalidator {
	r.planner = NewPlanner(cfg, nil)
	return r
}

// WithMaxFailures stops rescheduling a shipment after n unconfirmed attempts. 0 means never stop.
func (r *Revalidator) WithMaxFailures(n int32) *Revalidator {
	if n >= 0 {
		r.maxFailures = n
	}
	return r
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Revalidator) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCycleAt      *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed     int64      `json:"totalClaimed"`
	TotalConfirmed   int64      `json:"totalConfirmed"`
	TotalUnconfirmed int64      `json:"totalUnconfirmed"`
	TotalThrottled   int64      `json:"totalThrottled"`
	TotalErrors      int64      `json:"totalErrors"`
	InFlight         int64      `json:"inFlight"`
	LastError        string     `json:"lastError,omitempty"`
}

func (r *Revalidator) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:     r.totalClaimed.Load(),
		TotalConfirmed:   r.totalConfirmed.Load(),
		TotalUnconfirmed: r.totalUnconfirmed.Load(),
		TotalThrottled:   r.totalThrottled.Load(),
		TotalErrors:      r.totalErrors.Load(),
		InFlight:         r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Revalidator) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Revalidator) runOnce(ctx context.Context) {
	now := r.now()
	r.lastCycleUnixNano.Store(now.UnixNano())

	items, err := r.repo.ClaimRevalidations(ctx, now, r.batchSize, r.lease)
	if err != nil {
		r.log.Error("claim revalidations", zap.Error(err))
		r.setLastError(err)
		return
	}
	r.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		r.inFlight.Add(1)
		go func(sh *models.Shipment) {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := r.processOne(ctx, sh); err != nil {
				r.totalErrors.Add(1)
				r.setLastError(err)
				r.log.Error("revalidate shipment", zap.Uint64("shipment_id", sh.ID), zap.Error(err))
			}
		}(sh)
	}
	wg.Wait()
}

func (r *Revalidator) processOne(ctx context.Context, sh *models.Shipment) error {
	now := r.now()

	if r.rl != nil && r.rateLimitPerMinute > 0 {
		code := sh.Carrier
		if code == "" {
			code = "unknown"
		}
		minuteKey := fmt.Sprintf("rl:carrier:%s:%s", code, now.Format("200601021504"))
		allowed, n, err := r.rl.Allow(ctx, minuteKey, r.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			// Бюджет провайдера на эту минуту исчерпан: попробуем позже, попытку не считаем.
			r.totalThrottled.Add(1)
			r.log.Warn("carrier budget exhausted", zap.String("carrier", code), zap.Int64("count", n))
			next := now.Add(r.planner.ThrottledDelay())
			return r.repo.RescheduleRevalidation(ctx, sh.ID, &next, sh.CheckFailCount)
		}
	}

	res, err := r.validator.RevalidateRecord(ctx, sh)
	switch {
	case err == nil && !res.LowTrust:
		r.totalConfirmed.Add(1)
		r.log.Info("shipment confirmed", zap.Uint64("shipment_id", sh.ID), zap.String("carrier", res.Carrier))
		return nil
	case err == nil, apperr.KindOf(err) != "":
		r.totalUnconfirmed.Add(1)
		return r.backoff(ctx, sh, now)
	default:
		if rerr := r.backoff(ctx, sh, now); rerr != nil {
			r.log.Error("reschedule revalidation", zap.Uint64("shipment_id", sh.ID), zap.Error(rerr))
		}
		return err
	}
}

func (r *Revalidator) backoff(ctx context.Context, sh *models.Shipment, now time.Time) error {
	fails := sh.CheckFailCount + 1
	if r.maxFailures > 0 && fails >= r.maxFailures {
		r.log.Warn("revalidation given up", zap.Uint64("shipment_id", sh.ID), zap.Int32("attempts", fails))
		return r.repo.RescheduleRevalidation(ctx, sh.ID, nil, fails)
	}
	next := now.Add(r.planner.BackoffDelay(fails))
	return r.repo.RescheduleRevalidation(ctx, sh.ID, &next, fails)
}

func (r *Revalidator) setLastError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}
