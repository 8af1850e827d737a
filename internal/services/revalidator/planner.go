package revalidator

import (
	"math/rand"
	"sync"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes

	// Jitter spreads rechecks of shipments submitted together. default: 30 seconds
	Jitter time.Duration
	// Throttled is the delay after the carrier budget was exhausted. default: 1 minute
	Throttled time.Duration
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Backoff1:  5 * time.Minute,
		Backoff2:  15 * time.Minute,
		Backoff3:  30 * time.Minute,
		Backoff4:  60 * time.Minute,
		Jitter:    30 * time.Second,
		Throttled: time.Minute,
	}
}

// Planner is shared by the revalidator workers; mu serializes access to r.
type Planner struct {
	cfg PlannerConfig

	mu sync.Mutex
	r  Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Throttled <= 0 {
		cfg.Throttled = def.Throttled
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// BackoffDelay is the wait before the next attempt after nextFailCount failed ones.
func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	var d time.Duration
	switch {
	case nextFailCount <= 1:
		d = p.cfg.Backoff1
	case nextFailCount == 2:
		d = p.cfg.Backoff2
	case nextFailCount == 3:
		d = p.cfg.Backoff3
	default:
		d = p.cfg.Backoff4
	}
	if sec := int(p.cfg.Jitter.Seconds()); sec > 0 {
		p.mu.Lock()
		j := p.r.Intn(sec + 1)
		p.mu.Unlock()
		d += time.Duration(j) * time.Second
	}
	return d
}

func (p *Planner) ThrottledDelay() time.Duration {
	return p.cfg.Throttled
}
