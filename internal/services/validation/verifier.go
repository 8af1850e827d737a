package validation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/BearBump/LockerBox/internal/integrations/carrier"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/BearBump/LockerBox/internal/services/detector"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Verifier asks the provider about every usable candidate at once and keeps the
// earliest-ordered success. Each call has its own timeout and is cancelled as soon as
// the winner is known.
type Verifier struct {
	client  carrier.Client
	timeout time.Duration
	log     *zap.Logger

	trials         atomic.Int64
	matches        atomic.Int64
	noMatch        atomic.Int64
	providerErrors atomic.Int64
	skippedAux     atomic.Int64
	abandoned      atomic.Int64
}

func NewVerifier(client carrier.Client, timeout time.Duration, log *zap.Logger) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{client: client, timeout: timeout, log: log}
}

type Outcome struct {
	Matched  bool
	Carrier  string
	Snapshot models.Snapshot
	// Trials is the number of provider calls issued.
	Trials int
}

type trialResult struct {
	idx  int
	snap models.Snapshot
	err  error
}

const (
	trialPending = iota
	trialMiss
	trialHit
)

// Verify returns an error only when ctx ends before the outcome is decided.
func (v *Verifier) Verify(ctx context.Context, q carrier.Query, candidates []detector.Carrier) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, errors.Wrap(err, "verify")
	}
	usable := make([]detector.Carrier, 0, len(candidates))
	for _, c := range candidates {
		if !c.AuxCodeUsable(q.AuxCode) {
			v.skippedAux.Add(1)
			v.log.Debug("candidate skipped, aux code unusable", zap.String("carrier", c.Code))
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return Outcome{}, nil
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan trialResult, len(usable))
	for i, c := range usable {
		v.trials.Add(1)
		go func(idx int, code string) {
			callCtx, callCancel := context.WithTimeout(raceCtx, v.timeout)
			defer callCancel()
			snap, err := v.client.Track(callCtx, carrier.Query{Carrier: code, TrackingNumber: q.TrackingNumber, AuxCode: q.AuxCode})
			results <- trialResult{idx: idx, snap: snap, err: err}
		}(i, c.Code)
	}

	state := make([]int, len(usable))
	snaps := make([]models.Snapshot, len(usable))
	out := Outcome{Trials: len(usable)}
	for received := 0; received < len(usable); received++ {
		var r trialResult
		select {
		case <-ctx.Done():
			return Outcome{}, errors.Wrap(ctx.Err(), "verify")
		case r = <-results:
		}
		code := usable[r.idx].Code
		switch {
		case r.err == nil:
			state[r.idx] = trialHit
			snaps[r.idx] = r.snap
		case errors.Is(r.err, carrier.ErrNoMatch):
			state[r.idx] = trialMiss
			v.noMatch.Add(1)
		default:
			state[r.idx] = trialMiss
			v.providerErrors.Add(1)
			v.log.Warn("provider call failed", zap.String("carrier", code), zap.String("tracking_number", q.TrackingNumber), zap.Error(r.err))
		}

		if winner, decided := decide(state); decided {
			for _, st := range state {
				if st == trialPending {
					v.abandoned.Add(1)
				}
			}
			if winner >= 0 {
				v.matches.Add(1)
				out.Matched = true
				out.Carrier = usable[winner].Code
				out.Snapshot = snaps[winner]
			}
			return out, nil
		}
	}
	return out, nil
}

// decide walks candidates in order: the first hit wins once every earlier one missed.
func decide(state []int) (int, bool) {
	for i, s := range state {
		switch s {
		case trialPending:
			return -1, false
		case trialHit:
			return i, true
		}
	}
	return -1, true
}

type VerifierStats struct {
	Trials         int64 `json:"trials"`
	Matches        int64 `json:"matches"`
	NoMatch        int64 `json:"noMatch"`
	ProviderErrors int64 `json:"providerErrors"`
	SkippedAux     int64 `json:"skippedAux"`
	Abandoned      int64 `json:"abandoned"`
}

func (v *Verifier) Stats() VerifierStats {
	return VerifierStats{
		Trials:         v.trials.Load(),
		Matches:        v.matches.Load(),
		NoMatch:        v.noMatch.Load(),
		ProviderErrors: v.providerErrors.Load(),
		SkippedAux:     v.skippedAux.Load(),
		Abandoned:      v.abandoned.Load(),
	}
}
