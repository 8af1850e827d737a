// Package validation resolves a tracking number to a carrier and snapshot:
// validation cache first, then the carrier detector and the external verifier.
package validation

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/broker/messages"
	"github.com/BearBump/LockerBox/internal/cache"
	"github.com/BearBump/LockerBox/internal/integrations/carrier"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/BearBump/LockerBox/internal/services/detector"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Repository is the persistent side. Lookups return (nil, nil) when nothing is found.
type Repository interface {
	GetValidation(ctx context.Context, trackingNumber string) (*models.TrackingValidation, error)
	SaveValidation(ctx context.Context, v models.TrackingValidation) (*models.TrackingValidation, error)
	GetLocker(ctx context.Context, lockerID string) (*models.Locker, error)
	FindShipment(ctx context.Context, requesterID, trackingNumber string) (*models.Shipment, error)
	CreateShipment(ctx context.Context, in models.ShipmentCreateInput, ev models.ShipmentEvent) (*models.Shipment, error)
	UpdateShipmentResolution(ctx context.Context, id uint64, carrier string, snap models.Snapshot, nextCheckAt *time.Time, ev models.ShipmentEvent) error
}

type Notifier interface {
	Publish(ctx context.Context, ev messages.ShipmentEvent)
}

type Service struct {
	repo     Repository
	cache    cache.BytesCache
	cacheTTL time.Duration
	detector *detector.Detector
	verifier *Verifier
	notifier Notifier
	log      *zap.Logger

	group        singleflight.Group
	recheckDelay time.Duration
	now          func() time.Time
}

func New(repo Repository, c cache.BytesCache, cacheTTL time.Duration, d *detector.Detector, v *Verifier, n Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:         repo,
		cache:        c,
		cacheTTL:     cacheTTL,
		detector:     d,
		verifier:     v,
		notifier:     n,
		log:          log,
		recheckDelay: 5 * time.Minute,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithRecheckDelay sets when a low-trust shipment is first picked up by the revalidator.
func (s *Service) WithRecheckDelay(d time.Duration) *Service {
	if d > 0 {
		s.recheckDelay = d
	}
	return s
}

type SubmitInput struct {
	RequesterID    string
	TrackingNumber string
	AuxiliaryCode  string
	LockerID       string
}

type RevalidateInput struct {
	RequesterID    string
	TrackingNumber string
	AuxiliaryCode  string
}

func (s *Service) Submit(ctx context.Context, in SubmitInput) (models.Resolution, error) {
	tn, err := s.sanitize(in.RequesterID, in.TrackingNumber)
	if err != nil {
		return models.Resolution{}, err
	}
	if in.LockerID == "" {
		return models.Resolution{}, apperr.Validation("lockerId is required")
	}
	aux := strings.TrimSpace(in.AuxiliaryCode)

	l, err := s.repo.GetLocker(ctx, in.LockerID)
	if err != nil {
		return models.Resolution{}, err
	}
	if l == nil {
		return models.Resolution{}, apperr.LockerNotFound(in.LockerID)
	}
	existing, err := s.repo.FindShipment(ctx, in.RequesterID, tn)
	if err != nil {
		return models.Resolution{}, err
	}
	if existing != nil {
		return models.Resolution{}, apperr.AlreadySubmitted(tn)
	}

	res, ok := s.lookup(ctx, tn)
	if !ok {
		res, err = s.resolveShared(ctx, tn, aux)
		if err != nil {
			return models.Resolution{}, err
		}
	}

	var nextCheck *time.Time
	if res.LowTrust {
		t := s.now().Add(s.recheckDelay)
		nextCheck = &t
	}
	sh, err := s.repo.CreateShipment(ctx, models.ShipmentCreateInput{
		RequesterID:      in.RequesterID,
		TrackingNumber:   tn,
		AssignedLockerID: in.LockerID,
		Carrier:          res.Carrier,
		AuxiliaryCode:    aux,
		Snapshot:         res.Snapshot,
		NextCheckAt:      nextCheck,
	}, models.ShipmentEvent{Name: models.EventSubmitted, At: s.now(), Detail: submitDetail(res)})
	if err != nil {
		return models.Resolution{}, err
	}

	s.notify(ctx, messages.ShipmentSubmitted, sh, res.LowTrust)
	return res, nil
}

// Revalidate re-runs detection and verification for the requester's shipment whose
// carrier is still unconfirmed. The cache is not consulted.
func (s *Service) Revalidate(ctx context.Context, in RevalidateInput) (models.Resolution, error) {
	tn, err := s.sanitize(in.RequesterID, in.TrackingNumber)
	if err != nil {
		return models.Resolution{}, err
	}
	sh, err := s.repo.FindShipment(ctx, in.RequesterID, tn)
	if err != nil {
		return models.Resolution{}, err
	}
	if sh == nil {
		return models.Resolution{}, apperr.ShipmentNotFound(tn)
	}
	if !sh.NeedsRevalidation() {
		return models.Resolution{}, apperr.Validation("carrier for %s is already confirmed", tn)
	}
	if aux := strings.TrimSpace(in.AuxiliaryCode); aux != "" {
		sh.AuxiliaryCode = aux
	}
	return s.RevalidateRecord(ctx, sh)
}

// RevalidateRecord is the worker entry point. The shipment is only rewritten when the
// outcome improves on what is stored.
func (s *Service) RevalidateRecord(ctx context.Context, sh *models.Shipment) (models.Resolution, error) {
	res, err := s.resolveShared(ctx, sh.TrackingNumber, sh.AuxiliaryCode)
	if err != nil {
		return models.Resolution{}, err
	}
	if res.LowTrust && sh.Carrier != "" {
		return res, nil
	}
	var nextCheck *time.Time
	if res.LowTrust {
		t := s.now().Add(s.recheckDelay)
		nextCheck = &t
	}
	err = s.repo.UpdateShipmentResolution(ctx, sh.ID, res.Carrier, res.Snapshot, nextCheck,
		models.ShipmentEvent{Name: models.EventRevalidated, At: s.now(), Detail: submitDetail(res)})
	if err != nil {
		return models.Resolution{}, err
	}
	sh.Carrier, sh.Snapshot = res.Carrier, res.Snapshot
	s.notify(ctx, messages.ShipmentRevalidated, sh, res.LowTrust)
	return res, nil
}

func (s *Service) VerifierStats() VerifierStats {
	return s.verifier.Stats()
}

func (s *Service) sanitize(requesterID, raw string) (string, error) {
	if requesterID == "" {
		return "", apperr.Validation("requester identity is required")
	}
	tn := detector.Sanitize(raw)
	if tn == "" {
		return "", apperr.Validation("trackingNumber is required")
	}
	if !detector.WellFormed(tn) {
		return "", apperr.Validation("trackingNumber %q is malformed", tn)
	}
	return tn, nil
}

// lookup reads the validation cache: Redis first, then the store.
func (s *Service) lookup(ctx context.Context, tn string) (models.Resolution, bool) {
	if s.cache != nil {
		b, ok, err := s.cache.Get(ctx, cacheKey(tn))
		if err != nil {
			s.log.Warn("validation cache get", zap.String("tracking_number", tn), zap.Error(err))
		}
		if ok {
			var v models.TrackingValidation
			if json.Unmarshal(b, &v) == nil && v.Carrier != "" {
				return fromValidation(v), true
			}
		}
	}
	v, err := s.repo.GetValidation(ctx, tn)
	if err != nil {
		s.log.Warn("validation lookup", zap.String("tracking_number", tn), zap.Error(err))
		return models.Resolution{}, false
	}
	if v == nil {
		return models.Resolution{}, false
	}
	s.fillCache(ctx, *v)
	return fromValidation(*v), true
}

// resolveShared coalesces concurrent misses for the same number into one verifier run.
// The shared run does not inherit the caller's cancellation.
func (s *Service) resolveShared(ctx context.Context, tn, aux string) (models.Resolution, error) {
	ch := s.group.DoChan(tn+"|"+aux, func() (any, error) {
		return s.resolve(context.WithoutCancel(ctx), tn, aux)
	})
	select {
	case <-ctx.Done():
		return models.Resolution{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return models.Resolution{}, r.Err
		}
		return r.Val.(models.Resolution), nil
	}
}

func (s *Service) resolve(ctx context.Context, tn, aux string) (models.Resolution, error) {
	det := s.detector.Detect(tn)
	out, err := s.verifier.Verify(ctx, carrier.Query{TrackingNumber: tn, AuxCode: aux}, det.Candidates)
	if err != nil {
		return models.Resolution{}, err
	}

	var res models.Resolution
	switch {
	case out.Matched:
		res = models.Resolution{TrackingNumber: tn, Carrier: out.Carrier, Snapshot: out.Snapshot}
	case det.HighConfidence && len(det.Candidates) == 1:
		res = models.Resolution{
			TrackingNumber: tn,
			Carrier:        det.Candidates[0].Code,
			Snapshot:       models.PlaceholderSnapshot(),
			LowTrust:       true,
		}
		s.log.Warn("low-trust acceptance",
			zap.String("tracking_number", tn),
			zap.String("carrier", res.Carrier),
			zap.String("rule", det.MatchedRule),
			zap.Int("trials", out.Trials),
		)
	default:
		return models.Resolution{}, apperr.NotFound(tn)
	}

	s.store(ctx, models.TrackingValidation{
		TrackingNumber: tn,
		Carrier:        res.Carrier,
		Snapshot:       res.Snapshot,
		ConfirmedAt:    s.now(),
		LowTrust:       res.LowTrust,
	})
	return res, nil
}

// store is best-effort: a failed write never undoes a decided resolution.
func (s *Service) store(ctx context.Context, v models.TrackingValidation) {
	saved, err := s.repo.SaveValidation(ctx, v)
	if err != nil {
		s.log.Warn("validation cache write", zap.String("tracking_number", v.TrackingNumber), zap.Error(err))
		return
	}
	if saved != nil && saved.Carrier != v.Carrier {
		s.log.Warn("validation cache carrier conflict",
			zap.String("tracking_number", v.TrackingNumber),
			zap.String("stored", saved.Carrier),
			zap.String("resolved", v.Carrier),
		)
	}
	if saved != nil {
		s.fillCache(ctx, *saved)
	}
}

func (s *Service) fillCache(ctx context.Context, v models.TrackingValidation) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(v.TrackingNumber), b, s.cacheTTL); err != nil {
		s.log.Warn("validation cache set", zap.String("tracking_number", v.TrackingNumber), zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, typ string, sh *models.Shipment, lowTrust bool) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, messages.ShipmentEvent{
		Type:           typ,
		ShipmentID:     sh.ID,
		RequesterID:    sh.RequesterID,
		TrackingNumber: sh.TrackingNumber,
		LockerID:       sh.AssignedLockerID,
		Carrier:        sh.Carrier,
		Status:         string(sh.Status),
		LowTrust:       lowTrust,
		OccurredAt:     s.now(),
	})
}

func fromValidation(v models.TrackingValidation) models.Resolution {
	return models.Resolution{
		TrackingNumber: v.TrackingNumber,
		Carrier:        v.Carrier,
		Snapshot:       v.Snapshot,
		FromCache:      true,
		LowTrust:       v.LowTrust,
	}
}

func submitDetail(r models.Resolution) string {
	switch {
	case r.FromCache:
		return "carrier " + r.Carrier + " from cache"
	case r.LowTrust:
		return "carrier " + r.Carrier + " accepted by pattern, unconfirmed"
	}
	return "carrier " + r.Carrier + " confirmed"
}

func cacheKey(tn string) string {
	return "validation:" + tn
}
