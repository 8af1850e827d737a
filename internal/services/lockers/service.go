// Package lockers owns the locker registry and the one-time token deposit protocol.
package lockers

import (
	"context"
	"crypto/subtle"
	"math"
	"strings"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/broker/messages"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/BearBump/LockerBox/internal/services/detector"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository lookups return (nil, nil) when nothing is found.
type Repository interface {
	CreateLocker(ctx context.Context, lockerID, token string, at time.Time) (*models.Locker, bool, error)
	GetLocker(ctx context.Context, lockerID string) (*models.Locker, error)
	RotateToken(ctx context.Context, lockerID, newToken string, at time.Time) error
	FindShipment(ctx context.Context, requesterID, trackingNumber string) (*models.Shipment, error)
	FindShipmentsByTrackingNumber(ctx context.Context, trackingNumber string) ([]*models.Shipment, error)
	// CommitDeposit fails with TokenInvalid when the stored token is no longer the
	// presented one, and with InvalidState when the shipment left awaiting_deposit.
	CommitDeposit(ctx context.Context, c models.DepositCommit) error
	CommitPickup(ctx context.Context, p models.PickupCommit) error
	TakeCommand(ctx context.Context, lockerID string, at time.Time) (*models.LockerCommand, error)
	Touch(ctx context.Context, lockerID string, at time.Time) error
	ListDeliveries(ctx context.Context, lockerID string, limit int) ([]models.DeliveryRecord, error)
}

// SessionStarter opens the weight window after a deposit.
type SessionStarter interface {
	Start(ctx context.Context, lockerID, trackingNumber string) error
}

type Notifier interface {
	Publish(ctx context.Context, ev messages.ShipmentEvent)
}

type Service struct {
	repo     Repository
	weights  SessionStarter
	notifier Notifier
	log      *zap.Logger

	livenessWindow time.Duration
	newToken       func() string
	now            func() time.Time
}

func New(repo Repository, weights SessionStarter, n Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:           repo,
		weights:        weights,
		notifier:       n,
		log:            log,
		livenessWindow: 2 * time.Minute,
		newToken:       func() string { return uuid.NewString() },
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithLivenessWindow(d time.Duration) *Service {
	if d > 0 {
		s.livenessWindow = d
	}
	return s
}

// Register provisions a locker. Registering an existing locker returns it unchanged.
func (s *Service) Register(ctx context.Context, lockerID string) (*models.Locker, bool, error) {
	lockerID = strings.TrimSpace(lockerID)
	if lockerID == "" {
		return nil, false, apperr.Validation("lockerId is required")
	}
	return s.repo.CreateLocker(ctx, lockerID, s.newToken(), s.now())
}

type TokenView struct {
	LockerID  string    `json:"lockerId"`
	Token     string    `json:"accessToken"`
	RotatedAt time.Time `json:"rotatedAt"`
}

// Token returns the live token, rendered by the controller as a QR code.
func (s *Service) Token(ctx context.Context, lockerID string) (TokenView, error) {
	l, err := s.locker(ctx, lockerID)
	if err != nil {
		return TokenView{}, err
	}
	return TokenView{LockerID: l.LockerID, Token: l.AccessToken, RotatedAt: l.TokenRotatedAt}, nil
}

func (s *Service) RotateToken(ctx context.Context, lockerID string) (TokenView, error) {
	if _, err := s.locker(ctx, lockerID); err != nil {
		return TokenView{}, err
	}
	tok, at := s.newToken(), s.now()
	if err := s.repo.RotateToken(ctx, lockerID, tok, at); err != nil {
		return TokenView{}, err
	}
	s.log.Info("access token rotated by operator", zap.String("locker_id", lockerID))
	return TokenView{LockerID: lockerID, Token: tok, RotatedAt: at}, nil
}

type DepositInput struct {
	LockerID       string
	AccessToken    string
	TrackingNumber string
	Weight         *float64
	CourierID      string
}

type DepositResult struct {
	TrackingNumber string `json:"trackingNumber"`
	NewToken       string `json:"newToken"`
}

func (s *Service) Deposit(ctx context.Context, in DepositInput) (DepositResult, error) {
	tn := detector.Sanitize(in.TrackingNumber)
	if tn == "" {
		return DepositResult{}, apperr.Validation("trackingNumber is required")
	}
	l, err := s.locker(ctx, in.LockerID)
	if err != nil {
		return DepositResult{}, err
	}
	if subtle.ConstantTimeCompare([]byte(in.AccessToken), []byte(l.AccessToken)) != 1 {
		return DepositResult{}, apperr.TokenInvalid(in.LockerID)
	}

	sh, err := s.shipmentForDeposit(ctx, in.LockerID, tn)
	if err != nil {
		return DepositResult{}, err
	}
	if sh.Status != models.ShipmentStatusAwaitingDeposit {
		return DepositResult{}, apperr.InvalidState(tn, string(sh.Status))
	}
	if !l.HasPending(tn) {
		s.log.Warn("pending set drift, reconciling from shipment",
			zap.String("locker_id", in.LockerID),
			zap.String("tracking_number", tn),
			zap.Uint64("shipment_id", sh.ID),
		)
	}

	at := s.now()
	var weight *float64
	if in.Weight != nil && *in.Weight > 0 && !math.IsInf(*in.Weight, 0) && !math.IsNaN(*in.Weight) {
		w := *in.Weight
		weight = &w
	}
	commit := models.DepositCommit{
		LockerID:       in.LockerID,
		PresentedToken: l.AccessToken,
		NewToken:       s.newToken(),
		ShipmentID:     sh.ID,
		TrackingNumber: tn,
		Weight:         weight,
		Command:        models.LockerCommand{Type: models.CommandOpen, TrackingNumber: tn, IssuedAt: at},
		Delivery: models.DeliveryRecord{
			CourierID:      in.CourierID,
			TrackingNumber: tn,
			DeliveredAt:    at,
			TokenConsumed:  l.AccessToken,
		},
		Event: models.ShipmentEvent{Name: models.EventDeliveredToLocker, At: at, Detail: "locker " + in.LockerID},
		At:    at,
	}
	if err := s.repo.CommitDeposit(ctx, commit); err != nil {
		return DepositResult{}, err
	}

	if s.weights != nil {
		if err := s.weights.Start(ctx, in.LockerID, tn); err != nil {
			s.log.Warn("start weight session", zap.String("locker_id", in.LockerID), zap.Error(err))
		}
	}
	if s.notifier != nil {
		s.notifier.Publish(ctx, messages.ShipmentEvent{
			Type:           messages.ShipmentDeliveredToLocker,
			ShipmentID:     sh.ID,
			RequesterID:    sh.RequesterID,
			TrackingNumber: tn,
			LockerID:       in.LockerID,
			Carrier:        sh.Carrier,
			Status:         string(models.ShipmentStatusDeliveredToLocker),
			Weight:         weight,
			CourierID:      in.CourierID,
			OccurredAt:     at,
		})
	}
	return DepositResult{TrackingNumber: tn, NewToken: commit.NewToken}, nil
}

// shipmentForDeposit prefers shipments assigned to this locker, and among them one
// still awaiting deposit.
func (s *Service) shipmentForDeposit(ctx context.Context, lockerID, tn string) (*models.Shipment, error) {
	all, err := s.repo.FindShipmentsByTrackingNumber(ctx, tn)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, apperr.ShipmentNotFound(tn)
	}
	var here *models.Shipment
	for _, sh := range all {
		if sh.AssignedLockerID != lockerID {
			continue
		}
		if sh.Status == models.ShipmentStatusAwaitingDeposit {
			return sh, nil
		}
		if here == nil {
			here = sh
		}
	}
	if here != nil {
		return here, nil
	}
	return nil, apperr.WrongLocker(tn, lockerID, all[0].AssignedLockerID)
}

type Command struct {
	Command        string `json:"command"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
}

// PollCommand hands the pending command to the controller exactly once.
func (s *Service) PollCommand(ctx context.Context, lockerID string) (Command, error) {
	cmd, err := s.repo.TakeCommand(ctx, lockerID, s.now())
	if err != nil {
		return Command{}, err
	}
	if cmd == nil {
		return Command{Command: "none"}, nil
	}
	return Command{Command: cmd.Type, TrackingNumber: cmd.TrackingNumber}, nil
}

func (s *Service) Heartbeat(ctx context.Context, lockerID string) error {
	return s.repo.Touch(ctx, lockerID, s.now())
}

type Status struct {
	LockerID         string                  `json:"lockerId"`
	Liveness         models.Liveness         `json:"liveness"`
	LastHeartbeatAt  *time.Time              `json:"lastHeartbeatAt,omitempty"`
	TokenRotatedAt   time.Time               `json:"tokenRotatedAt"`
	Pending          []string                `json:"pendingTrackingNumbers"`
	CommandQueued    bool                    `json:"commandQueued"`
	RecentDeliveries []models.DeliveryRecord `json:"recentDeliveries"`
}

func (s *Service) Status(ctx context.Context, lockerID string) (Status, error) {
	l, err := s.locker(ctx, lockerID)
	if err != nil {
		return Status{}, err
	}
	deliveries, err := s.repo.ListDeliveries(ctx, lockerID, 20)
	if err != nil {
		return Status{}, err
	}
	pending := l.PendingTrackingNumbers
	if pending == nil {
		pending = []string{}
	}
	return Status{
		LockerID:         l.LockerID,
		Liveness:         l.LivenessAt(s.now(), s.livenessWindow),
		LastHeartbeatAt:  l.LastHeartbeatAt,
		TokenRotatedAt:   l.TokenRotatedAt,
		Pending:          pending,
		CommandQueued:    l.PendingCommand != nil,
		RecentDeliveries: deliveries,
	}, nil
}

// Pickup is confirmed by the shipment's requester and opens the locker door for them.
func (s *Service) Pickup(ctx context.Context, requesterID, trackingNumber string) (*models.Shipment, error) {
	tn := detector.Sanitize(trackingNumber)
	if requesterID == "" || tn == "" {
		return nil, apperr.Validation("requester and trackingNumber are required")
	}
	sh, err := s.repo.FindShipment(ctx, requesterID, tn)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, apperr.ShipmentNotFound(tn)
	}
	if sh.Status != models.ShipmentStatusDeliveredToLocker && sh.Status != models.ShipmentStatusReadyForPickup {
		return nil, apperr.InvalidState(tn, string(sh.Status))
	}
	at := s.now()
	err = s.repo.CommitPickup(ctx, models.PickupCommit{
		ShipmentID:     sh.ID,
		LockerID:       sh.AssignedLockerID,
		TrackingNumber: tn,
		Command:        models.LockerCommand{Type: models.CommandOpen, TrackingNumber: tn, IssuedAt: at},
		Event:          models.ShipmentEvent{Name: models.EventPickedUp, At: at},
		At:             at,
	})
	if err != nil {
		return nil, err
	}
	sh.Status = models.ShipmentStatusDeliveredToCustomer
	sh.PickedUpAt = &at

	if s.notifier != nil {
		s.notifier.Publish(ctx, messages.ShipmentEvent{
			Type:           messages.ShipmentPickedUp,
			ShipmentID:     sh.ID,
			RequesterID:    sh.RequesterID,
			TrackingNumber: tn,
			LockerID:       sh.AssignedLockerID,
			Carrier:        sh.Carrier,
			Status:         string(sh.Status),
			OccurredAt:     at,
		})
	}
	return sh, nil
}

func (s *Service) locker(ctx context.Context, lockerID string) (*models.Locker, error) {
	l, err := s.repo.GetLocker(ctx, lockerID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, apperr.LockerNotFound(lockerID)
	}
	return l, nil
}
