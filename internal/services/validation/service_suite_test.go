package validation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/broker/messages"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/BearBump/LockerBox/internal/services/detector"
	"github.com/BearBump/LockerBox/internal/storage/memstore"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type notifierSpy struct {
	mu     sync.Mutex
	events []messages.ShipmentEvent
}

func (n *notifierSpy) Publish(ctx context.Context, ev messages.ShipmentEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *notifierSpy) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type ServiceSuite struct {
	suite.Suite

	store    *memstore.Store
	carrier  *scriptedCarrier
	notifier *notifierSpy
	svc      *Service
}

func (s *ServiceSuite) SetupTest() {
	s.store = memstore.New()
	s.carrier = newScripted()
	s.notifier = &notifierSpy{}
	s.svc = New(s.store, nil, 0, detector.Default(), NewVerifier(s.carrier, time.Second, zap.NewNop()), s.notifier, zap.NewNop())

	_, _, err := s.store.CreateLocker(context.Background(), "L1", "tok", time.Now().UTC())
	s.Require().NoError(err)
}

func (s *ServiceSuite) submit(requester, tn string) (models.Resolution, error) {
	return s.svc.Submit(context.Background(), SubmitInput{RequesterID: requester, TrackingNumber: tn, LockerID: "L1"})
}

func (s *ServiceSuite) TestSubmit_SecondRequesterServedFromCache() {
	s.carrier.hits["jnt"] = "ON PROCESS"

	first, err := s.submit("u1", "jp-1234 567890")
	s.Require().NoError(err)
	s.Require().False(first.FromCache)
	s.Require().Equal("jnt", first.Carrier)
	s.Require().Equal(1, s.carrier.callCount())

	second, err := s.submit("u2", "JP1234567890")
	s.Require().NoError(err)
	s.Require().True(second.FromCache)
	s.Require().Equal("jnt", second.Carrier)
	s.Require().Equal(first.Snapshot.Status, second.Snapshot.Status)
	s.Require().Equal(1, s.carrier.callCount())

	sh, err := s.store.FindShipment(context.Background(), "u2", "JP1234567890")
	s.Require().NoError(err)
	s.Require().Equal(models.ShipmentStatusAwaitingDeposit, sh.Status)
	s.Require().Equal("L1", sh.AssignedLockerID)

	l, err := s.store.GetLocker(context.Background(), "L1")
	s.Require().NoError(err)
	s.Require().Equal([]string{"JP1234567890"}, l.PendingTrackingNumbers)

	s.Require().Equal([]string{messages.ShipmentSubmitted, messages.ShipmentSubmitted}, s.notifier.types())
}

func (s *ServiceSuite) TestSubmit_HighConfidenceFallback() {
	res, err := s.submit("u1", "123456789012")
	s.Require().NoError(err)
	s.Require().Equal("sicepat", res.Carrier)
	s.Require().True(res.LowTrust)
	s.Require().True(res.Snapshot.Placeholder)
	s.Require().Equal([]string{"sicepat"}, s.carrier.calledCarriers())

	v, err := s.store.GetValidation(context.Background(), "123456789012")
	s.Require().NoError(err)
	s.Require().NotNil(v)
	s.Require().True(v.LowTrust)

	sh, err := s.store.FindShipment(context.Background(), "u1", "123456789012")
	s.Require().NoError(err)
	s.Require().NotNil(sh.NextCheckAt)
	s.Require().True(sh.NeedsRevalidation())
}

func (s *ServiceSuite) TestSubmit_ExhaustedLowConfidenceIsNotFound() {
	_, err := s.submit("u1", "ZZ99887766")
	s.Require().ErrorIs(err, apperr.ErrNotFound)
	s.Require().Len(s.carrier.calledCarriers(), 11) // sap skipped without aux code

	sh, err := s.store.FindShipment(context.Background(), "u1", "ZZ99887766")
	s.Require().NoError(err)
	s.Require().Nil(sh)
	v, err := s.store.GetValidation(context.Background(), "ZZ99887766")
	s.Require().NoError(err)
	s.Require().Nil(v)
}

func (s *ServiceSuite) TestSubmit_LowConfidenceFallsThroughToLaterCarrier() {
	s.carrier.hits["pos"] = "ON PROCESS"

	res, err := s.submit("u1", "CGK12345678")
	s.Require().NoError(err)
	s.Require().Equal("pos", res.Carrier)
	s.Require().False(res.LowTrust)
}

func (s *ServiceSuite) TestSubmit_ProviderOutageIsNotFoundButCounted() {
	for _, c := range detector.Default().Carriers() {
		s.carrier.errs[c.Code] = errProviderDown
	}
	_, err := s.submit("u1", "ZZ99887766")
	s.Require().ErrorIs(err, apperr.ErrNotFound)
	s.Require().Equal(int64(11), s.svc.VerifierStats().ProviderErrors)
}

func (s *ServiceSuite) TestSubmit_Guards() {
	_, err := s.submit("u1", "ab")
	s.Require().ErrorIs(err, apperr.ErrValidation)

	_, err = s.submit("", "JP1234567890")
	s.Require().ErrorIs(err, apperr.ErrValidation)

	_, err = s.svc.Submit(context.Background(), SubmitInput{RequesterID: "u1", TrackingNumber: "JP1234567890", LockerID: "nope"})
	s.Require().ErrorIs(err, apperr.ErrLockerNotFound)

	_, err = s.svc.Submit(context.Background(), SubmitInput{RequesterID: "u1", TrackingNumber: "JP1234567890"})
	s.Require().ErrorIs(err, apperr.ErrValidation)

	s.Require().Zero(s.carrier.callCount())

	s.carrier.hits["jnt"] = "ON PROCESS"
	_, err = s.submit("u1", "JP1234567890")
	s.Require().NoError(err)
	_, err = s.submit("u1", "jp 1234567890")
	s.Require().ErrorIs(err, apperr.ErrAlreadySubmitted)
}

func (s *ServiceSuite) TestSubmit_ConcurrentMissesShareOneVerification() {
	s.carrier.hits["jnt"] = "ON PROCESS"
	s.carrier.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.submit("u"+string(rune('a'+i)), "JP1234567890")
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(s.carrier.gate)
	wg.Wait()

	for _, err := range errs {
		s.Require().NoError(err)
	}
	s.Require().Equal(1, s.carrier.callCount())
}

func (s *ServiceSuite) TestRevalidate_UpgradesLowTrustShipment() {
	_, err := s.submit("u1", "123456789012")
	s.Require().NoError(err)

	s.carrier.hits["sicepat"] = "ON PROCESS"
	res, err := s.svc.Revalidate(context.Background(), RevalidateInput{RequesterID: "u1", TrackingNumber: "123456789012"})
	s.Require().NoError(err)
	s.Require().False(res.LowTrust)
	s.Require().False(res.FromCache)
	s.Require().Equal("ON PROCESS", res.Snapshot.Status)

	sh, err := s.store.FindShipment(context.Background(), "u1", "123456789012")
	s.Require().NoError(err)
	s.Require().False(sh.NeedsRevalidation())
	s.Require().Nil(sh.NextCheckAt)
	s.Require().Equal(models.EventRevalidated, sh.Events[len(sh.Events)-1].Name)

	v, err := s.store.GetValidation(context.Background(), "123456789012")
	s.Require().NoError(err)
	s.Require().False(v.LowTrust)
	s.Require().Equal("sicepat", v.Carrier)

	_, err = s.svc.Revalidate(context.Background(), RevalidateInput{RequesterID: "u1", TrackingNumber: "123456789012"})
	s.Require().ErrorIs(err, apperr.ErrValidation)
}

func (s *ServiceSuite) TestRevalidate_MissingShipment() {
	_, err := s.svc.Revalidate(context.Background(), RevalidateInput{RequesterID: "u1", TrackingNumber: "JP1234567890"})
	s.Require().ErrorIs(err, apperr.ErrShipmentNotFound)
}

func (s *ServiceSuite) TestRevalidateRecord_StillUnconfirmedLeavesShipment() {
	_, err := s.submit("u1", "123456789012")
	s.Require().NoError(err)
	sh, err := s.store.FindShipment(context.Background(), "u1", "123456789012")
	s.Require().NoError(err)

	res, err := s.svc.RevalidateRecord(context.Background(), sh)
	s.Require().NoError(err)
	s.Require().True(res.LowTrust)

	after, err := s.store.FindShipment(context.Background(), "u1", "123456789012")
	s.Require().NoError(err)
	s.Require().Len(after.Events, 1)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
