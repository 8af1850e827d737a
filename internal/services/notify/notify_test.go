package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BearBump/LockerBox/internal/broker/messages"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type producerMock struct {
	mock.Mock
}

func (m *producerMock) Publish(ctx context.Context, topic string, key, value []byte) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

func TestNotifier_Publish(t *testing.T) {
	pm := &producerMock{}
	pm.On("Publish", mock.Anything, "shipment-events", []byte("JP1234567890|u1"), mock.MatchedBy(func(b []byte) bool {
		var ev messages.ShipmentEvent
		if json.Unmarshal(b, &ev) != nil {
			return false
		}
		return ev.Type == messages.ShipmentSubmitted && !ev.OccurredAt.IsZero()
	})).Return(nil).Once()

	n := New(pm, "shipment-events", zap.NewNop())
	n.Publish(context.Background(), messages.ShipmentEvent{
		Type:           messages.ShipmentSubmitted,
		RequesterID:    "u1",
		TrackingNumber: "JP1234567890",
	})
	pm.AssertExpectations(t)
}

func TestNotifier_PublishErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pm := &producerMock{}
	pm.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	n := New(pm, "t", zap.New(core))
	n.Publish(context.Background(), messages.ShipmentEvent{Type: messages.ShipmentPickedUp, TrackingNumber: "X"})

	require.Equal(t, 1, logs.FilterMessage("publish shipment event").Len())
}

func TestNotifier_NilProducerAndNilNotifier(t *testing.T) {
	New(nil, "t", nil).Publish(context.Background(), messages.ShipmentEvent{Type: "x"})
	var n *Notifier
	n.Publish(context.Background(), messages.ShipmentEvent{Type: "x"})
}

func TestDispatcher_Handle(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewDispatcher(zap.New(core))

	b, err := json.Marshal(messages.ShipmentEvent{Type: messages.ShipmentDeliveredToLocker, RequesterID: "u1", TrackingNumber: "A1"})
	require.NoError(t, err)

	require.NoError(t, d.Handle([]byte("k"), b))
	require.NoError(t, d.Handle([]byte("k"), []byte("{not json")))

	st := d.Stats()
	require.Equal(t, int64(1), st.Handled)
	require.Equal(t, int64(1), st.Malformed)
	require.Equal(t, 1, logs.FilterMessage("notify requester").Len())
}
