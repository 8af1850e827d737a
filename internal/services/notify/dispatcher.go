package notify

import (
	"encoding/json"
	"sync/atomic"

	"github.com/BearBump/LockerBox/internal/broker/messages"
	"go.uber.org/zap"
)

// Dispatcher is the consumer side: it turns shipment events into requester
// notifications. Delivery transport is external, so it only logs what would be sent.
type Dispatcher struct {
	log       *zap.Logger
	handled   atomic.Int64
	malformed atomic.Int64
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log}
}

// Handle never fails on a bad payload, otherwise one poison message would block the partition.
func (d *Dispatcher) Handle(key, value []byte) error {
	var ev messages.ShipmentEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		d.malformed.Add(1)
		d.log.Warn("malformed shipment event", zap.ByteString("key", key), zap.Error(err))
		return nil
	}
	d.handled.Add(1)
	d.log.Info("notify requester",
		zap.String("requester_id", ev.RequesterID),
		zap.String("type", ev.Type),
		zap.String("tracking_number", ev.TrackingNumber),
		zap.String("locker_id", ev.LockerID),
		zap.String("status", ev.Status),
	)
	return nil
}

type DispatcherStats struct {
	Handled   int64 `json:"handled"`
	Malformed int64 `json:"malformed"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{Handled: d.handled.Load(), Malformed: d.malformed.Load()}
}
