// Package notify publishes shipment lifecycle events and dispatches consumed ones.
// Publishing is fire-and-forget: a broker failure never fails the operation that
// produced the event.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/LockerBox/internal/broker/messages"
	"go.uber.org/zap"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Notifier struct {
	producer Producer
	topic    string
	log      *zap.Logger
	timeout  time.Duration
}

// New returns a Notifier. A nil producer makes every Publish a logged no-op.
func New(p Producer, topic string, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{producer: p, topic: topic, log: log, timeout: 5 * time.Second}
}

func (n *Notifier) Publish(ctx context.Context, ev messages.ShipmentEvent) {
	if n == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if n.producer == nil || n.topic == "" {
		n.log.Debug("notification skipped, no producer", zap.String("type", ev.Type), zap.String("tracking_number", ev.TrackingNumber))
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("marshal shipment event", zap.Error(err))
		return
	}
	// Запрос клиента уже мог завершиться, событие всё равно отправляем.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.producer.Publish(pctx, n.topic, ev.Key(), b); err != nil {
		n.log.Warn("publish shipment event",
			zap.String("type", ev.Type),
			zap.String("tracking_number", ev.TrackingNumber),
			zap.Error(err),
		)
	}
}
