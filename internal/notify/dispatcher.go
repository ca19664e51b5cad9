package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"haulbid.org/internal/ids"
	"haulbid.org/internal/obs"
)

const defaultQueueSize = 256

// Dispatcher consumes events produced by the bid/auction services and forwards
// them: persist the notification row, publish to the SSE hub, hand off to the
// push sender. All of it is fire-and-forget from the caller's perspective —
// Dispatch never blocks and never reports an error back into the request path.
type Dispatcher struct {
	store  Store
	sender Sender
	hub    *Hub
	queue  chan Event
}

// NewDispatcher wires a dispatcher. sender and hub may be nil.
func NewDispatcher(store Store, sender Sender, hub *Hub) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sender: sender,
		hub:    hub,
		queue:  make(chan Event, defaultQueueSize),
	}
}

// Dispatch enqueues an event for delivery. When the queue is full the event is
// dropped and counted; notifications are best-effort by contract.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) {
	obs.NotificationsDispatchedTotal.WithLabelValues(string(evt.Type)).Inc()
	select {
	case d.queue <- evt:
	default:
		obs.NotificationsDroppedTotal.Inc()
		obs.Logger().WithField("type", evt.Type).Warn("notification queue full, event dropped")
	}
}

// Run processes the queue until ctx is cancelled. Start it once from main.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-d.queue:
			d.deliver(ctx, evt)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, evt Event) {
	n := Notification{
		ID:        ids.New(),
		UserID:    evt.UserID,
		AuctionID: evt.AuctionID,
		Type:      evt.Type,
		Message:   evt.Message,
		Data:      evt.Data,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.Save(ctx, n); err != nil {
		obs.Logger().WithError(err).WithField("type", evt.Type).Error("persist notification")
	}
	if d.hub != nil {
		d.hub.Publish(evt)
	}
	if d.sender != nil {
		if err := d.sender.Send(ctx, n); err != nil {
			obs.Logger().WithError(err).WithField("type", evt.Type).Warn("push delivery failed")
		}
	}
}

// LogSender is the default push transport: it only logs. The real token-based
// transport lives outside this service and satisfies Sender.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, n Notification) error {
	obs.Logger().WithFields(logrus.Fields{
		"user_id":    n.UserID,
		"auction_id": n.AuctionID,
		"type":       n.Type,
	}).Debug("push notification")
	return nil
}
