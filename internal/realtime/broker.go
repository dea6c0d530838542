// Package realtime is the change feed: row inserts and updates are published
// on channels named after the column a subscriber filters on
// (session:<id>, signal:<to_session_id>, chat:<call_id>).
package realtime

import (
	"context"

	"meetzap/backend/internal/models"
)

// subscriptionBuffer bounds how far a subscriber may fall behind before
// events are dropped for it.
const subscriptionBuffer = 256

// Message is an event together with the channel it arrived on.
type Message struct {
	Channel string
	Event   models.ChangeEvent
}

// Subscription delivers events for its channels until closed. Events from a
// single channel arrive in publish order.
type Subscription interface {
	Events() <-chan Message
	Add(ctx context.Context, channels ...string) error
	Remove(ctx context.Context, channels ...string) error
	Close() error
}

// Broker publishes change events and hands out subscriptions.
type Broker interface {
	Publish(ctx context.Context, channel string, event models.ChangeEvent) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// PublishRow is a helper that builds and publishes a ChangeEvent for row.
func PublishRow(ctx context.Context, b Broker, channel, table string, typ models.ChangeType, row any) error {
	ev, err := models.NewChangeEvent(table, typ, row)
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, ev)
}
