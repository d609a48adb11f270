package redemption

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names a usage lifecycle transition.
type EventKind string

const (
	EventReserved  EventKind = "coupon.reserved"
	EventConfirmed EventKind = "coupon.confirmed"
	EventReleased  EventKind = "coupon.released"
)

// Event is emitted after a usage transition has been committed.
type Event struct {
	Kind          EventKind
	CouponID      string
	Code          string
	TransactionID string
	// CustomerKey and DiscountAmount are only set for reservations.
	CustomerKey    string
	DiscountAmount decimal.Decimal
	OccurredAt     time.Time
}

// Publisher delivers usage events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
