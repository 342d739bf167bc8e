// Package events carries payment domain events from the engine to their
// subscribers.  Subscriptions are registered once at startup; dispatch
// happens only after the transition that produced the event has committed.
package events

import (
	"time"

	"github.com/iliyamo/booking-payments/internal/model"
)

// Type names a domain event.
type Type string

const (
	PaymentCompleted Type = "payment.completed"
	PaymentFailed    Type = "payment.failed"
	PaymentRefunded  Type = "payment.refunded"
)

// Event is a committed payment transition.  Payment is a snapshot taken after
// the commit; Reason is set for failures and refunds.
type Event struct {
	Type       Type
	Payment    model.Payment
	Reason     string
	OccurredAt time.Time
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(t Type, p model.Payment, reason string) Event {
	return Event{Type: t, Payment: p, Reason: reason, OccurredAt: time.Now().UTC()}
}

// ForStatus returns the event type emitted when a payment enters s.
func ForStatus(s model.PaymentStatus) (Type, bool) {
	switch s {
	case model.StatusCompleted:
		return PaymentCompleted, true
	case model.StatusFailed:
		return PaymentFailed, true
	case model.StatusRefunded:
		return PaymentRefunded, true
	}
	return "", false
}
