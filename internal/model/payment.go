package model

import (
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a Payment.  Values are stored
// verbatim in the payments.status column.
type PaymentStatus string

const (
	StatusNone      PaymentStatus = "NONE"
	StatusPending   PaymentStatus = "PENDING"
	StatusCompleted PaymentStatus = "COMPLETED"
	StatusFailed    PaymentStatus = "FAILED"
	StatusRefunded  PaymentStatus = "REFUNDED"
)

// transitions lists, for each state, the states it may move to.  FAILED ->
// PENDING is a retry; COMPLETED -> REFUNDED is the only edge that leaves a
// settled payment.
var transitions = map[PaymentStatus][]PaymentStatus{
	StatusNone:      {StatusPending},
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusFailed:    {StatusPending},
	StatusCompleted: {StatusRefunded},
	StatusRefunded:  {},
}

var labels = map[PaymentStatus]string{
	StatusNone:      "Unpaid",
	StatusPending:   "Pending",
	StatusCompleted: "Completed",
	StatusFailed:    "Failed",
	StatusRefunded:  "Refunded",
}

// IsLegalTransition reports whether a payment in state from may move to
// state to.  Unknown states never transition.
func IsLegalTransition(from, to PaymentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Label returns the display string for a status, or the raw value when the
// status is unknown.
func Label(s PaymentStatus) string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// ParseStatus converts a stored value into a PaymentStatus.
func ParseStatus(v string) (PaymentStatus, bool) {
	s := PaymentStatus(v)
	_, ok := transitions[s]
	return s, ok
}

// Valid reports whether s is one of the known states.
func (s PaymentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is an end state kept only for audit.  A FAILED
// payment may still be retried, but no gateway event moves it on its own.
func (s PaymentStatus) Terminal() bool {
	return s == StatusFailed || s == StatusRefunded
}

// Projection returns the value stored in bookings.payment_status for s.
func (s PaymentStatus) Projection() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusRefunded:
		return "refunded"
	default:
		return "unpaid"
	}
}

// Payment mirrors a row of the payments table together with the gateway
// events that have been applied to it.
//
// Fields:
//
//	TransactionRef    merchant reference sent to the gateway and echoed in
//	                   callbacks.  Nil until the first initiation, immutable after.
//	GatewayPaymentID  the gateway's identifier for the latest attempt.
//	Version           incremented on every write; guards lost updates.
//	GatewayEventIDs   processed callback identifiers (payment_gateway_events).
//	RefundRequestedAt set while a gateway refund is in flight.
type Payment struct {
	ID               uint64
	BookingID        uint64
	Status           PaymentStatus
	Amount           decimal.Decimal
	Currency         string
	TransactionRef   *string
	GatewayPaymentID *string
	FailureReason    *string
	RefundReason     *string
	Version          uint32
	GatewayEventIDs  []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	RefundedAt       *time.Time

	RefundRequestedAt *time.Time
}

// MaxReasonLength is the widest failure or refund reason the payments table
// stores, in characters.
const MaxReasonLength = 255

// TruncateReason cuts s to MaxReasonLength characters.
func TruncateReason(s string) string {
	if utf8.RuneCountInString(s) <= MaxReasonLength {
		return s
	}
	return string([]rune(s)[:MaxReasonLength])
}

// Ref returns the transaction reference or an empty string.
func (p *Payment) Ref() string {
	if p.TransactionRef == nil {
		return ""
	}
	return *p.TransactionRef
}

// HasEvent reports whether eventID is among the loaded gateway event ids.
func (p *Payment) HasEvent(eventID string) bool {
	for _, id := range p.GatewayEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// Transition moves the payment to status to and stamps the matching
// timestamp.  It returns false, leaving p untouched, when the edge is not in
// the transition graph.
func (p *Payment) Transition(to PaymentStatus, at time.Time) bool {
	if !IsLegalTransition(p.Status, to) {
		return false
	}
	p.Status = to
	p.UpdatedAt = at
	switch to {
	case StatusCompleted:
		if p.CompletedAt == nil {
			t := at
			p.CompletedAt = &t
		}
		p.FailureReason = nil
	case StatusFailed:
		t := at
		p.FailedAt = &t
	case StatusRefunded:
		if p.RefundedAt == nil {
			t := at
			p.RefundedAt = &t
		}
	}
	return true
}

// GatewayEvent is one processed callback, stored in payment_gateway_events.
// The unique (payment_id, event_id) pair is what makes replays no-ops.
type GatewayEvent struct {
	PaymentID  uint64
	EventID    string
	Outcome    string
	Payload    []byte
	ReceivedAt time.Time
}
