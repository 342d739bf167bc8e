package model

import "time"

// AuditEntry is a row of payment_audit_log, written once per dispatched
// domain event.
type AuditEntry struct {
	ID        uint64
	EventType string
	PaymentID uint64
	BookingID uint64
	Status    PaymentStatus
	Reason    string
	CreatedAt time.Time
}
