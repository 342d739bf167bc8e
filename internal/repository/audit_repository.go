package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/booking-payments/internal/model"
)

// AuditRepo appends to payment_audit_log.  Rows are never updated.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// Insert stores e and fills in its ID.
func (r *AuditRepo) Insert(ctx context.Context, e *model.AuditEntry) error {
	var reason any
	if e.Reason != "" {
		reason = e.Reason
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO payment_audit_log (event_type, payment_id, booking_id, status, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.EventType, e.PaymentID, e.BookingID, string(e.Status), reason, e.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = uint64(id)
	return nil
}

// ListByPayment returns the audit trail of a payment, oldest first.
func (r *AuditRepo) ListByPayment(ctx context.Context, paymentID uint64) ([]model.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_type, payment_id, booking_id, status, COALESCE(reason, ''), created_at
         FROM payment_audit_log WHERE payment_id = ? ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AuditEntry{}
	for rows.Next() {
		var e model.AuditEntry
		var s string
		if err := rows.Scan(&e.ID, &e.EventType, &e.PaymentID, &e.BookingID, &s, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = model.PaymentStatus(s)
		out = append(out, e)
	}
	return out, rows.Err()
}
