package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/booking-payments/internal/model"
)

// BookingRepo reads bookings and maintains their payment_status projection.
// Bookings themselves are owned elsewhere; this repository never creates or
// deletes them.
//
// UpdatePaymentStatus relies on the DSN option clientFoundRows=true so that
// an UPDATE writing an unchanged value still reports the matched row.
type BookingRepo struct {
	db *sql.DB
}

func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// GetByID loads a booking.  It returns ErrBookingNotFound when absent.
func (r *BookingRepo) GetByID(ctx context.Context, id uint64) (*model.Booking, error) {
	var (
		b      model.Booking
		email  sql.NullString
		status sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, customer_id, customer_email, payment_status FROM bookings WHERE id = ?`, id).
		Scan(&b.ID, &b.CustomerID, &email, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	b.CustomerEmail = email.String
	b.PaymentStatusProjection = status.String
	return &b, nil
}

// UpdatePaymentStatus writes the projection for a booking.
func (r *BookingRepo) UpdatePaymentStatus(ctx context.Context, bookingID uint64, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET payment_status = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`, status, bookingID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// ProjectionDrift is a booking whose payment_status disagrees with its payment.
type ProjectionDrift struct {
	BookingID uint64
	Status    model.PaymentStatus
}

// ListProjectionDrift returns up to limit bookings whose projection does not
// match the owning payment's status.
func (r *BookingRepo) ListProjectionDrift(ctx context.Context, limit int) ([]ProjectionDrift, error) {
	const q = `SELECT b.id, p.status
               FROM bookings b
               JOIN payments p ON p.booking_id = b.id
               WHERE COALESCE(b.payment_status, '') <>
                     CASE p.status WHEN 'NONE' THEN 'unpaid' ELSE LOWER(p.status) END
               ORDER BY b.id
               LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ProjectionDrift{}
	for rows.Next() {
		var d ProjectionDrift
		var s string
		if err := rows.Scan(&d.BookingID, &s); err != nil {
			return nil, err
		}
		d.Status = model.PaymentStatus(s)
		out = append(out, d)
	}
	return out, rows.Err()
}
