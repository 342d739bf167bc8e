package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/booking-payments/internal/model"
)

// PaymentRepo provides access to the payments and payment_gateway_events
// tables.  State-changing work happens inside a caller-owned transaction
// through the *Tx methods; rows read with Lock*Tx stay locked (SELECT ... FOR
// UPDATE) until that transaction ends.  All timestamps are UTC.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

// DB exposes the underlying handle so callers can begin transactions.
func (r *PaymentRepo) DB() *sql.DB { return r.db }

const paymentCols = `id, booking_id, status, amount, currency, transaction_ref, gateway_payment_id,
       failure_reason, refund_reason, version, created_at, updated_at, completed_at, failed_at, refunded_at,
       refund_requested_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*model.Payment, error) {
	var (
		p                                  model.Payment
		status                             string
		ref, gwID, failReason, refundReason sql.NullString
		completedAt, failedAt, refundedAt   sql.NullTime
		refundRequestedAt                   sql.NullTime
	)
	err := row.Scan(&p.ID, &p.BookingID, &status, &p.Amount, &p.Currency, &ref, &gwID,
		&failReason, &refundReason, &p.Version, &p.CreatedAt, &p.UpdatedAt,
		&completedAt, &failedAt, &refundedAt, &refundRequestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	s, ok := model.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("payment %d: unknown status %q", p.ID, status)
	}
	p.Status = s
	p.TransactionRef = nullStr(ref)
	p.GatewayPaymentID = nullStr(gwID)
	p.FailureReason = nullStr(failReason)
	p.RefundReason = nullStr(refundReason)
	p.CompletedAt = nullTime(completedAt)
	p.FailedAt = nullTime(failedAt)
	p.RefundedAt = nullTime(refundedAt)
	p.RefundRequestedAt = nullTime(refundRequestedAt)
	return &p, nil
}

// GetByID loads a payment and the ids of every gateway event applied to it.
// It does not lock and is meant for read-only views.
func (r *PaymentRepo) GetByID(ctx context.Context, id uint64) (*model.Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id FROM payment_gateway_events WHERE payment_id = ? ORDER BY received_at, event_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	p.GatewayEventIDs = []string{}
	for rows.Next() {
		var eid string
		if err := rows.Scan(&eid); err != nil {
			return nil, err
		}
		p.GatewayEventIDs = append(p.GatewayEventIDs, eid)
	}
	return p, rows.Err()
}

// LockByBookingTx returns the booking's payment with a row lock held.
func (r *PaymentRepo) LockByBookingTx(ctx context.Context, tx *sql.Tx, bookingID uint64) (*model.Payment, error) {
	return scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE booking_id = ? FOR UPDATE`, bookingID))
}

// LockByIDTx returns the payment with a row lock held.
func (r *PaymentRepo) LockByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Payment, error) {
	return scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE id = ? FOR UPDATE`, id))
}

// LockByTransactionRefTx returns the payment carrying ref with a row lock held.
func (r *PaymentRepo) LockByTransactionRefTx(ctx context.Context, tx *sql.Tx, ref string) (*model.Payment, error) {
	return scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE transaction_ref = ? FOR UPDATE`, ref))
}

// CreateTx inserts p and fills in its generated ID.  A second payment for the
// same booking fails with ErrDuplicatePayment.
func (r *PaymentRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	const q = `INSERT INTO payments (booking_id, status, amount, currency, transaction_ref, version, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, 0, ?, ?)`
	res, err := tx.ExecContext(ctx, q, p.BookingID, string(p.Status), p.Amount, p.Currency,
		strPtr(p.TransactionRef), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDup(err) {
			return ErrDuplicatePayment
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	p.Version = 0
	return nil
}

// SaveTx writes every mutable column of p, guarded by the version p was read
// at.  transaction_ref keeps its stored value once set.  On success p.Version
// is advanced.
func (r *PaymentRepo) SaveTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	const q = `UPDATE payments
               SET status = ?, amount = ?, currency = ?,
                   transaction_ref = COALESCE(transaction_ref, ?),
                   gateway_payment_id = ?, failure_reason = ?, refund_reason = ?,
                   version = version + 1, updated_at = ?,
                   completed_at = ?, failed_at = ?, refunded_at = ?, refund_requested_at = ?
               WHERE id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, q,
		string(p.Status), p.Amount, p.Currency,
		strPtr(p.TransactionRef),
		strPtr(p.GatewayPaymentID), strPtr(p.FailureReason), strPtr(p.RefundReason),
		p.UpdatedAt,
		timePtr(p.CompletedAt), timePtr(p.FailedAt), timePtr(p.RefundedAt), timePtr(p.RefundRequestedAt),
		p.ID, p.Version)
	if err != nil {
		if isDup(err) {
			return ErrDuplicatePayment
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

// HasEventTx reports whether eventID was already applied to the payment.
func (r *PaymentRepo) HasEventTx(ctx context.Context, tx *sql.Tx, paymentID uint64, eventID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM payment_gateway_events WHERE payment_id = ? AND event_id = ? LIMIT 1`,
		paymentID, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordEventTx stores a processed gateway event.  The unique key on
// (payment_id, event_id) turns a concurrent duplicate into ErrDuplicateEvent.
func (r *PaymentRepo) RecordEventTx(ctx context.Context, tx *sql.Tx, ev model.GatewayEvent) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payment_gateway_events (payment_id, event_id, outcome, payload, received_at) VALUES (?, ?, ?, ?, ?)`,
		ev.PaymentID, ev.EventID, ev.Outcome, payload, ev.ReceivedAt)
	if err != nil && isDup(err) {
		return ErrDuplicateEvent
	}
	return err
}

// PaymentTx binds the repository's *Tx methods to one open transaction.
type PaymentTx struct {
	repo *PaymentRepo
	tx   *sql.Tx
}

func (t *PaymentTx) LockByBooking(ctx context.Context, bookingID uint64) (*model.Payment, error) {
	return t.repo.LockByBookingTx(ctx, t.tx, bookingID)
}

func (t *PaymentTx) LockByID(ctx context.Context, id uint64) (*model.Payment, error) {
	return t.repo.LockByIDTx(ctx, t.tx, id)
}

func (t *PaymentTx) LockByTransactionRef(ctx context.Context, ref string) (*model.Payment, error) {
	return t.repo.LockByTransactionRefTx(ctx, t.tx, ref)
}

func (t *PaymentTx) Create(ctx context.Context, p *model.Payment) error {
	return t.repo.CreateTx(ctx, t.tx, p)
}

func (t *PaymentTx) Save(ctx context.Context, p *model.Payment) error {
	return t.repo.SaveTx(ctx, t.tx, p)
}

func (t *PaymentTx) HasEvent(ctx context.Context, paymentID uint64, eventID string) (bool, error) {
	return t.repo.HasEventTx(ctx, t.tx, paymentID, eventID)
}

func (t *PaymentTx) RecordEvent(ctx context.Context, ev model.GatewayEvent) error {
	return t.repo.RecordEventTx(ctx, t.tx, ev)
}

// WithTx runs fn inside a transaction and commits when fn returns nil.  Any
// error, including a failed commit, rolls back.
func (r *PaymentRepo) WithTx(ctx context.Context, fn func(tx *PaymentTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&PaymentTx{repo: r, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func strPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
