package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/booking-payments/internal/model"
)

var paymentColumns = []string{
	"id", "booking_id", "status", "amount", "currency", "transaction_ref", "gateway_payment_id",
	"failure_reason", "refund_reason", "version", "created_at", "updated_at", "completed_at", "failed_at", "refunded_at",
	"refund_requested_at",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock init error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestLockByTransactionRefReturnsPayment(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentRepo(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE transaction_ref = \? FOR UPDATE`).WithArgs("ref-1").
		WillReturnRows(sqlmock.NewRows(paymentColumns).AddRow(
			7, 42, "PENDING", "150.00", "IQD", "ref-1", "gw-9",
			nil, nil, 3, now, now, nil, nil, nil, nil))
	mock.ExpectCommit()

	var got *model.Payment
	err := repo.WithTx(context.Background(), func(tx *PaymentTx) error {
		var err error
		got, err = tx.LockByTransactionRef(context.Background(), "ref-1")
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != 7 || got.BookingID != 42 || got.Status != model.StatusPending || got.Version != 3 {
		t.Fatalf("unexpected payment %+v", got)
	}
	if !got.Amount.Equal(decimal.RequireFromString("150")) || got.Ref() != "ref-1" || got.CompletedAt != nil {
		t.Fatalf("unexpected amount/ref/timestamps %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLockByIDMissingIsNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE id = \? FOR UPDATE`).WithArgs(99).
		WillReturnRows(sqlmock.NewRows(paymentColumns))
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx *PaymentTx) error {
		_, err := tx.LockByID(context.Background(), 99)
		return err
	})
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveTxVersionGuard(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentRepo(db)
	now := time.Now().UTC()
	p := &model.Payment{ID: 7, Status: model.StatusCompleted, Amount: decimal.NewFromInt(10), Currency: "IQD", Version: 3, UpdatedAt: now, CompletedAt: &now}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payments`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE payments`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx *PaymentTx) error {
		if err := tx.Save(context.Background(), p); err != nil {
			t.Fatalf("first save: %v", err)
		}
		if p.Version != 4 {
			t.Fatalf("version not advanced: %d", p.Version)
		}
		stale := *p
		stale.Version = 3
		return tx.Save(context.Background(), &stale)
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateTxDuplicateBooking(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO payments`).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx *PaymentTx) error {
		return tx.Create(context.Background(), &model.Payment{BookingID: 1, Status: model.StatusNone, Amount: decimal.NewFromInt(5)})
	})
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
}

func TestCreateTxAssignsID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentRepo(db)
	p := &model.Payment{BookingID: 1, Status: model.StatusNone, Amount: decimal.NewFromInt(5), Currency: "IQD"}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO payments`).WillReturnResult(sqlmock.NewResult(31, 1))
	mock.ExpectCommit()

	if err := repo.WithTx(context.Background(), func(tx *PaymentTx) error { return tx.Create(context.Background(), p) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != 31 {
		t.Fatalf("expected id 31, got %d", p.ID)
	}
}

func TestEventDedupe(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM payment_gateway_events`).WithArgs(7, "E1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery(`SELECT 1 FROM payment_gateway_events`).WithArgs(7, "E2").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectExec(`INSERT INTO payment_gateway_events`).
		WillReturnError(&mysql.MySQLError{Number: 1062})
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx *PaymentTx) error {
		ctx := context.Background()
		if ok, err := tx.HasEvent(ctx, 7, "E1"); err != nil || !ok {
			t.Fatalf("E1 should be recorded: %v %v", ok, err)
		}
		if ok, err := tx.HasEvent(ctx, 7, "E2"); err != nil || ok {
			t.Fatalf("E2 should be new: %v %v", ok, err)
		}
		return tx.RecordEvent(ctx, model.GatewayEvent{PaymentID: 7, EventID: "E2", Outcome: "success", ReceivedAt: time.Now()})
	})
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestGetByIDLoadsEventIDs(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM payments WHERE id = \?`).WithArgs(7).
		WillReturnRows(sqlmock.NewRows(paymentColumns).AddRow(
			7, 42, "COMPLETED", "150.00", "IQD", "ref-1", "gw-9",
			nil, nil, 4, now, now, now, nil, nil, nil))
	mock.ExpectQuery(`SELECT event_id FROM payment_gateway_events`).WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("E1").AddRow("E2"))

	p, err := repo.GetByID(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.GatewayEventIDs) != 2 || !p.HasEvent("E2") || p.CompletedAt == nil {
		t.Fatalf("unexpected payment %+v", p)
	}
}

func TestWithTxCommitFailureIsReported(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentRepo(db)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := repo.WithTx(context.Background(), func(*PaymentTx) error { return nil })
	if err == nil {
		t.Fatalf("expected commit error")
	}
}
