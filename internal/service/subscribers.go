package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/booking-payments/internal/events"
	"github.com/iliyamo/booking-payments/internal/logging"
	"github.com/iliyamo/booking-payments/internal/model"
	"github.com/iliyamo/booking-payments/internal/queue"
	"github.com/iliyamo/booking-payments/internal/repository"
)

// BookingReader loads the booking a payment belongs to.
type BookingReader interface {
	GetByID(ctx context.Context, id uint64) (*model.Booking, error)
}

// NotificationPublisher hands a notification to the message broker.
type NotificationPublisher interface {
	PublishPaymentNotification(ctx context.Context, n queue.PaymentNotification) error
}

// CustomerNotifier tells the customer about completed, failed and refunded
// payments.  Delivery is best effort; the dispatcher retries publish errors.
type CustomerNotifier struct {
	bookings BookingReader
	out      NotificationPublisher
	log      *zap.Logger
}

func NewCustomerNotifier(bookings BookingReader, out NotificationPublisher, log *zap.Logger) *CustomerNotifier {
	return &CustomerNotifier{bookings: bookings, out: out, log: logging.OrNop(log)}
}

func (n *CustomerNotifier) Handle(ctx context.Context, ev events.Event) error {
	p := ev.Payment
	b, err := n.bookings.GetByID(ctx, p.BookingID)
	if errors.Is(err, repository.ErrBookingNotFound) {
		n.log.Warn("notification skipped, booking not found", zap.Uint64("booking_id", p.BookingID), zap.Uint64("payment_id", p.ID))
		return nil
	}
	if err != nil {
		return err
	}
	return n.out.PublishPaymentNotification(ctx, queue.PaymentNotification{
		Event:          string(ev.Type),
		PaymentID:      p.ID,
		BookingID:      p.BookingID,
		CustomerID:     b.CustomerID,
		CustomerEmail:  b.CustomerEmail,
		Status:         string(p.Status),
		StatusLabel:    model.Label(p.Status),
		Amount:         p.Amount.StringFixed(2),
		Currency:       p.Currency,
		TransactionRef: p.Ref(),
		Reason:         ev.Reason,
		OccurredAt:     ev.OccurredAt.Format(time.RFC3339),
	})
}

// AuditWriter appends audit rows.
type AuditWriter interface {
	Insert(ctx context.Context, e *model.AuditEntry) error
}

// AuditLogger records every dispatched event in the structured log and the
// payment_audit_log table.  The log line is written even when the insert
// fails.
type AuditLogger struct {
	store AuditWriter
	log   *zap.Logger
}

func NewAuditLogger(store AuditWriter, log *zap.Logger) *AuditLogger {
	return &AuditLogger{store: store, log: logging.OrNop(log)}
}

func (a *AuditLogger) Handle(ctx context.Context, ev events.Event) error {
	p := ev.Payment
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.Uint64("payment_id", p.ID),
		zap.Uint64("booking_id", p.BookingID),
		zap.String("transaction_ref", p.Ref()),
		zap.String("status", string(p.Status)),
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.Type == events.PaymentFailed {
		a.log.Warn("payment audit", fields...)
	} else {
		a.log.Info("payment audit", fields...)
	}
	if a.store == nil {
		return nil
	}
	return a.store.Insert(ctx, &model.AuditEntry{
		EventType: string(ev.Type),
		PaymentID: p.ID,
		BookingID: p.BookingID,
		Status:    p.Status,
		Reason:    ev.Reason,
		CreatedAt: ev.OccurredAt,
	})
}

var allPaymentEvents = []events.Type{events.PaymentCompleted, events.PaymentFailed, events.PaymentRefunded}

// Register wires the payment subscribers into reg.  Booking sync runs
// synchronously ahead of everything else; audit and notification run on the
// worker pool.  A nil subscriber is skipped.
func Register(reg *events.Registry, sync *BookingSync, audit *AuditLogger, notifier *CustomerNotifier) {
	if sync != nil {
		reg.Subscribe(events.Subscription{Name: "booking-sync", Priority: 0, MaxAttempts: 3, Handler: sync.Handle}, allPaymentEvents...)
	}
	if audit != nil {
		reg.Subscribe(events.Subscription{Name: "audit", Priority: 10, Async: true, Handler: audit.Handle}, allPaymentEvents...)
	}
	if notifier != nil {
		reg.Subscribe(events.Subscription{Name: "customer-notification", Priority: 20, Async: true, Handler: notifier.Handle}, allPaymentEvents...)
	}
}
