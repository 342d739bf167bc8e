package service

import (
	"context"

	"github.com/iliyamo/booking-payments/internal/events"
	"github.com/iliyamo/booking-payments/internal/gateway"
	"github.com/iliyamo/booking-payments/internal/model"
	"github.com/iliyamo/booking-payments/internal/repository"
)

// PaymentTx is the set of row operations available inside one transaction.
// Lock* methods hold the payment row until the transaction ends and report
// repository.ErrPaymentNotFound for a missing row.
type PaymentTx interface {
	LockByBooking(ctx context.Context, bookingID uint64) (*model.Payment, error)
	LockByID(ctx context.Context, id uint64) (*model.Payment, error)
	LockByTransactionRef(ctx context.Context, ref string) (*model.Payment, error)
	Create(ctx context.Context, p *model.Payment) error
	Save(ctx context.Context, p *model.Payment) error
	HasEvent(ctx context.Context, paymentID uint64, eventID string) (bool, error)
	RecordEvent(ctx context.Context, ev model.GatewayEvent) error
}

// PaymentStore runs transactions over payments.  fn's changes are committed
// when it returns nil and discarded otherwise.
type PaymentStore interface {
	WithinTx(ctx context.Context, fn func(tx PaymentTx) error) error
	GetPayment(ctx context.Context, id uint64) (*model.Payment, error)
}

// Gateway is the outbound side of the card processor.
type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (gateway.CreatePaymentResponse, error)
	RefundPayment(ctx context.Context, req gateway.RefundRequest) error
	PaymentStatus(ctx context.Context, gatewayPaymentID string) (gateway.StatusResponse, error)
}

// SignatureVerifier authenticates an inbound callback body.
type SignatureVerifier interface {
	Verify(payload []byte, signature string) error
}

// EventDispatcher receives committed domain events.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev events.Event)
}

// NewSQLStore adapts the MySQL payment repository to PaymentStore.
func NewSQLStore(repo *repository.PaymentRepo) PaymentStore {
	return sqlStore{repo: repo}
}

type sqlStore struct {
	repo *repository.PaymentRepo
}

func (s sqlStore) WithinTx(ctx context.Context, fn func(tx PaymentTx) error) error {
	return s.repo.WithTx(ctx, func(tx *repository.PaymentTx) error { return fn(tx) })
}

func (s sqlStore) GetPayment(ctx context.Context, id uint64) (*model.Payment, error) {
	return s.repo.GetByID(ctx, id)
}
