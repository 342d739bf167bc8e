// Package service holds the payment reconciliation engine and the
// subscribers that react to its committed transitions.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-payments/internal/events"
	"github.com/iliyamo/booking-payments/internal/gateway"
	"github.com/iliyamo/booking-payments/internal/lock"
	"github.com/iliyamo/booking-payments/internal/logging"
	"github.com/iliyamo/booking-payments/internal/model"
	"github.com/iliyamo/booking-payments/internal/payerr"
	"github.com/iliyamo/booking-payments/internal/repository"
)

// EngineConfig tunes the engine.  Zero values fall back to defaults.
type EngineConfig struct {
	// PendingTTL is how long a PENDING payment blocks a new initiation.
	PendingTTL time.Duration
	// GatewayTimeout bounds every outbound gateway call.
	GatewayTimeout time.Duration
	// LockTTL is the lifetime of the cross-process initiation/refund lock.
	LockTTL  time.Duration
	Currency string
}

// PaymentHandle is what a caller needs to send the customer to the gateway.
type PaymentHandle struct {
	PaymentID        uint64              `json:"payment_id"`
	BookingID        uint64              `json:"booking_id"`
	TransactionRef   string              `json:"transaction_ref"`
	GatewayPaymentID string              `json:"gateway_payment_id"`
	RedirectURL      string              `json:"redirect_url"`
	Status           model.PaymentStatus `json:"status"`
}

// CallbackEvent is an inbound gateway notification.
type CallbackEvent struct {
	TransactionRef string
	EventID        string
	Outcome        string
	Signature      string
	RawPayload     []byte
	// Reason is the gateway's decline message, if any.
	Reason string
}

// CallbackResult reports what a callback did.  Replayed is set when the event
// id had already been applied; Applied when this call changed the payment.
type CallbackResult struct {
	Payment  model.Payment
	Replayed bool
	Applied  bool
}

// Engine drives payments through their lifecycle.  Every state change runs
// under the payment's row lock; gateway calls happen outside it, and domain
// events go out only after the change has committed.
type Engine struct {
	store    PaymentStore
	gw       Gateway
	verifier SignatureVerifier
	dispatch EventDispatcher
	locker   lock.Locker
	log      *zap.Logger
	cfg      EngineConfig

	now    func() time.Time
	newRef func() string
}

func NewEngine(store PaymentStore, gw Gateway, verifier SignatureVerifier, dispatch EventDispatcher,
	locker lock.Locker, cfg EngineConfig, log *zap.Logger) *Engine {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.GatewayTimeout + 5*time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "IQD"
	}
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Engine{
		store:    store,
		gw:       gw,
		verifier: verifier,
		dispatch: dispatch,
		locker:   locker,
		log:      logging.OrNop(log),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newRef:   uuid.NewString,
	}
}

// Initiate starts (or retries) the payment for a booking and returns where
// to redirect the customer.
func (e *Engine) Initiate(ctx context.Context, bookingID uint64, amount decimal.Decimal) (PaymentHandle, error) {
	if !amount.IsPositive() {
		return PaymentHandle{}, payerr.InitiationFailed("amount must be positive", "")
	}
	release, err := e.acquire(ctx, fmt.Sprintf("booking:%d", bookingID),
		payerr.InvalidStatus(model.StatusPending, model.StatusNone))
	if err != nil {
		return PaymentHandle{}, err
	}
	defer release()

	// Phase 1: make sure a row exists, carries a reference and may be initiated.
	var snap model.Payment
	err = e.store.WithinTx(ctx, func(tx PaymentTx) error {
		p, err := e.lockOrCreate(ctx, tx, bookingID, amount)
		if err != nil {
			return err
		}
		if err := e.checkInitiable(p); err != nil {
			return err
		}
		if p.TransactionRef == nil {
			ref := e.newRef()
			p.TransactionRef = &ref
			p.UpdatedAt = e.now()
			if err := tx.Save(ctx, p); err != nil {
				return err
			}
		}
		snap = *p
		return nil
	})
	if err != nil {
		return PaymentHandle{}, err
	}

	// Phase 2: talk to the gateway with no row lock held.
	gctx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	created, err := e.gw.CreatePayment(gctx, gateway.CreatePaymentRequest{
		TransactionRef: snap.Ref(),
		RequestID:      attemptRef(&snap),
		BookingID:      bookingID,
		Amount:         amount,
		Currency:       e.cfg.Currency,
	})
	cancel()
	if err != nil {
		err = gatewayErr(err, func(msg string) error { return payerr.InitiationFailed(msg, "") })
		e.log.Warn("payment initiation failed", paymentFields(&snap, zap.Error(err))...)
		return PaymentHandle{}, err
	}

	// Phase 3: re-validate and move to PENDING.
	err = e.store.WithinTx(ctx, func(tx PaymentTx) error {
		p, err := tx.LockByID(ctx, snap.ID)
		if err != nil {
			return err
		}
		if err := e.checkInitiable(p); err != nil {
			return err
		}
		now := e.now()
		if p.Status == model.StatusPending {
			p.UpdatedAt = now
		} else if !p.Transition(model.StatusPending, now) {
			return payerr.InvalidStatus(p.Status, model.StatusNone)
		}
		gwID := created.GatewayPaymentID
		p.GatewayPaymentID = &gwID
		p.Amount = amount
		p.Currency = e.cfg.Currency
		if err := tx.Save(ctx, p); err != nil {
			return err
		}
		snap = *p
		return nil
	})
	if err != nil {
		e.log.Error("gateway payment created but not recorded", paymentFields(&snap,
			zap.String("gateway_payment_id", created.GatewayPaymentID), zap.Error(err))...)
		return PaymentHandle{}, err
	}

	e.log.Info("payment initiated", paymentFields(&snap, zap.String("gateway_payment_id", created.GatewayPaymentID))...)
	return PaymentHandle{
		PaymentID:        snap.ID,
		BookingID:        snap.BookingID,
		TransactionRef:   snap.Ref(),
		GatewayPaymentID: created.GatewayPaymentID,
		RedirectURL:      created.RedirectURL,
		Status:           snap.Status,
	}, nil
}

func (e *Engine) lockOrCreate(ctx context.Context, tx PaymentTx, bookingID uint64, amount decimal.Decimal) (*model.Payment, error) {
	p, err := tx.LockByBooking(ctx, bookingID)
	if !errors.Is(err, repository.ErrPaymentNotFound) {
		return p, err
	}
	now := e.now()
	ref := e.newRef()
	p = &model.Payment{
		BookingID:      bookingID,
		Status:         model.StatusNone,
		Amount:         amount,
		Currency:       e.cfg.Currency,
		TransactionRef: &ref,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = tx.Create(ctx, p)
	if errors.Is(err, repository.ErrDuplicatePayment) {
		// Lost the insert race; the winner's row is now visible to a locking read.
		return tx.LockByBooking(ctx, bookingID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) checkInitiable(p *model.Payment) error {
	switch p.Status {
	case model.StatusCompleted:
		return payerr.AlreadyPaid()
	case model.StatusRefunded:
		return payerr.InvalidStatus(model.StatusRefunded, model.StatusNone)
	case model.StatusPending:
		if e.now().Sub(p.UpdatedAt) < e.cfg.PendingTTL {
			return payerr.InvalidStatus(model.StatusPending, model.StatusNone)
		}
	}
	return nil
}

// ApplyCallback reconciles a gateway notification with the payment it names.
func (e *Engine) ApplyCallback(ctx context.Context, cb CallbackEvent) (CallbackResult, error) {
	log := e.log.With(zap.String("transaction_ref", cb.TransactionRef), zap.String("event_id", cb.EventID))
	if err := e.verifier.Verify(cb.RawPayload, cb.Signature); err != nil {
		log.Warn("callback rejected", zap.Error(err))
		return CallbackResult{}, err
	}
	if cb.TransactionRef == "" || cb.EventID == "" {
		return CallbackResult{}, payerr.VerificationFailed(cb.TransactionRef)
	}
	res, err := e.apply(ctx, cb.TransactionRef, cb.EventID, cb.Outcome, cb.RawPayload, cb.Reason)
	if err != nil {
		log.Warn("callback not applied", zap.Error(err))
		return CallbackResult{}, err
	}
	return res, nil
}

// VerifyReturn asks the gateway for the outcome of a payment the customer has
// just returned from and applies it like a callback.  The event id is derived
// from the gateway payment id and outcome, so repeat returns are replays.
func (e *Engine) VerifyReturn(ctx context.Context, transactionRef string) (CallbackResult, error) {
	if transactionRef == "" {
		return CallbackResult{}, payerr.VerificationFailed("")
	}
	var snap model.Payment
	err := e.store.WithinTx(ctx, func(tx PaymentTx) error {
		p, err := lockByRef(ctx, tx, transactionRef)
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return payerr.VerificationFailed(transactionRef)
		}
		if err != nil {
			return err
		}
		snap = *p
		return nil
	})
	if err != nil {
		return CallbackResult{}, err
	}
	if snap.Status != model.StatusPending {
		return CallbackResult{Payment: snap}, nil
	}
	if snap.GatewayPaymentID == nil {
		return CallbackResult{}, payerr.VerificationFailed(transactionRef)
	}

	gctx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	st, err := e.gw.PaymentStatus(gctx, *snap.GatewayPaymentID)
	cancel()
	if err != nil {
		err = gatewayErr(err, func(string) error {
			return &payerr.PaymentError{Kind: payerr.KindVerificationFailed, TransactionRef: transactionRef, Err: err}
		})
		e.log.Warn("return verification failed", paymentFields(&snap, zap.Error(err))...)
		return CallbackResult{}, err
	}
	if st.Outcome == gateway.OutcomePending {
		return CallbackResult{Payment: snap}, nil
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("encode gateway status: %w", err)
	}
	eventID := "status:" + *snap.GatewayPaymentID + ":" + string(st.Outcome)
	return e.apply(ctx, transactionRef, eventID, string(st.Outcome), payload, st.Message)
}

// apply is the locked transition shared by webhooks and return verification.
// An event whose outcome the payment already reflects (reported once by the
// webhook and once by a return check) is recorded without a transition.
func (e *Engine) apply(ctx context.Context, ref, eventID, outcome string, payload []byte, reason string) (CallbackResult, error) {
	var (
		res     CallbackResult
		emitted *events.Event
	)
	reason = model.TruncateReason(reason)
	err := e.store.WithinTx(ctx, func(tx PaymentTx) error {
		p, err := lockByRef(ctx, tx, ref)
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return payerr.VerificationFailed(ref)
		}
		if err != nil {
			return err
		}
		seen, err := tx.HasEvent(ctx, p.ID, eventID)
		if err != nil {
			return err
		}
		if seen {
			res = CallbackResult{Payment: *p, Replayed: true}
			return nil
		}
		target, ok := targetStatus(outcome)
		if !ok {
			return payerr.VerificationFailed(ref)
		}
		now := e.now()
		record := model.GatewayEvent{PaymentID: p.ID, EventID: eventID, Outcome: outcome, Payload: payload, ReceivedAt: now}
		if p.Status == target {
			if err := tx.RecordEvent(ctx, record); err != nil {
				return err
			}
			res = CallbackResult{Payment: *p}
			return nil
		}
		if !p.Transition(target, now) {
			return payerr.InvalidStatus(p.Status, model.StatusPending)
		}
		if target == model.StatusFailed {
			if reason == "" {
				reason = "declined by gateway"
			}
			r := reason
			p.FailureReason = &r
		}
		if err := tx.Save(ctx, p); err != nil {
			return err
		}
		if err := tx.RecordEvent(ctx, record); err != nil {
			return err
		}
		res = CallbackResult{Payment: *p, Applied: true}
		if t, ok := events.ForStatus(p.Status); ok {
			ev := events.NewEvent(t, *p, reason)
			emitted = &ev
		}
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateEvent) {
		// A concurrent delivery of the same event committed first.
		return e.replayed(ctx, ref, err)
	}
	if err != nil {
		return CallbackResult{}, err
	}
	if res.Applied {
		e.log.Info("payment reconciled", paymentFields(&res.Payment, zap.String("event_id", eventID))...)
	}
	if emitted != nil {
		e.emit(ctx, *emitted)
	}
	return res, nil
}

func (e *Engine) replayed(ctx context.Context, ref string, cause error) (CallbackResult, error) {
	var res CallbackResult
	err := e.store.WithinTx(ctx, func(tx PaymentTx) error {
		p, err := lockByRef(ctx, tx, ref)
		if err != nil {
			return err
		}
		res = CallbackResult{Payment: *p, Replayed: true}
		return nil
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("%w: %v", cause, err)
	}
	return res, nil
}

// Refund returns a completed payment's money and marks it REFUNDED.  While
// the gateway call is in flight the row carries refund_requested_at, so a
// second refund is turned away even when the Redis lock is unavailable.  A
// marker older than the lock TTL belongs to a crashed attempt and is ignored.
func (e *Engine) Refund(ctx context.Context, paymentID uint64, reason string) (model.Payment, error) {
	reason = model.TruncateReason(strings.TrimSpace(reason))
	release, err := e.acquire(ctx, fmt.Sprintf("payment:%d", paymentID), payerr.RefundFailed("refund already in progress"))
	if err != nil {
		return model.Payment{}, err
	}
	defer release()

	var snap model.Payment
	requested := e.now().Truncate(time.Millisecond)
	err = e.store.WithinTx(ctx, func(tx PaymentTx) error {
		p, err := tx.LockByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != model.StatusCompleted {
			return payerr.InvalidStatus(p.Status, model.StatusCompleted)
		}
		if p.RefundRequestedAt != nil && requested.Sub(*p.RefundRequestedAt) < e.cfg.LockTTL {
			return payerr.RefundFailed("refund already in progress")
		}
		p.RefundRequestedAt = &requested
		if err := tx.Save(ctx, p); err != nil {
			return err
		}
		snap = *p
		return nil
	})
	if err != nil {
		return model.Payment{}, err
	}

	gwID := ""
	if snap.GatewayPaymentID != nil {
		gwID = *snap.GatewayPaymentID
	}
	gctx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	err = e.gw.RefundPayment(gctx, gateway.RefundRequest{
		GatewayPaymentID: gwID,
		TransactionRef:   snap.Ref(),
		Amount:           snap.Amount,
		Reason:           reason,
	})
	cancel()
	if err != nil {
		err = gatewayErr(err, func(msg string) error { return payerr.RefundFailed(msg) })
		e.log.Warn("refund failed", paymentFields(&snap, zap.Error(err))...)
		e.clearRefundRequest(ctx, paymentID, requested)
		return model.Payment{}, err
	}

	err = e.store.WithinTx(ctx, func(tx PaymentTx) error {
		p, err := tx.LockByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != model.StatusCompleted || !p.Transition(model.StatusRefunded, e.now()) {
			return payerr.InvalidStatus(p.Status, model.StatusCompleted)
		}
		if reason != "" {
			r := reason
			p.RefundReason = &r
		}
		if err := tx.Save(ctx, p); err != nil {
			return err
		}
		snap = *p
		return nil
	})
	if err != nil {
		e.log.Error("gateway refunded but payment not updated", paymentFields(&snap, zap.Error(err))...)
		return model.Payment{}, err
	}

	e.log.Info("payment refunded", paymentFields(&snap, zap.String("reason", reason))...)
	e.emit(ctx, events.NewEvent(events.PaymentRefunded, snap, reason))
	return snap, nil
}

// clearRefundRequest drops the in-flight marker left by a refund the gateway
// refused, provided no later attempt has replaced it.
func (e *Engine) clearRefundRequest(ctx context.Context, paymentID uint64, requested time.Time) {
	err := e.store.WithinTx(ctx, func(tx PaymentTx) error {
		p, err := tx.LockByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.RefundRequestedAt == nil || !p.RefundRequestedAt.Equal(requested) {
			return nil
		}
		p.RefundRequestedAt = nil
		return tx.Save(ctx, p)
	})
	if err != nil {
		e.log.Error("refund marker not cleared", zap.Uint64("payment_id", paymentID), zap.Error(err))
	}
}

// Get returns a payment with its processed gateway event ids.
func (e *Engine) Get(ctx context.Context, paymentID uint64) (*model.Payment, error) {
	return e.store.GetPayment(ctx, paymentID)
}

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if e.dispatch == nil {
		return
	}
	e.dispatch.Dispatch(ctx, ev)
}

// acquire takes the cross-process lock for key.  A held lock yields onHeld;
// a Redis failure is logged and the operation continues on row locks alone.
func (e *Engine) acquire(ctx context.Context, key string, onHeld error) (func(), error) {
	release, err := e.locker.Acquire(ctx, key, e.cfg.LockTTL)
	switch {
	case err == nil:
		return release, nil
	case errors.Is(err, lock.ErrHeld):
		return nil, onHeld
	default:
		e.log.Warn("lock unavailable, continuing without it", zap.String("key", key), zap.Error(err))
		return func() {}, nil
	}
}

// gatewayErr normalises a gateway failure: payment errors pass through,
// deadlines become GatewayTimeout, anything else goes through wrap.
func gatewayErr(err error, wrap func(msg string) error) error {
	if _, ok := payerr.AsPaymentError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return payerr.GatewayTimeout()
	}
	return wrap(err.Error())
}

// attemptRef is the gateway request id for the next attempt.  The first
// attempt uses the bare transaction reference; retries append the row version
// so each attempt is a distinct request the gateway will not deduplicate.
func attemptRef(p *model.Payment) string {
	if p.Version == 0 {
		return p.Ref()
	}
	return p.Ref() + "." + strconv.FormatUint(uint64(p.Version), 10)
}

// lockByRef locks the payment a callback names, accepting either the
// transaction reference or an attempt reference derived from it.
func lockByRef(ctx context.Context, tx PaymentTx, ref string) (*model.Payment, error) {
	p, err := tx.LockByTransactionRef(ctx, ref)
	if !errors.Is(err, repository.ErrPaymentNotFound) {
		return p, err
	}
	i := strings.LastIndexByte(ref, '.')
	if i <= 0 {
		return nil, err
	}
	if _, perr := strconv.ParseUint(ref[i+1:], 10, 32); perr != nil {
		return nil, err
	}
	return tx.LockByTransactionRef(ctx, ref[:i])
}

func targetStatus(outcome string) (model.PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case string(gateway.OutcomeSuccess), "succeeded":
		return model.StatusCompleted, true
	case string(gateway.OutcomeFailure), "failed":
		return model.StatusFailed, true
	}
	return "", false
}

func paymentFields(p *model.Payment, extra ...zap.Field) []zap.Field {
	f := []zap.Field{
		zap.Uint64("payment_id", p.ID),
		zap.Uint64("booking_id", p.BookingID),
		zap.String("transaction_ref", p.Ref()),
		zap.String("status", string(p.Status)),
	}
	return append(f, extra...)
}
