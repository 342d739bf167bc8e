package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-payments/internal/logging"
	"github.com/iliyamo/booking-payments/internal/middleware"
	"github.com/iliyamo/booking-payments/internal/model"
	"github.com/iliyamo/booking-payments/internal/payerr"
	"github.com/iliyamo/booking-payments/internal/repository"
	"github.com/iliyamo/booking-payments/internal/service"
)

// PaymentService is the engine surface the HTTP layer drives.
type PaymentService interface {
	Initiate(ctx context.Context, bookingID uint64, amount decimal.Decimal) (service.PaymentHandle, error)
	ApplyCallback(ctx context.Context, cb service.CallbackEvent) (service.CallbackResult, error)
	VerifyReturn(ctx context.Context, transactionRef string) (service.CallbackResult, error)
	Refund(ctx context.Context, paymentID uint64, reason string) (model.Payment, error)
	Get(ctx context.Context, paymentID uint64) (*model.Payment, error)
}

// PaymentHandler serves the payment endpoints.  Bookings, when set, is used
// to keep customers to their own bookings.
type PaymentHandler struct {
	Payments PaymentService
	Bookings service.BookingReader
	Log      *zap.Logger
}

func NewPaymentHandler(payments PaymentService, bookings service.BookingReader, log *zap.Logger) *PaymentHandler {
	if payments == nil {
		panic("nil payment service passed to NewPaymentHandler")
	}
	return &PaymentHandler{Payments: payments, Bookings: bookings, Log: logging.OrNop(log)}
}

// paymentView is the JSON shape of a payment.
type paymentView struct {
	ID               uint64     `json:"id"`
	BookingID        uint64     `json:"booking_id"`
	Status           string     `json:"status"`
	StatusLabel      string     `json:"status_label"`
	Amount           string     `json:"amount"`
	Currency         string     `json:"currency"`
	TransactionRef   *string    `json:"transaction_ref"`
	GatewayPaymentID *string    `json:"gateway_payment_id,omitempty"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	RefundReason     *string    `json:"refund_reason,omitempty"`
	GatewayEventIDs  []string   `json:"gateway_event_ids,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailedAt         *time.Time `json:"failed_at,omitempty"`
	RefundedAt       *time.Time `json:"refunded_at,omitempty"`
}

func toView(p *model.Payment) paymentView {
	return paymentView{
		ID:               p.ID,
		BookingID:        p.BookingID,
		Status:           string(p.Status),
		StatusLabel:      model.Label(p.Status),
		Amount:           p.Amount.StringFixed(2),
		Currency:         p.Currency,
		TransactionRef:   p.TransactionRef,
		GatewayPaymentID: p.GatewayPaymentID,
		FailureReason:    p.FailureReason,
		RefundReason:     p.RefundReason,
		GatewayEventIDs:  p.GatewayEventIDs,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
		CompletedAt:      p.CompletedAt,
		FailedAt:         p.FailedAt,
		RefundedAt:       p.RefundedAt,
	}
}

// Initiate handles POST /v1/bookings/:id/payments with body {"amount": "150.00"}.
// It returns 201 with the redirect URL the client should open.
func (h *PaymentHandler) Initiate(c echo.Context) error {
	bookingID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || bookingID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := h.checkOwner(c, bookingID); err != nil {
		return err
	}
	handle, err := h.Payments.Initiate(c.Request().Context(), bookingID, body.Amount)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, handle)
}

// webhookFields are the callback fields the engine acts on.  They are only
// ever read from the signed document.
type webhookFields struct {
	TransactionRef string `json:"transactionRef"`
	EventID        string `json:"eventId"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason"`
}

// webhookBody is the gateway's callback envelope.  Payload, when present, is
// the signed document and Signature travels beside it.  Without a payload
// the whole request body is signed, so its signature can only arrive in the
// X-Signature header.
type webhookBody struct {
	Signature string          `json:"signature"`
	Payload   json.RawMessage `json:"payload"`
}

// Webhook handles POST /v1/payments/webhook.  Applied and replayed events
// both answer 200 so the gateway stops redelivering.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	signed := raw
	sig := c.Request().Header.Get("X-Signature")
	if p := bytes.TrimSpace(body.Payload); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		signed = p
		if sig == "" {
			sig = body.Signature
		}
	}
	var f webhookFields
	if err := json.Unmarshal(signed, &f); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}

	res, err := h.Payments.ApplyCallback(c.Request().Context(), service.CallbackEvent{
		TransactionRef: strings.TrimSpace(f.TransactionRef),
		EventID:        strings.TrimSpace(f.EventID),
		Outcome:        f.Outcome,
		Signature:      sig,
		RawPayload:     signed,
		Reason:         f.Reason,
	})
	if err != nil {
		h.Log.Warn("webhook rejected",
			zap.String("transaction_ref", f.TransactionRef),
			zap.String("event_id", f.EventID),
			zap.String("code", string(payerr.KindOf(err))),
			zap.Error(err))
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":     callbackState(res),
		"payment_id": res.Payment.ID,
		"payment":    string(res.Payment.Status),
	})
}

// Return handles GET /v1/payments/return?ref=..., where the gateway sends
// the customer after the hosted form.
func (h *PaymentHandler) Return(c echo.Context) error {
	ref := strings.TrimSpace(c.QueryParam("ref"))
	if ref == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "ref is required"})
	}
	res, err := h.Payments.VerifyReturn(c.Request().Context(), ref)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":  callbackState(res),
		"payment": toView(&res.Payment),
	})
}

// Refund handles POST /v1/payments/:id/refund with body {"reason": "..."}.
func (h *PaymentHandler) Refund(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payment id"})
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(body.Reason) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "reason is required"})
	}
	if utf8.RuneCountInString(body.Reason) > model.MaxReasonLength {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "reason is too long"})
	}
	p, err := h.Payments.Refund(c.Request().Context(), id, body.Reason)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toView(&p))
}

// Get handles GET /v1/payments/:id.
func (h *PaymentHandler) Get(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payment id"})
	}
	p, err := h.Payments.Get(c.Request().Context(), id)
	if err != nil {
		return h.writeError(c, err)
	}
	if err := h.checkOwner(c, p.BookingID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toView(p))
}

// checkOwner keeps customers to their own bookings.  Other roles pass.  A
// non-nil return is the already written response.
func (h *PaymentHandler) checkOwner(c echo.Context, bookingID uint64) error {
	role, _ := c.Get(middleware.CtxRole).(string)
	if role != "CUSTOMER" || h.Bookings == nil {
		return nil
	}
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	b, err := h.Bookings.GetByID(c.Request().Context(), bookingID)
	if err != nil {
		return h.writeError(c, err)
	}
	if b.CustomerID != uid {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	return nil
}

func callbackState(res service.CallbackResult) string {
	switch {
	case res.Replayed:
		return "replayed"
	case res.Applied:
		return "applied"
	}
	return "unchanged"
}

// writeError maps engine and repository errors onto responses.
func (h *PaymentHandler) writeError(c echo.Context, err error) error {
	if pe, ok := payerr.AsPaymentError(err); ok {
		if pe.HTTPStatus() >= http.StatusInternalServerError {
			h.Log.Error("payment operation failed", zap.String("code", pe.Code()), zap.Error(err))
		}
		return c.JSON(pe.HTTPStatus(), echo.Map{"error": pe.Error(), "code": pe.Code()})
	}
	switch {
	case errors.Is(err, repository.ErrPaymentNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "payment not found"})
	case errors.Is(err, repository.ErrBookingNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	case errors.Is(err, repository.ErrVersionConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "payment was modified concurrently, retry"})
	}
	h.Log.Error("unexpected error", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
