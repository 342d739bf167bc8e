// Package payerr is the payment error taxonomy shared by the engine, the
// gateway client, configuration lookups and the HTTP layer.
package payerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/iliyamo/booking-payments/internal/model"
)

// Kind classifies a payment failure.  The string value doubles as the stable
// code returned to API clients.
type Kind string

const (
	KindInitiationFailed     Kind = "payment_initiation_failed"
	KindVerificationFailed   Kind = "payment_verification_failed"
	KindInvalidSignature     Kind = "payment_invalid_signature"
	KindAlreadyPaid          Kind = "payment_already_paid"
	KindInvalidStatus        Kind = "payment_invalid_status"
	KindRefundFailed         Kind = "payment_refund_failed"
	KindGatewayTimeout       Kind = "payment_gateway_timeout"
	KindMissingConfiguration Kind = "payment_missing_configuration"
)

var httpStatus = map[Kind]int{
	KindInitiationFailed:     http.StatusBadGateway,
	KindVerificationFailed:   http.StatusBadRequest,
	KindInvalidSignature:     http.StatusUnauthorized,
	KindAlreadyPaid:          http.StatusConflict,
	KindInvalidStatus:        http.StatusBadRequest,
	KindRefundFailed:         http.StatusBadGateway,
	KindGatewayTimeout:       http.StatusGatewayTimeout,
	KindMissingConfiguration: http.StatusInternalServerError,
}

// PaymentError is the single error type produced by the payment engine.
// Only the fields relevant to Kind are populated.
type PaymentError struct {
	Kind           Kind
	Message        string
	GatewayCode    string
	TransactionRef string
	Current        model.PaymentStatus
	Required       model.PaymentStatus
	Reason         string
	Key            string
	Err            error
}

func (e *PaymentError) Error() string {
	var msg string
	switch e.Kind {
	case KindInitiationFailed:
		msg = "payment initiation failed: " + e.Message
		if e.GatewayCode != "" {
			msg += " (gateway code " + e.GatewayCode + ")"
		}
	case KindVerificationFailed:
		msg = fmt.Sprintf("payment verification failed for transaction %q", e.TransactionRef)
	case KindInvalidSignature:
		msg = "invalid gateway signature"
	case KindAlreadyPaid:
		msg = "booking is already paid"
	case KindInvalidStatus:
		msg = fmt.Sprintf("payment status is %s, required %s", e.Current, e.Required)
	case KindRefundFailed:
		msg = "refund failed: " + e.Reason
	case KindGatewayTimeout:
		msg = "payment gateway timed out"
	case KindMissingConfiguration:
		msg = "missing payment configuration: " + e.Key
	default:
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Is matches any *PaymentError of the same Kind, so callers can write
// errors.Is(err, payerr.ErrAlreadyPaid).
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	return ok && t.Kind == e.Kind
}

// Code returns the stable client-facing code.
func (e *PaymentError) Code() string { return string(e.Kind) }

// HTTPStatus maps the error kind to a response status.
func (e *PaymentError) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Sentinels for errors.Is; they carry no detail.
var (
	ErrInitiationFailed     = &PaymentError{Kind: KindInitiationFailed}
	ErrVerificationFailed   = &PaymentError{Kind: KindVerificationFailed}
	ErrInvalidSignature     = &PaymentError{Kind: KindInvalidSignature}
	ErrAlreadyPaid          = &PaymentError{Kind: KindAlreadyPaid}
	ErrInvalidStatus        = &PaymentError{Kind: KindInvalidStatus}
	ErrRefundFailed         = &PaymentError{Kind: KindRefundFailed}
	ErrGatewayTimeout       = &PaymentError{Kind: KindGatewayTimeout}
	ErrMissingConfiguration = &PaymentError{Kind: KindMissingConfiguration}
)

func InitiationFailed(message, gatewayCode string) *PaymentError {
	return &PaymentError{Kind: KindInitiationFailed, Message: message, GatewayCode: gatewayCode}
}

func VerificationFailed(transactionRef string) *PaymentError {
	return &PaymentError{Kind: KindVerificationFailed, TransactionRef: transactionRef}
}

func InvalidSignature() *PaymentError {
	return &PaymentError{Kind: KindInvalidSignature}
}

func AlreadyPaid() *PaymentError {
	return &PaymentError{Kind: KindAlreadyPaid}
}

func InvalidStatus(current, required model.PaymentStatus) *PaymentError {
	return &PaymentError{Kind: KindInvalidStatus, Current: current, Required: required}
}

func RefundFailed(reason string) *PaymentError {
	return &PaymentError{Kind: KindRefundFailed, Reason: reason}
}

func GatewayTimeout() *PaymentError {
	return &PaymentError{Kind: KindGatewayTimeout}
}

func MissingConfiguration(key string) *PaymentError {
	return &PaymentError{Kind: KindMissingConfiguration, Key: key}
}

// AsPaymentError extracts a *PaymentError from an error chain.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of a payment error, or "" for anything else.
func KindOf(err error) Kind {
	if pe, ok := AsPaymentError(err); ok {
		return pe.Kind
	}
	return ""
}
