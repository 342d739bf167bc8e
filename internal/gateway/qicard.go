// Package gateway is the QiCard card-payment client: payment creation,
// refunds, status lookups and webhook signature verification.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-payments/internal/config"
	"github.com/iliyamo/booking-payments/internal/logging"
	"github.com/iliyamo/booking-payments/internal/payerr"
)

// Outcome is the normalised result a gateway reports for a payment.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// CreatePaymentRequest describes one payment attempt.  RequestID identifies
// the attempt to the gateway and is echoed in its callbacks; it defaults to
// TransactionRef.  The return URL always carries TransactionRef.
type CreatePaymentRequest struct {
	TransactionRef string
	RequestID      string
	BookingID      uint64
	Amount         decimal.Decimal
	Currency       string
}

type CreatePaymentResponse struct {
	GatewayPaymentID string
	RedirectURL      string
	Status           string
}

type RefundRequest struct {
	GatewayPaymentID string
	TransactionRef   string
	Amount           decimal.Decimal
	Reason           string
}

type StatusResponse struct {
	GatewayPaymentID string
	Status           string
	Outcome          Outcome
	Message          string
}

// Client talks to the QiCard REST API.  Configuration is validated per call so
// a missing key surfaces as MissingConfiguration where it is needed.
type Client struct {
	cfg  config.QiCard
	http *http.Client
	log  *zap.Logger
}

// NewClient builds a client.  httpClient may be nil.
func NewClient(cfg config.QiCard, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient, log: logging.OrNop(log)}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func (e apiError) code() string { return e.Error.Code }

func (e apiError) message(status int) string {
	if e.Error.Message != "" {
		return e.Error.Message
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("gateway responded %d", status)
}

// CreatePayment registers a payment and returns the hosted form URL the
// customer is redirected to.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResponse, error) {
	if err := c.cfg.Require(config.KeyQiCardAPIURL, config.KeyQiCardUsername, config.KeyQiCardPassword,
		config.KeyQiCardTerminalID, config.KeyQiCardReturnURL, config.KeyQiCardWebhookURL); err != nil {
		return CreatePaymentResponse{}, err
	}
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = req.TransactionRef
	}
	body := map[string]any{
		"requestId":        requestID,
		"amount":           json.Number(req.Amount.StringFixed(2)),
		"currency":         currency,
		"terminalId":       c.cfg.TerminalID,
		"locale":           "en_US",
		"finishPaymentUrl": withRef(c.cfg.ReturnURL, req.TransactionRef),
		"notificationUrl":  c.cfg.WebhookURL,
		"additionalInfo":   map[string]any{"bookingId": req.BookingID},
	}
	if c.cfg.CancelURL != "" {
		body["cancelUrl"] = withRef(c.cfg.CancelURL, req.TransactionRef)
	}

	var out struct {
		PaymentID string `json:"paymentId"`
		FormURL   string `json:"formUrl"`
		Status    string `json:"status"`
	}
	status, apiErr, err := c.do(ctx, http.MethodPost, "/payment", body, &out)
	if err != nil {
		if isTimeout(err) {
			return CreatePaymentResponse{}, payerr.GatewayTimeout()
		}
		return CreatePaymentResponse{}, &payerr.PaymentError{Kind: payerr.KindInitiationFailed, Message: "gateway request failed", Err: err}
	}
	if apiErr != nil {
		return CreatePaymentResponse{}, payerr.InitiationFailed(apiErr.message(status), apiErr.code())
	}
	if out.PaymentID == "" || out.FormURL == "" {
		return CreatePaymentResponse{}, payerr.InitiationFailed("gateway response missing paymentId or formUrl", "")
	}
	return CreatePaymentResponse{GatewayPaymentID: out.PaymentID, RedirectURL: out.FormURL, Status: out.Status}, nil
}

// RefundPayment refunds a completed payment in full.
func (c *Client) RefundPayment(ctx context.Context, req RefundRequest) error {
	if err := c.cfg.Require(config.KeyQiCardAPIURL, config.KeyQiCardUsername, config.KeyQiCardPassword, config.KeyQiCardTerminalID); err != nil {
		return err
	}
	if req.GatewayPaymentID == "" {
		return payerr.RefundFailed("payment has no gateway id")
	}
	body := map[string]any{
		"requestId": req.TransactionRef + "-refund",
		"amount":    json.Number(req.Amount.StringFixed(2)),
		"message":   req.Reason,
	}
	var out struct {
		Status string `json:"status"`
	}
	status, apiErr, err := c.do(ctx, http.MethodPost, "/payment/"+url.PathEscape(req.GatewayPaymentID)+"/refund", body, &out)
	if err != nil {
		if isTimeout(err) {
			return payerr.GatewayTimeout()
		}
		return &payerr.PaymentError{Kind: payerr.KindRefundFailed, Reason: "gateway request failed", Err: err}
	}
	if apiErr != nil {
		return payerr.RefundFailed(apiErr.message(status))
	}
	if strings.EqualFold(out.Status, "FAILED") {
		return payerr.RefundFailed("gateway rejected refund")
	}
	return nil
}

// PaymentStatus asks the gateway for the current state of a payment.
func (c *Client) PaymentStatus(ctx context.Context, gatewayPaymentID string) (StatusResponse, error) {
	if err := c.cfg.Require(config.KeyQiCardAPIURL, config.KeyQiCardUsername, config.KeyQiCardPassword, config.KeyQiCardTerminalID); err != nil {
		return StatusResponse{}, err
	}
	var out struct {
		PaymentID string `json:"paymentId"`
		Status    string `json:"status"`
		Canceled  bool   `json:"canceled"`
		Details   struct {
			ResultMessage string `json:"resultMessage"`
		} `json:"details"`
	}
	status, apiErr, err := c.do(ctx, http.MethodGet, "/payment/"+url.PathEscape(gatewayPaymentID)+"/status", nil, &out)
	if err != nil {
		if isTimeout(err) {
			return StatusResponse{}, payerr.GatewayTimeout()
		}
		return StatusResponse{}, err
	}
	if apiErr != nil {
		return StatusResponse{}, fmt.Errorf("gateway status: %s", apiErr.message(status))
	}
	res := StatusResponse{GatewayPaymentID: out.PaymentID, Status: out.Status, Outcome: mapStatus(out.Status, out.Canceled), Message: out.Details.ResultMessage}
	return res, nil
}

// mapStatus folds QiCard's payment states onto an Outcome.
func mapStatus(status string, canceled bool) Outcome {
	if canceled {
		return OutcomeFailure
	}
	switch strings.ToUpper(status) {
	case "SUCCESS", "COMPLETED", "PAID":
		return OutcomeSuccess
	case "FAILED", "DECLINED", "AUTHENTICATION_FAILED", "EXPIRED", "CANCELED", "CANCELLED":
		return OutcomeFailure
	}
	return OutcomePending
}

// do sends a JSON request.  A non-2xx response is decoded into apiError and
// returned alongside the status code; transport failures come back as err.
func (c *Client) do(ctx context.Context, method, path string, in any, out any) (int, *apiError, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("X-Terminal-Id", c.cfg.TerminalID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		c.log.Warn("qicard request rejected",
			zap.String("method", method), zap.String("path", path),
			zap.Int("status", resp.StatusCode), zap.String("code", ae.code()))
		return resp.StatusCode, &ae, nil
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil, nil
}

func withRef(base, ref string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("ref", ref)
	u.RawQuery = q.Encode()
	return u.String()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
