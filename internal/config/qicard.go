package config

import (
	"os"
	"strings"
	"time"

	"github.com/iliyamo/booking-payments/internal/payerr"
)

// Environment keys for the QiCard gateway.
const (
	KeyQiCardAPIURL        = "QICARD_API_URL"
	KeyQiCardUsername      = "QICARD_USERNAME"
	KeyQiCardPassword      = "QICARD_PASSWORD"
	KeyQiCardTerminalID    = "QICARD_TERMINAL_ID"
	KeyQiCardCurrency      = "QICARD_CURRENCY"
	KeyQiCardWebhookURL    = "QICARD_WEBHOOK_URL"
	KeyQiCardReturnURL     = "QICARD_RETURN_URL"
	KeyQiCardCancelURL     = "QICARD_CANCEL_URL"
	KeyQiCardPublicKeyPath = "QICARD_PUBLIC_KEY_PATH"
	KeyQiCardVerifyWebhook = "QICARD_VERIFY_WEBHOOK"
	KeyQiCardTimeout       = "QICARD_TIMEOUT"
)

// QiCard is the gateway configuration surface.  Nothing here is required at
// startup; Require reports a MissingConfiguration error when a value the
// caller needs is empty.
type QiCard struct {
	APIURL        string
	Username      string
	Password      string
	TerminalID    string
	Currency      string
	WebhookURL    string
	ReturnURL     string
	CancelURL     string
	PublicKeyPath string
	VerifyWebhook bool
	Timeout       time.Duration
}

func LoadQiCard() QiCard {
	return QiCard{
		APIURL:        strings.TrimRight(os.Getenv(KeyQiCardAPIURL), "/"),
		Username:      os.Getenv(KeyQiCardUsername),
		Password:      os.Getenv(KeyQiCardPassword),
		TerminalID:    os.Getenv(KeyQiCardTerminalID),
		Currency:      envStr(KeyQiCardCurrency, "IQD"),
		WebhookURL:    os.Getenv(KeyQiCardWebhookURL),
		ReturnURL:     os.Getenv(KeyQiCardReturnURL),
		CancelURL:     os.Getenv(KeyQiCardCancelURL),
		PublicKeyPath: os.Getenv(KeyQiCardPublicKeyPath),
		VerifyWebhook: envBool(KeyQiCardVerifyWebhook, true),
		Timeout:       envDur(KeyQiCardTimeout, 10*time.Second),
	}
}

func (q QiCard) value(key string) string {
	switch key {
	case KeyQiCardAPIURL:
		return q.APIURL
	case KeyQiCardUsername:
		return q.Username
	case KeyQiCardPassword:
		return q.Password
	case KeyQiCardTerminalID:
		return q.TerminalID
	case KeyQiCardCurrency:
		return q.Currency
	case KeyQiCardWebhookURL:
		return q.WebhookURL
	case KeyQiCardReturnURL:
		return q.ReturnURL
	case KeyQiCardCancelURL:
		return q.CancelURL
	case KeyQiCardPublicKeyPath:
		return q.PublicKeyPath
	}
	return ""
}

// Require returns MissingConfiguration for the first key whose value is empty.
func (q QiCard) Require(keys ...string) error {
	for _, k := range keys {
		if strings.TrimSpace(q.value(k)) == "" {
			return payerr.MissingConfiguration(k)
		}
	}
	return nil
}

// SkipSignature reports whether webhook signature checks are switched off.
// The toggle is honoured only outside production.
func (q QiCard) SkipSignature(env string) bool {
	return !q.VerifyWebhook && !IsProduction(env)
}
