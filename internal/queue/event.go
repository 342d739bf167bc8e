// Package queue carries payment notifications over RabbitMQ: a publisher
// used by the notification subscriber and a consumer that records each
// message in logs/payments.log.
package queue

// NotificationQueue is the durable queue customer notifications go to.
const NotificationQueue = "payment.notifications"

// PaymentNotification is published after a payment transition commits.  It
// carries enough for a mailer to write to the customer without reading the
// database.
type PaymentNotification struct {
	Event          string `json:"event"`
	PaymentID      uint64 `json:"payment_id"`
	BookingID      uint64 `json:"booking_id"`
	CustomerID     uint64 `json:"customer_id"`
	CustomerEmail  string `json:"customer_email"`
	Status         string `json:"status"`
	StatusLabel    string `json:"status_label"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	TransactionRef string `json:"transaction_ref"`
	Reason         string `json:"reason,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}
