package model

// HasPayment is implemented by entities that can answer payment-status
// questions without knowing how the payment is stored.
type HasPayment interface {
	PaymentStatus() PaymentStatus
	IsPaid() bool
	IsPaymentPending() bool
	IsPaymentFailed() bool
	IsRefunded() bool
}

// Booking holds the subset of the bookings table this service reads and
// writes.  PaymentStatusProjection is the denormalised bookings.payment_status
// column; it is written only by booking synchronisation.  Payment is set when
// the caller loaded the owning payment alongside the booking.
type Booking struct {
	ID                      uint64
	CustomerID              uint64
	CustomerEmail           string
	PaymentStatusProjection string
	Payment                 *Payment
}

var _ HasPayment = (*Booking)(nil)

// PaymentStatus prefers the attached payment and falls back to the projection.
func (b *Booking) PaymentStatus() PaymentStatus {
	if b.Payment != nil {
		return b.Payment.Status
	}
	switch b.PaymentStatusProjection {
	case "pending":
		return StatusPending
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "refunded":
		return StatusRefunded
	}
	return StatusNone
}

func (b *Booking) IsPaid() bool           { return b.PaymentStatus() == StatusCompleted }
func (b *Booking) IsPaymentPending() bool { return b.PaymentStatus() == StatusPending }
func (b *Booking) IsPaymentFailed() bool  { return b.PaymentStatus() == StatusFailed }
func (b *Booking) IsRefunded() bool       { return b.PaymentStatus() == StatusRefunded }
