// Package repository defines the MySQL data access for payments, bookings
// and the audit log, plus the sentinel errors higher layers switch on.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrPaymentNotFound is returned when no payment matches the lookup.
var ErrPaymentNotFound = errors.New("payment not found")

// ErrBookingNotFound is returned when the referenced booking does not exist.
var ErrBookingNotFound = errors.New("booking not found")

// ErrDuplicatePayment is returned when a payment already exists for the
// booking (unique booking_id) or the transaction reference is taken.
var ErrDuplicatePayment = errors.New("payment already exists")

// ErrDuplicateEvent is returned when a gateway event id was already recorded
// for the payment.
var ErrDuplicateEvent = errors.New("gateway event already recorded")

// ErrVersionConflict is returned when an update lost an optimistic version
// check, meaning the row changed since it was read.
var ErrVersionConflict = errors.New("payment was modified concurrently")

// isDup reports a MySQL duplicate-key violation (error 1062).
func isDup(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
