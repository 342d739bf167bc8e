package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/booking-payments/internal/events"
	"github.com/iliyamo/booking-payments/internal/logging"
	"github.com/iliyamo/booking-payments/internal/repository"
)

// BookingProjections is the slice of the booking store that BookingSync needs.
type BookingProjections interface {
	UpdatePaymentStatus(ctx context.Context, bookingID uint64, status string) error
	ListProjectionDrift(ctx context.Context, limit int) ([]repository.ProjectionDrift, error)
}

// BookingSync keeps bookings.payment_status equal to the projection of the
// owning payment's status.  The payment is the source of truth; a missing
// booking is logged and skipped.
type BookingSync struct {
	bookings BookingProjections
	log      *zap.Logger
	batch    int
}

func NewBookingSync(bookings BookingProjections, log *zap.Logger) *BookingSync {
	return &BookingSync{bookings: bookings, log: logging.OrNop(log), batch: 200}
}

// Handle projects the status carried by ev.
func (s *BookingSync) Handle(ctx context.Context, ev events.Event) error {
	p := ev.Payment
	err := s.bookings.UpdatePaymentStatus(ctx, p.BookingID, p.Status.Projection())
	if errors.Is(err, repository.ErrBookingNotFound) {
		s.log.Warn("booking not found for payment", zap.Uint64("booking_id", p.BookingID), zap.Uint64("payment_id", p.ID))
		return nil
	}
	return err
}

// Sweep re-projects every booking whose stored status disagrees with its
// payment and returns how many it fixed.
func (s *BookingSync) Sweep(ctx context.Context) (int, error) {
	drift, err := s.bookings.ListProjectionDrift(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, d := range drift {
		err := s.bookings.UpdatePaymentStatus(ctx, d.BookingID, d.Status.Projection())
		if errors.Is(err, repository.ErrBookingNotFound) {
			continue
		}
		if err != nil {
			return fixed, err
		}
		fixed++
	}
	if fixed > 0 {
		s.log.Info("booking projections repaired", zap.Int("count", fixed))
	}
	return fixed, nil
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *BookingSync) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("projection sweep failed", zap.Error(err))
			}
		}
	}
}
