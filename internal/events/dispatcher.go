package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/booking-payments/internal/config"
	"github.com/iliyamo/booking-payments/internal/logging"
)

// ErrClosed is reported (and logged) when an async job arrives after Close.
var ErrClosed = errors.New("events: dispatcher closed")

// ErrQueueFull is logged when an async job is dropped because every worker is
// busy and the queue is at capacity.
var ErrQueueFull = errors.New("events: async queue full")

type job struct {
	sub Subscription
	ev  Event
}

// Dispatcher delivers events to the subscriptions held in a Registry.
type Dispatcher struct {
	reg    *Registry
	cfg    config.DispatchConfig
	log    *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts cfg.Workers goroutines for async subscriptions.
func NewDispatcher(reg *Registry, cfg config.DispatchConfig, log *zap.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	d := &Dispatcher{
		reg:   reg,
		cfg:   cfg,
		log:   logging.OrNop(log),
		sleep: sleepCtx,
		jobs:  make(chan job, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch runs synchronous subscriptions for ev inline and enqueues the
// asynchronous ones.  It never fails: subscriber errors are retried and
// logged here.  Enqueueing never blocks; a full queue drops the job.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	for _, s := range d.reg.For(ev.Type) {
		if !s.Async {
			d.deliver(ctx, s, ev, d.cfg.SyncTimeout)
			continue
		}
		d.enqueue(s, ev)
	}
}

func (d *Dispatcher) enqueue(s Subscription, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Error("event dropped", eventFields(s, ev, zap.Error(ErrClosed))...)
		return
	}
	select {
	case d.jobs <- job{sub: s, ev: ev}:
	default:
		d.log.Error("event dropped", eventFields(s, ev, zap.Error(ErrQueueFull))...)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		// Async deliveries are detached from the request that produced them.
		d.deliver(context.Background(), j.sub, j.ev, 0)
	}
}

// deliver calls the handler until it succeeds or the attempt budget runs out.
// Backoff doubles after each failure.
func (d *Dispatcher) deliver(ctx context.Context, s Subscription, ev Event, perAttempt time.Duration) {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = d.cfg.MaxAttempts
	}
	backoff := d.cfg.Backoff
	var err error
	for i := 1; i <= attempts; i++ {
		err = d.call(ctx, s, ev, perAttempt)
		if err == nil {
			return
		}
		d.log.Warn("event handler failed", eventFields(s, ev, zap.Int("attempt", i), zap.Error(err))...)
		if i == attempts {
			break
		}
		if serr := d.sleep(ctx, backoff); serr != nil {
			err = serr
			break
		}
		backoff *= 2
	}
	d.log.Error("event handler gave up", eventFields(s, ev, zap.Int("attempts", attempts), zap.Error(err))...)
}

func (d *Dispatcher) call(ctx context.Context, s Subscription, ev Event, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.Handler(ctx, ev)
}

// Close stops accepting async jobs and waits for queued ones to finish or
// for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func eventFields(s Subscription, ev Event, extra ...zap.Field) []zap.Field {
	f := []zap.Field{
		zap.String("subscriber", s.Name),
		zap.String("event", string(ev.Type)),
		zap.Uint64("payment_id", ev.Payment.ID),
		zap.Uint64("booking_id", ev.Payment.BookingID),
	}
	return append(f, extra...)
}
