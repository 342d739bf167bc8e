package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/booking-payments/internal/config"
	"github.com/iliyamo/booking-payments/internal/model"
)

func testDispatcher(reg *Registry, attempts int) *Dispatcher {
	d := NewDispatcher(reg, config.DispatchConfig{Workers: 2, QueueSize: 8, MaxAttempts: attempts}, nil)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestSyncSubscribersRunInPriorityOrderBeforeReturn(t *testing.T) {
	reg := NewRegistry()
	var order []string
	reg.Subscribe(Subscription{Name: "late", Priority: 10, Handler: func(context.Context, Event) error {
		order = append(order, "late")
		return nil
	}}, PaymentCompleted)
	reg.Subscribe(Subscription{Name: "booking-sync", Priority: 0, Handler: func(context.Context, Event) error {
		order = append(order, "booking-sync")
		return nil
	}}, PaymentCompleted)

	d := testDispatcher(reg, 1)
	defer d.Close(context.Background())
	d.Dispatch(context.Background(), NewEvent(PaymentCompleted, model.Payment{ID: 1}, ""))

	if len(order) != 2 || order[0] != "booking-sync" || order[1] != "late" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestAsyncSubscriberRetriedThenSucceeds(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	done := make(chan struct{})
	reg.Subscribe(Subscription{Name: "notify", Async: true, Handler: func(context.Context, Event) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("broker unavailable")
		}
		close(done)
		return nil
	}}, PaymentRefunded)

	d := testDispatcher(reg, 5)
	d.Dispatch(context.Background(), NewEvent(PaymentRefunded, model.Payment{ID: 2}, "customer request"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("async subscriber never succeeded, calls=%d", atomic.LoadInt32(&calls))
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestAttemptsAreBoundedAndPanicsContained(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	reg.Subscribe(Subscription{Name: "audit", MaxAttempts: 3, Handler: func(context.Context, Event) error {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	}}, PaymentFailed)

	d := testDispatcher(reg, 10)
	defer d.Close(context.Background())
	d.Dispatch(context.Background(), NewEvent(PaymentFailed, model.Payment{ID: 3}, "declined"))
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected subscription MaxAttempts to win, got %d calls", got)
	}
}

func TestOnlyMatchingTypeIsDelivered(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	seen := map[Type]int{}
	h := func(_ context.Context, ev Event) error {
		mu.Lock()
		seen[ev.Type]++
		mu.Unlock()
		return nil
	}
	reg.Subscribe(Subscription{Name: "completed-only", Handler: h}, PaymentCompleted)
	reg.Subscribe(Subscription{Name: "all", Handler: h}, PaymentCompleted, PaymentFailed, PaymentRefunded)

	d := testDispatcher(reg, 1)
	defer d.Close(context.Background())
	d.Dispatch(context.Background(), NewEvent(PaymentFailed, model.Payment{}, ""))
	d.Dispatch(context.Background(), NewEvent(PaymentCompleted, model.Payment{}, ""))

	if seen[PaymentFailed] != 1 || seen[PaymentCompleted] != 2 {
		t.Fatalf("unexpected deliveries %v", seen)
	}
}

func TestDispatchAfterCloseDropsAsync(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	reg.Subscribe(Subscription{Name: "notify", Async: true, Handler: func(context.Context, Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}}, PaymentCompleted)
	d := testDispatcher(reg, 1)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	d.Dispatch(context.Background(), NewEvent(PaymentCompleted, model.Payment{}, ""))
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("closed dispatcher must not deliver")
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	reg.Subscribe(Subscription{Name: "notify", Async: true, Handler: func(context.Context, Event) error {
		atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		<-release
		return nil
	}}, PaymentCompleted)
	d := NewDispatcher(reg, config.DispatchConfig{Workers: 1, QueueSize: 1, MaxAttempts: 1}, nil)

	d.Dispatch(context.Background(), NewEvent(PaymentCompleted, model.Payment{ID: 1}, ""))
	<-started // the only worker is now busy

	returned := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), NewEvent(PaymentCompleted, model.Payment{ID: 2}, "")) // fills the queue
		d.Dispatch(context.Background(), NewEvent(PaymentCompleted, model.Payment{ID: 3}, "")) // dropped
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("Dispatch blocked on a full queue")
	}

	close(release)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 deliveries and 1 drop, got %d deliveries", got)
	}
}

func TestForStatus(t *testing.T) {
	if ty, ok := ForStatus(model.StatusCompleted); !ok || ty != PaymentCompleted {
		t.Fatalf("COMPLETED -> %s", ty)
	}
	if _, ok := ForStatus(model.StatusPending); ok {
		t.Fatalf("PENDING emits no domain event")
	}
}
