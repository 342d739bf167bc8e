package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/booking-payments/internal/events"
	"github.com/iliyamo/booking-payments/internal/gateway"
	"github.com/iliyamo/booking-payments/internal/lock"
	"github.com/iliyamo/booking-payments/internal/model"
	"github.com/iliyamo/booking-payments/internal/repository"
)

// memStore is an in-memory PaymentStore.  Transactions are serialised by a
// single mutex, which stands in for row locks, and work on a copy that is
// swapped in only on commit.
type memStore struct {
	mu       sync.Mutex
	nextID   uint64
	payments map[uint64]model.Payment
	events   map[uint64]map[string]model.GatewayEvent
	txCount  int
	edges    [][2]model.PaymentStatus
}

func newMemStore() *memStore {
	return &memStore{
		payments: map[uint64]model.Payment{},
		events:   map[uint64]map[string]model.GatewayEvent{},
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx PaymentTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	tx := &memTx{nextID: s.nextID, payments: map[uint64]model.Payment{}, events: map[uint64]map[string]model.GatewayEvent{}}
	for id, p := range s.payments {
		tx.payments[id] = p
	}
	for id, evs := range s.events {
		m := map[string]model.GatewayEvent{}
		for k, v := range evs {
			m[k] = v
		}
		tx.events[id] = m
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.nextID, s.payments, s.events = tx.nextID, tx.payments, tx.events
	s.edges = append(s.edges, tx.edges...)
	return nil
}

func (s *memStore) GetPayment(ctx context.Context, id uint64) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	p.GatewayEventIDs = []string{}
	for eid := range s.events[id] {
		p.GatewayEventIDs = append(p.GatewayEventIDs, eid)
	}
	sort.Strings(p.GatewayEventIDs)
	return &p, nil
}

// seed stores p directly and returns its id.
func (s *memStore) seed(p model.Payment) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	if p.Currency == "" {
		p.Currency = "IQD"
	}
	s.payments[p.ID] = p
	return p.ID
}

func (s *memStore) get(id uint64) model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[id]
}

func (s *memStore) set(p model.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Version++
	s.payments[p.ID] = p
}

func (s *memStore) transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

type memTx struct {
	nextID   uint64
	payments map[uint64]model.Payment
	events   map[uint64]map[string]model.GatewayEvent
	edges    [][2]model.PaymentStatus
}

func (t *memTx) find(match func(model.Payment) bool) (*model.Payment, error) {
	for _, p := range t.payments {
		if match(p) {
			c := p
			return &c, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (t *memTx) LockByBooking(_ context.Context, bookingID uint64) (*model.Payment, error) {
	return t.find(func(p model.Payment) bool { return p.BookingID == bookingID })
}

func (t *memTx) LockByID(_ context.Context, id uint64) (*model.Payment, error) {
	return t.find(func(p model.Payment) bool { return p.ID == id })
}

func (t *memTx) LockByTransactionRef(_ context.Context, ref string) (*model.Payment, error) {
	return t.find(func(p model.Payment) bool { return p.Ref() == ref })
}

func (t *memTx) Create(_ context.Context, p *model.Payment) error {
	for _, cur := range t.payments {
		if cur.BookingID == p.BookingID {
			return repository.ErrDuplicatePayment
		}
	}
	t.nextID++
	p.ID = t.nextID
	p.Version = 0
	t.payments[p.ID] = *p
	return nil
}

func (t *memTx) Save(_ context.Context, p *model.Payment) error {
	cur, ok := t.payments[p.ID]
	if !ok || cur.Version != p.Version {
		return repository.ErrVersionConflict
	}
	if cur.TransactionRef != nil {
		p.TransactionRef = cur.TransactionRef
	}
	if cur.Status != p.Status {
		t.edges = append(t.edges, [2]model.PaymentStatus{cur.Status, p.Status})
	}
	p.Version++
	t.payments[p.ID] = *p
	return nil
}

func (t *memTx) HasEvent(_ context.Context, paymentID uint64, eventID string) (bool, error) {
	_, ok := t.events[paymentID][eventID]
	return ok, nil
}

func (t *memTx) RecordEvent(_ context.Context, ev model.GatewayEvent) error {
	if _, ok := t.events[ev.PaymentID][ev.EventID]; ok {
		return repository.ErrDuplicateEvent
	}
	if t.events[ev.PaymentID] == nil {
		t.events[ev.PaymentID] = map[string]model.GatewayEvent{}
	}
	t.events[ev.PaymentID][ev.EventID] = ev
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	creates   int
	refunds   int
	createErr error
	refundErr error
	status    gateway.StatusResponse
	statusErr error
	block     bool
	onCreate  func()
	onRefund  func()
	requests  []gateway.CreatePaymentRequest
}

func (g *fakeGateway) CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (gateway.CreatePaymentResponse, error) {
	g.mu.Lock()
	g.creates++
	g.requests = append(g.requests, req)
	n, err, block, hook := g.creates, g.createErr, g.block, g.onCreate
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return gateway.CreatePaymentResponse{}, ctx.Err()
	}
	if err != nil {
		return gateway.CreatePaymentResponse{}, err
	}
	id := fmt.Sprintf("gw-%d", n)
	return gateway.CreatePaymentResponse{GatewayPaymentID: id, RedirectURL: "https://pay.example/form/" + id, Status: "CREATED"}, nil
}

func (g *fakeGateway) RefundPayment(ctx context.Context, req gateway.RefundRequest) error {
	g.mu.Lock()
	g.refunds++
	err, hook := g.refundErr, g.onRefund
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (g *fakeGateway) PaymentStatus(ctx context.Context, id string) (gateway.StatusResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, g.statusErr
}

func (g *fakeGateway) lastRequest() gateway.CreatePaymentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return gateway.CreatePaymentRequest{}
	}
	return g.requests[len(g.requests)-1]
}

func (g *fakeGateway) calls() (creates, refunds int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.refunds
}

type fakeVerifier struct {
	err error
}

func (v fakeVerifier) Verify([]byte, string) error { return v.err }

type recordingDispatcher struct {
	mu     sync.Mutex
	events []events.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDispatcher) all() []events.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]events.Event(nil), d.events...)
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, lock.ErrHeld
}

type fakeBookings struct {
	mu       sync.Mutex
	status   map[uint64]string
	bookings map[uint64]*model.Booking
	drift    []repository.ProjectionDrift
}

func newFakeBookings(ids ...uint64) *fakeBookings {
	b := &fakeBookings{status: map[uint64]string{}, bookings: map[uint64]*model.Booking{}}
	for _, id := range ids {
		b.status[id] = "unpaid"
		b.bookings[id] = &model.Booking{ID: id, CustomerID: 100 + id, CustomerEmail: fmt.Sprintf("c%d@example.com", id)}
	}
	return b
}

func (b *fakeBookings) UpdatePaymentStatus(_ context.Context, id uint64, status string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.status[id]; !ok {
		return repository.ErrBookingNotFound
	}
	b.status[id] = status
	return nil
}

func (b *fakeBookings) ListProjectionDrift(context.Context, int) ([]repository.ProjectionDrift, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drift, nil
}

func (b *fakeBookings) GetByID(_ context.Context, id uint64) (*model.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.bookings[id]
	if !ok {
		return nil, repository.ErrBookingNotFound
	}
	c := *bk
	c.PaymentStatusProjection = b.status[id]
	return &c, nil
}

func (b *fakeBookings) projection(id uint64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status[id]
}
