package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/payment"
	"rental-service/internal/service"
	"rental-service/internal/store"
	"rental-service/internal/store/storetest"

	"github.com/stretchr/testify/require"
)

const (
	ownerID  = "owner-1"
	renterID = "renter-1"
)

type recordingPublisher struct {
	mu       sync.Mutex
	orders   []*models.OrderEvent
	payments []*models.PaymentStatusEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, ev *models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, ev)
	return nil
}

func (p *recordingPublisher) PublishPaymentEvent(_ context.Context, ev *models.PaymentStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, ev)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.orders {
		if ev.EventType == eventType {
			n++
		}
	}
	for _, ev := range p.payments {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	store      *store.Store
	pub        *recordingPublisher
	mock       *payment.MockProvider
	registry   *payment.Registry
	booking    *service.BookingService
	orders     *service.OrderService
	settlement *service.Settlement
	payments   *service.PaymentService
	reconciler *service.Reconciler
	resource   *models.Resource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := storetest.New(t)
	pub := &recordingPublisher{}
	mock := payment.NewMockProvider("test-secret")
	registry := payment.NewRegistry(mock)
	settlement := service.NewSettlement(s, nil, pub)

	f := &fixture{
		store:      s,
		pub:        pub,
		mock:       mock,
		registry:   registry,
		booking:    service.NewBookingService(s, pub, service.BookingConfig{DeliveryFee: 500, BaseBackoff: time.Millisecond}),
		orders:     service.NewOrderService(s, pub),
		settlement: settlement,
		payments:   service.NewPaymentService(s, registry, settlement, nil, pub),
		reconciler: service.NewReconciler(s, registry, settlement, service.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute}),
	}
	f.resource = storetest.SeedResource(t, s, ownerID, 1000, 2000)
	return f
}

// day returns midnight UTC n days from today.
func day(n int) time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, n)
}

func (f *fixture) book(t *testing.T, startDay, endDay int) *models.Order {
	t.Helper()
	o, err := f.booking.CreateOrder(context.Background(), &service.CreateOrderRequest{
		ResourceID: f.resource.ID,
		RenterID:   renterID,
		StartDate:  day(startDay),
		EndDate:    day(endDay),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) pay(t *testing.T, o *models.Order) *payment.PaymentResult {
	t.Helper()
	res, err := f.payments.CreatePayment(context.Background(), &service.CreatePaymentRequest{
		OrderID: o.ID,
		UserID:  o.RenterID,
		Amount:  o.TotalPrice,
		Title:   "rental " + o.ID,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) resourceStatus(t *testing.T) models.ResourceStatus {
	t.Helper()
	r, err := f.store.GetResource(context.Background(), f.resource.ID)
	require.NoError(t, err)
	return r.Status
}

func (f *fixture) order(t *testing.T, id string) *models.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) payment(t *testing.T, id string) *models.Payment {
	t.Helper()
	p, err := f.store.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) eventTypes(t *testing.T, paymentID string) []models.PaymentEventType {
	t.Helper()
	events, err := f.store.ListPaymentEvents(context.Background(), paymentID)
	require.NoError(t, err)
	types := make([]models.PaymentEventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}
