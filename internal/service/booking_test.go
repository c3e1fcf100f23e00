package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/service"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderHoldsResourceAndRejectsOverlap(t *testing.T) {
	f := newFixture(t)

	first := f.book(t, 1, 3)
	assert.Equal(t, models.OrderPending, first.Status)
	assert.Equal(t, models.OrderPaymentPending, first.PaymentStatus)
	assert.Equal(t, ownerID, first.OwnerID)
	assert.Equal(t, models.ResourceRented, f.resourceStatus(t))

	_, err := f.booking.CreateOrder(context.Background(), &service.CreateOrderRequest{
		ResourceID: f.resource.ID,
		RenterID:   "renter-2",
		StartDate:  day(2),
		EndDate:    day(4),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSlotConflict))
	assert.Equal(t, 1, f.pub.count(models.EventTypeOrderCreated))
}

func TestCreateOrderBoundsAreInclusive(t *testing.T) {
	f := newFixture(t)
	f.book(t, 1, 3)

	_, err := f.booking.CreateOrder(context.Background(), &service.CreateOrderRequest{
		ResourceID: f.resource.ID,
		RenterID:   "renter-2",
		StartDate:  day(3),
		EndDate:    day(5),
	})
	assert.True(t, errors.Is(err, apperr.ErrSlotConflict))

	second, err := f.booking.CreateOrder(context.Background(), &service.CreateOrderRequest{
		ResourceID: f.resource.ID,
		RenterID:   "renter-2",
		StartDate:  day(4),
		EndDate:    day(6),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, second.Status)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	maintenance := &models.Resource{ID: "res-maint", OwnerID: ownerID, Price: 100, Status: models.ResourceMaintenance}
	require.NoError(t, f.store.CreateResource(ctx, maintenance))

	tests := []struct {
		name string
		req  service.CreateOrderRequest
		want *apperr.Error
	}{
		{
			name: "unknown resource",
			req:  service.CreateOrderRequest{ResourceID: "missing", RenterID: renterID, StartDate: day(1), EndDate: day(2)},
			want: apperr.ErrResourceNotFound,
		},
		{
			name: "owner books own resource",
			req:  service.CreateOrderRequest{ResourceID: f.resource.ID, RenterID: ownerID, StartDate: day(1), EndDate: day(2)},
			want: apperr.ErrSelfBookingForbidden,
		},
		{
			name: "start equals end",
			req:  service.CreateOrderRequest{ResourceID: f.resource.ID, RenterID: renterID, StartDate: day(2), EndDate: day(2)},
			want: apperr.ErrInvalidDateRange,
		},
		{
			name: "start after end",
			req:  service.CreateOrderRequest{ResourceID: f.resource.ID, RenterID: renterID, StartDate: day(3), EndDate: day(2)},
			want: apperr.ErrInvalidDateRange,
		},
		{
			name: "start in the past",
			req:  service.CreateOrderRequest{ResourceID: f.resource.ID, RenterID: renterID, StartDate: day(-2), EndDate: day(2)},
			want: apperr.ErrInvalidDateRange,
		},
		{
			name: "delivery without address",
			req: service.CreateOrderRequest{ResourceID: f.resource.ID, RenterID: renterID, StartDate: day(1), EndDate: day(2),
				DeliveryMethod: models.DeliveryDelivery},
			want: apperr.ErrValidation,
		},
		{
			name: "unknown delivery method",
			req: service.CreateOrderRequest{ResourceID: f.resource.ID, RenterID: renterID, StartDate: day(1), EndDate: day(2),
				DeliveryMethod: "DRONE"},
			want: apperr.ErrValidation,
		},
		{
			name: "resource under maintenance",
			req:  service.CreateOrderRequest{ResourceID: maintenance.ID, RenterID: renterID, StartDate: day(1), EndDate: day(2)},
			want: apperr.ErrResourceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := f.booking.CreateOrder(ctx, &req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	assert.Equal(t, models.ResourceAvailable, f.resourceStatus(t))
}

func TestCreateOrderPricing(t *testing.T) {
	f := newFixture(t)

	o, err := f.booking.CreateOrder(context.Background(), &service.CreateOrderRequest{
		ResourceID:      f.resource.ID,
		RenterID:        renterID,
		StartDate:       day(1),
		EndDate:         day(3).Add(12 * time.Hour),
		DeliveryMethod:  models.DeliveryDelivery,
		DeliveryAddress: "  1 Main St ",
	})
	require.NoError(t, err)

	// 2.5 days rounds up to 3
	assert.Equal(t, int64(3*1000+500), o.TotalPrice)
	assert.Equal(t, int64(500), o.DeliveryFee)
	assert.Equal(t, int64(2000), o.Deposit)
	assert.Equal(t, "1 Main St", o.DeliveryAddress)
}

func TestCreateOrderConcurrentRequestsBookOnce(t *testing.T) {
	f := newFixture(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.booking.CreateOrder(context.Background(), &service.CreateOrderRequest{
				ResourceID: f.resource.ID,
				RenterID:   renterID,
				StartDate:  day(5),
				EndDate:    day(7),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrSlotConflict), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)

	holding, err := f.store.ListHoldingOrders(context.Background(), f.resource.ID)
	require.NoError(t, err)
	assert.Len(t, holding, 1)
}

func TestCreateOrderRetriesStaleWrites(t *testing.T) {
	tests := []struct {
		name        string
		failures    int
		wantErr     error
		wantTries   int
		wantRetries float64
	}{
		{name: "succeeds on last attempt", failures: 2, wantTries: 3, wantRetries: 2},
		{name: "exhausts attempts", failures: 3, wantErr: apperr.ErrSlotConflict, wantTries: 3, wantRetries: 2},
		{name: "first attempt wins", failures: 0, wantTries: 1, wantRetries: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tries := f.booking.FailBookingAttempts(tt.failures, store.ErrStaleWrite)
			before := testutil.ToFloat64(util.BookingRetriesTotal)

			order, err := f.booking.CreateOrder(context.Background(), &service.CreateOrderRequest{
				ResourceID: f.resource.ID,
				RenterID:   renterID,
				StartDate:  day(1),
				EndDate:    day(3),
			})

			assert.Equal(t, tt.wantTries, tries())
			assert.Equal(t, tt.wantRetries, testutil.ToFloat64(util.BookingRetriesTotal)-before)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.Equal(t, models.ResourceAvailable, f.resourceStatus(t))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.OrderPending, order.Status)
			assert.Equal(t, models.ResourceRented, f.resourceStatus(t))
		})
	}
}

func TestCreateOrderDoesNotRetryOtherErrors(t *testing.T) {
	f := newFixture(t)
	tries := f.booking.FailBookingAttempts(1, apperr.ErrResourceUnavailable)

	_, err := f.booking.CreateOrder(context.Background(), &service.CreateOrderRequest{
		ResourceID: f.resource.ID,
		RenterID:   renterID,
		StartDate:  day(1),
		EndDate:    day(3),
	})
	assert.True(t, errors.Is(err, apperr.ErrResourceUnavailable))
	assert.Equal(t, 1, tries())
}
