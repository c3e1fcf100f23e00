package service

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BookingConfig tunes order creation.
type BookingConfig struct {
	DeliveryFee int64
	MaxAttempts int
	BaseBackoff time.Duration
}

// BookingService validates a requested window against accepted orders and
// creates the order together with the resource hold.
type BookingService struct {
	store     *store.Store
	publisher EventPublisher
	cfg       BookingConfig
	now       func() time.Time
	sleep     func(time.Duration)
	attempt   func(context.Context, *CreateOrderRequest, models.Window, models.DeliveryMethod) (*models.Order, error)
	logger    *zap.Logger
}

// NewBookingService creates a booking service
func NewBookingService(store *store.Store, publisher EventPublisher, cfg BookingConfig) *BookingService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 20 * time.Millisecond
	}
	s := &BookingService{
		store:     store,
		publisher: orNoopPublisher(publisher),
		cfg:       cfg,
		now:       utcNow,
		sleep:     time.Sleep,
		logger:    util.GetLogger(),
	}
	s.attempt = s.tryCreate
	return s
}

// SetClock replaces the time source.
func (s *BookingService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	ResourceID      string                `json:"resource_id" binding:"required"`
	RenterID        string                `json:"-"`
	StartDate       time.Time             `json:"start_date" binding:"required"`
	EndDate         time.Time             `json:"end_date" binding:"required"`
	DeliveryMethod  models.DeliveryMethod `json:"delivery_method"`
	DeliveryAddress string                `json:"delivery_address"`
	Notes           string                `json:"notes"`
}

// CreateOrder books the resource for [StartDate, EndDate] and marks it RENTED.
func (s *BookingService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CreateOrder", "resource_id", req.ResourceID)
	var err error
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { util.BookingLatency.Observe(time.Since(start).Seconds()) }()

	var order *models.Order
	order, err = s.createOrder(ctx, req)
	if err != nil {
		util.BookingRejectedTotal.WithLabelValues(strings.ToLower(apperr.From(err).Code)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("resource_id", order.ResourceID),
		zap.String("renter_id", order.RenterID),
		zap.Int64("total_price", order.TotalPrice))

	publishOrderEvent(ctx, s.publisher, s.logger, models.NewOrderEvent(order, order.RenterID, "", s.now()))
	return order, nil
}

func (s *BookingService) createOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	window, method, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	resource, err := s.store.GetResource(ctx, req.ResourceID)
	if err != nil {
		return nil, lookupErr(err, apperr.ErrResourceNotFound, req.ResourceID)
	}
	if req.RenterID == resource.OwnerID {
		return nil, apperr.ErrSelfBookingForbidden
	}
	if err := s.validateWindow(window); err != nil {
		return nil, err
	}
	if !resource.Status.Rentable() {
		return nil, apperr.New(apperr.ErrResourceUnavailable, "resource %s is %s", resource.ID, resource.Status)
	}

	for attempt := 1; ; attempt++ {
		order, err := s.attempt(ctx, req, window, method)
		if err == nil {
			return order, nil
		}
		if !store.IsSerializationFailure(err) {
			var appErr *apperr.Error
			if errors.As(err, &appErr) {
				return nil, err
			}
			return nil, apperr.Internal(err, "create order")
		}
		if attempt >= s.cfg.MaxAttempts {
			s.logger.Warn("Booking retries exhausted",
				zap.String("resource_id", req.ResourceID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return nil, apperr.Wrap(apperr.ErrSlotConflict, err, "requested window is being booked concurrently")
		}

		util.BookingRetriesTotal.Inc()
		s.sleep(s.backoff(attempt))
		if ctx.Err() != nil {
			return nil, apperr.Internal(ctx.Err(), "create order")
		}
	}
}

// validate checks the request shape before any transaction opens.
func (s *BookingService) validate(req *CreateOrderRequest) (models.Window, models.DeliveryMethod, error) {
	if req.ResourceID == "" {
		return models.Window{}, "", apperr.Validation("resource_id is required")
	}
	if req.RenterID == "" {
		return models.Window{}, "", apperr.Validation("renter id is required")
	}

	method := req.DeliveryMethod
	if method == "" {
		method = models.DeliveryPickup
	}
	if !method.Valid() {
		return models.Window{}, "", apperr.Validation("unknown delivery method %q", method)
	}
	if method == models.DeliveryDelivery && strings.TrimSpace(req.DeliveryAddress) == "" {
		return models.Window{}, "", apperr.Validation("delivery_address is required for DELIVERY")
	}

	window := models.Window{
		Start: req.StartDate.UTC().Truncate(time.Second),
		End:   req.EndDate.UTC().Truncate(time.Second),
	}
	return window, method, nil
}

func (s *BookingService) validateWindow(w models.Window) error {
	if !w.Start.Before(w.End) {
		return apperr.New(apperr.ErrInvalidDateRange, "start_date must be before end_date")
	}
	if w.Start.Before(s.now().Truncate(time.Second)) {
		return apperr.New(apperr.ErrInvalidDateRange, "start_date is in the past")
	}
	return nil
}

// tryCreate is one attempt of the check-then-insert under the resource row lock.
func (s *BookingService) tryCreate(ctx context.Context, req *CreateOrderRequest, window models.Window, method models.DeliveryMethod) (*models.Order, error) {
	var order *models.Order
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		resource, err := tx.GetResourceForUpdate(ctx, req.ResourceID)
		if err != nil {
			return lookupErr(err, apperr.ErrResourceNotFound, req.ResourceID)
		}
		if !resource.Status.Rentable() {
			return apperr.New(apperr.ErrResourceUnavailable, "resource %s is %s", resource.ID, resource.Status)
		}

		holding, err := tx.ListHoldingOrders(ctx, resource.ID)
		if err != nil {
			return err
		}
		for i := range holding {
			if holding[i].Window().Overlaps(window) {
				return apperr.New(apperr.ErrSlotConflict,
					"requested window overlaps order %s", holding[i].ID)
			}
		}

		quote := models.PriceBooking(resource, window, method, s.cfg.DeliveryFee)
		order = &models.Order{
			ID:              uuid.New().String(),
			ResourceID:      resource.ID,
			RenterID:        req.RenterID,
			OwnerID:         resource.OwnerID,
			StartDate:       window.Start,
			EndDate:         window.End,
			TotalPrice:      quote.TotalPrice,
			Deposit:         quote.Deposit,
			DeliveryMethod:  method,
			DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
			DeliveryFee:     quote.DeliveryFee,
			Notes:           req.Notes,
			Status:          models.OrderPending,
			PaymentStatus:   models.OrderPaymentPending,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		return holdResource(ctx, tx, resource)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// backoff doubles per attempt with up to 50% random jitter.
func (s *BookingService) backoff(attempt int) time.Duration {
	d := s.cfg.BaseBackoff << uint(attempt-1)
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
