package service

import (
	"context"
	"time"

	"rental-service/internal/models"
)

// FailBookingAttempts makes the next n booking attempts return err without
// touching the store. The returned func reports how many attempts ran.
func (s *BookingService) FailBookingAttempts(n int, err error) func() int {
	next := s.attempt
	calls := 0
	s.sleep = func(time.Duration) {}
	s.attempt = func(ctx context.Context, req *CreateOrderRequest, w models.Window, m models.DeliveryMethod) (*models.Order, error) {
		calls++
		if calls <= n {
			return nil, err
		}
		return next(ctx, req, w, m)
	}
	return func() int { return calls }
}
