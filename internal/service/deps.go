package service

import (
	"context"
	"errors"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/store"

	"go.uber.org/zap"
)

// EventPublisher delivers domain events to downstream subscribers
// (notifications, chat, analytics). Failures never roll back the core.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error
	PublishPaymentEvent(ctx context.Context, event *models.PaymentStatusEvent) error
}

// PaymentCache accelerates payment reads. Get returns nil on a miss.
type PaymentCache interface {
	Get(ctx context.Context, id string) (*models.Payment, error)
	Set(ctx context.Context, p *models.Payment) error
	Invalidate(ctx context.Context, id string) error
}

// Locker provides a cluster-wide mutex for background jobs.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

type noopPublisher struct{}

func (noopPublisher) PublishOrderEvent(context.Context, *models.OrderEvent) error           { return nil }
func (noopPublisher) PublishPaymentEvent(context.Context, *models.PaymentStatusEvent) error { return nil }

type noopCache struct{}

func (noopCache) Get(context.Context, string) (*models.Payment, error) { return nil, nil }
func (noopCache) Set(context.Context, *models.Payment) error           { return nil }
func (noopCache) Invalidate(context.Context, string) error             { return nil }

func orNoopPublisher(p EventPublisher) EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

func orNoopCache(c PaymentCache) PaymentCache {
	if c == nil {
		return noopCache{}
	}
	return c
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// lookupErr maps a store read error to a NOT_FOUND or internal error.
func lookupErr(err error, notFound *apperr.Error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(notFound, "%s: %s", notFound.Message, id)
	}
	return apperr.Internal(err, "lookup %s", id)
}

// writeErr maps a failed write inside a state transition.
func writeErr(err error, what string) error {
	if errors.Is(err, store.ErrStaleWrite) || store.IsSerializationFailure(err) {
		return apperr.Wrap(apperr.ErrStaleWrite, err, "%s was modified concurrently", what)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Internal(err, "update %s", what)
}

func publishOrderEvent(ctx context.Context, pub EventPublisher, logger *zap.Logger, ev *models.OrderEvent) {
	if ev == nil || ev.EventType == "" {
		return
	}
	if err := pub.PublishOrderEvent(ctx, ev); err != nil {
		logger.Warn("Failed to publish order event",
			zap.String("event_type", ev.EventType),
			zap.String("order_id", ev.OrderID),
			zap.Error(err))
	}
}

func publishPaymentEvent(ctx context.Context, pub EventPublisher, logger *zap.Logger, ev *models.PaymentStatusEvent) {
	if ev == nil {
		return
	}
	if err := pub.PublishPaymentEvent(ctx, ev); err != nil {
		logger.Warn("Failed to publish payment event",
			zap.String("event_type", ev.EventType),
			zap.String("payment_id", ev.PaymentID),
			zap.Error(err))
	}
}
