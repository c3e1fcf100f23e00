package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"go.uber.org/zap"
)

// Resource.status is written only through holdResource and releaseResource,
// always inside the transaction of the order change that justifies it.

func holdResource(ctx context.Context, tx *store.Tx, r *models.Resource) error {
	if r.Status == models.ResourceRented {
		return nil
	}
	if err := tx.SetResourceStatus(ctx, r.ID, models.ResourceRented); err != nil {
		return fmt.Errorf("hold resource %s: %w", r.ID, err)
	}
	r.Status = models.ResourceRented
	return nil
}

// releaseResource reverts a RENTED resource to AVAILABLE once no order other
// than orderID holds it. MAINTENANCE and UNAVAILABLE are left untouched.
func releaseResource(ctx context.Context, tx *store.Tx, resourceID, orderID string) (bool, error) {
	r, err := tx.GetResourceForUpdate(ctx, resourceID)
	if err != nil {
		return false, fmt.Errorf("lock resource %s: %w", resourceID, err)
	}
	if r.Status != models.ResourceRented {
		return false, nil
	}

	others, err := tx.CountHoldingOrders(ctx, resourceID, orderID)
	if err != nil {
		return false, fmt.Errorf("count holding orders: %w", err)
	}
	if others > 0 {
		return false, nil
	}

	if err := tx.SetResourceStatus(ctx, resourceID, models.ResourceAvailable); err != nil {
		return false, fmt.Errorf("release resource %s: %w", resourceID, err)
	}
	return true, nil
}

const sweepLockName = "ledger-sweep"

// LedgerService runs the periodic safety net over resource availability.
type LedgerService struct {
	store      *store.Store
	orders     *OrderService
	locker     Locker
	pendingTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewLedgerService creates the sweeper. pendingTTL <= 0 disables reservation expiry.
func NewLedgerService(store *store.Store, orders *OrderService, locker Locker, pendingTTL time.Duration) *LedgerService {
	return &LedgerService{
		store:      store,
		orders:     orders,
		locker:     locker,
		pendingTTL: pendingTTL,
		now:        utcNow,
		logger:     util.GetLogger(),
	}
}

// SetClock replaces the time source.
func (l *LedgerService) SetClock(now func() time.Time) {
	l.now = now
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Expired  int  `json:"expired"`
	Released int  `json:"released"`
	Skipped  bool `json:"skipped"`
}

// Sweep expires stale reservations and then repairs orphaned RENTED flags.
// Only one replica sweeps at a time when a locker is configured.
func (l *LedgerService) Sweep(ctx context.Context, lockTTL time.Duration) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "LedgerService.Sweep")
	var result SweepResult
	var err error
	defer func() { util.EndSpan(span, err) }()

	if l.locker != nil {
		token, ok, lockErr := l.locker.AcquireLock(ctx, sweepLockName, lockTTL)
		if lockErr != nil {
			err = lockErr
			return result, err
		}
		if !ok {
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if relErr := l.locker.ReleaseLock(context.Background(), sweepLockName, token); relErr != nil {
				l.logger.Warn("Failed to release sweep lock", zap.Error(relErr))
			}
		}()
	}

	if result.Expired, err = l.ExpireStalePending(ctx); err != nil {
		return result, err
	}
	result.Released, err = l.Reconcile(ctx)
	return result, err
}

// Reconcile reverts RENTED resources that no PENDING, CONFIRMED or ACTIVE order holds.
func (l *LedgerService) Reconcile(ctx context.Context) (int, error) {
	orphans, err := l.store.ListOrphanedRentedResources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list orphaned resources: %w", err)
	}

	released := 0
	for _, r := range orphans {
		var changed bool
		err := l.store.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			changed, err = releaseResource(ctx, tx, r.ID, "")
			return err
		})
		if err != nil {
			l.logger.Error("Failed to release orphaned resource", zap.String("resource_id", r.ID), zap.Error(err))
			continue
		}
		if changed {
			released++
			util.ResourcesReleasedTotal.WithLabelValues("sweep").Inc()
			l.logger.Warn("Released orphaned resource", zap.String("resource_id", r.ID))
		}
	}
	return released, nil
}

const expiryBatchSize = 100

// ExpireStalePending cancels unpaid PENDING orders older than the TTL.
// Orders with a payment still in flight at the provider are left alone.
func (l *LedgerService) ExpireStalePending(ctx context.Context) (int, error) {
	if l.pendingTTL <= 0 {
		return 0, nil
	}

	stale, err := l.store.ListUnpaidPendingOrders(ctx, l.now().Add(-l.pendingTTL), expiryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale pending orders: %w", err)
	}

	expired := 0
	for _, o := range stale {
		inFlight, err := l.hasPaymentInFlight(ctx, o.ID)
		if err != nil {
			l.logger.Error("Failed to check payments of stale order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if inFlight {
			continue
		}

		_, err = l.orders.CancelOrder(ctx, o.ID, models.SystemActor, "reservation expired")
		switch {
		case err == nil:
			expired++
		case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrStaleWrite):
			// moved on concurrently
		default:
			l.logger.Error("Failed to expire pending order", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return expired, nil
}

func (l *LedgerService) hasPaymentInFlight(ctx context.Context, orderID string) (bool, error) {
	payments, err := l.store.ListPaymentsByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, p := range payments {
		if p.Status == models.PaymentProcessing || p.Status.Settled() {
			return true, nil
		}
	}
	return false, nil
}
