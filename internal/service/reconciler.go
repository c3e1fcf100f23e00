package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/payment"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RetryPolicy bounds re-application of failed callbacks.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 8
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Hour
	}
	return p
}

// delay is the wait before attempt n+1 after n failed attempts.
func (p RetryPolicy) delay(attempts int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Reconciler turns provider notifications into settlement calls and keeps
// the ones that could not be applied for later retry.
type Reconciler struct {
	store      *store.Store
	registry   *payment.Registry
	settlement *Settlement
	policy     RetryPolicy
	now        func() time.Time
	logger     *zap.Logger
}

// NewReconciler creates the webhook reconciler
func NewReconciler(store *store.Store, registry *payment.Registry, settlement *Settlement, policy RetryPolicy) *Reconciler {
	return &Reconciler{
		store:      store,
		registry:   registry,
		settlement: settlement,
		policy:     policy.withDefaults(),
		now:        utcNow,
		logger:     util.GetLogger(),
	}
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// HandleCallback verifies and applies one notification. The returned Ack is
// what the provider should receive. A non-nil error with a 5xx ack means the
// side effects were not applied and the callback was parked for retry.
func (r *Reconciler) HandleCallback(ctx context.Context, providerID string, raw payment.RawCallback) (payment.Ack, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleCallback", "provider", providerID)
	var err error
	defer func() { util.EndSpan(span, err) }()

	provider, ok := r.registry.Get(payment.ProviderID(providerID))
	if !ok || !provider.IsConfigured() {
		util.WebhookCallbacksTotal.WithLabelValues(providerID, "unknown_provider").Inc()
		err = apperr.New(apperr.ErrProviderNotConfigured, "payment provider %q is not configured", providerID)
		return payment.Ack{}, err
	}

	cb, err := provider.VerifyCallback(ctx, raw)
	if err != nil {
		util.WebhookCallbacksTotal.WithLabelValues(providerID, "rejected").Inc()
		r.logger.Warn("Rejected payment callback",
			zap.String("provider", providerID),
			zap.Int("body_bytes", len(raw.Body)),
			zap.Error(err))
		return rejectAck(provider), err
	}

	outcome, err := r.settlement.Apply(ctx, cb)
	if err == nil {
		util.WebhookCallbacksTotal.WithLabelValues(providerID, string(outcome)).Inc()
		return provider.Acknowledge(true), nil
	}

	if apperr.KindOf(err) == apperr.KindValidation {
		util.WebhookCallbacksTotal.WithLabelValues(providerID, "invalid").Inc()
		r.logger.Warn("Payment callback does not match stored payment",
			zap.String("provider", providerID),
			zap.String("payment_id", cb.PaymentID),
			zap.Error(err))
		return rejectAck(provider), err
	}

	util.WebhookCallbacksTotal.WithLabelValues(providerID, "failed").Inc()
	r.logger.Error("Failed to apply payment callback",
		zap.String("provider", providerID),
		zap.String("payment_id", cb.PaymentID),
		zap.String("trade_no", cb.TradeNo),
		zap.Error(err))
	r.park(ctx, cb, err)

	err = apperr.Wrap(apperr.ErrInternal, err, "payment callback for %s was not applied", cb.PaymentID)
	return provider.Acknowledge(false), err
}

func rejectAck(provider payment.Provider) payment.Ack {
	ack := provider.Acknowledge(false)
	ack.StatusCode = http.StatusBadRequest
	return ack
}

// park writes the canonical callback to the dead-letter table. A redelivery
// of a notification that is already parked only refreshes the last error.
func (r *Reconciler) park(ctx context.Context, cb *payment.Callback, cause error) {
	ctx = context.WithoutCancel(ctx)
	existing, err := r.store.FindPendingCallbackFailure(ctx, string(cb.Provider), cb.PaymentID, cb.TradeNo)
	switch {
	case err == nil:
		existing.LastError = cause.Error()
		if err := r.store.UpdateCallbackFailure(ctx, existing); err != nil {
			r.logger.Warn("Failed to refresh parked callback",
				zap.String("failure_id", existing.ID),
				zap.Error(err))
		}
		util.CallbackDeadLettersTotal.WithLabelValues("redelivered").Inc()
		return
	case !errors.Is(err, store.ErrNotFound):
		r.logger.Error("Failed to look up parked callback",
			zap.String("payment_id", cb.PaymentID),
			zap.String("trade_no", cb.TradeNo),
			zap.Error(err))
		return
	}

	body, err := json.Marshal(cb)
	if err != nil {
		r.logger.Error("Failed to encode callback for retry", zap.Error(err))
		return
	}
	f := &models.CallbackFailure{
		ID:            uuid.New().String(),
		Provider:      string(cb.Provider),
		PaymentID:     cb.PaymentID,
		TradeNo:       cb.TradeNo,
		Payload:       string(body),
		Status:        models.CallbackFailurePending,
		Attempts:      1,
		LastError:     cause.Error(),
		NextAttemptAt: r.now().Add(r.policy.delay(1)),
	}
	if err := r.store.CreateCallbackFailure(ctx, f); err != nil {
		r.logger.Error("Failed to record callback failure",
			zap.String("payment_id", cb.PaymentID),
			zap.String("trade_no", cb.TradeNo),
			zap.Error(err))
		return
	}
	util.CallbackDeadLettersTotal.WithLabelValues("recorded").Inc()
}

// RetryStats summarises one retry pass.
type RetryStats struct {
	Resolved int `json:"resolved"`
	Retried  int `json:"retried"`
	Dead     int `json:"dead"`
}

// RetryFailedCallbacks re-applies due dead-letter entries. Entries that keep
// failing back off exponentially and are marked dead after MaxAttempts.
func (r *Reconciler) RetryFailedCallbacks(ctx context.Context, limit int) (RetryStats, error) {
	var stats RetryStats
	failures, err := r.store.ListDueCallbackFailures(ctx, r.now(), limit)
	if err != nil {
		return stats, apperr.Internal(err, "list callback failures")
	}

	for i := range failures {
		f := &failures[i]
		applyErr := r.retryOne(ctx, f)
		f.Attempts++

		switch {
		case applyErr == nil:
			f.Status = models.CallbackFailureResolved
			f.LastError = ""
			stats.Resolved++
		case f.Attempts >= r.policy.MaxAttempts || isPermanent(applyErr):
			f.Status = models.CallbackFailureDead
			f.LastError = applyErr.Error()
			stats.Dead++
			r.logger.Error("Callback abandoned",
				zap.String("failure_id", f.ID),
				zap.String("payment_id", f.PaymentID),
				zap.Int("attempts", f.Attempts),
				zap.Error(applyErr))
		default:
			f.LastError = applyErr.Error()
			f.NextAttemptAt = r.now().Add(r.policy.delay(f.Attempts))
			stats.Retried++
		}
		util.CallbackDeadLettersTotal.WithLabelValues(string(f.Status)).Inc()

		if err := r.store.UpdateCallbackFailure(ctx, f); err != nil {
			r.logger.Error("Failed to update callback failure", zap.String("failure_id", f.ID), zap.Error(err))
		}
	}
	return stats, nil
}

func (r *Reconciler) retryOne(ctx context.Context, f *models.CallbackFailure) error {
	var cb payment.Callback
	if err := json.Unmarshal([]byte(f.Payload), &cb); err != nil {
		return apperr.Validation("corrupt callback payload: %v", err)
	}
	_, err := r.settlement.Apply(ctx, &cb)
	return err
}

func isPermanent(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindForbidden:
		return true
	}
	return false
}

// SimulateSuccess has the mock provider deliver a signed SUCCESS callback for
// a mock payment and runs it through HandleCallback.
func (r *Reconciler) SimulateSuccess(ctx context.Context, paymentID, callerID string) (*models.Payment, error) {
	mock, ok := r.registry.Mock()
	if !ok {
		return nil, apperr.New(apperr.ErrProviderNotConfigured, "mock payment provider is disabled")
	}

	p, err := r.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, lookupErr(err, apperr.ErrPaymentNotFound, paymentID)
	}
	if callerID != p.UserID && callerID != models.SystemActor {
		return nil, apperr.New(apperr.ErrForbidden, "only the payer may simulate this payment")
	}
	if p.Provider != string(payment.ProviderMock) {
		return nil, apperr.Validation("payment %s was not created with the mock provider", p.ID)
	}

	raw, err := mock.SimulateCallback(p.ID, p.OrderID, p.Amount, models.PaymentSuccess)
	if err != nil {
		return nil, apperr.Internal(err, "simulate callback")
	}
	if _, err := r.HandleCallback(ctx, string(payment.ProviderMock), raw); err != nil {
		return nil, err
	}

	p, err = r.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, lookupErr(err, apperr.ErrPaymentNotFound, paymentID)
	}
	return p, nil
}

// IsRedeliverable reports whether a HandleCallback error is worth another delivery.
func IsRedeliverable(err error) bool {
	if err == nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindForbidden, apperr.KindProviderNotConfigured:
		return false
	}
	return true
}
