package service_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/payment"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackWithBadSignatureIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.book(t, 1, 3)
	res := f.pay(t, o)

	raw, err := f.mock.SimulateCallback(res.PaymentID, o.ID, o.TotalPrice, models.PaymentSuccess)
	require.NoError(t, err)
	raw.Body = append([]byte(nil), raw.Body...)
	raw.Body[len(raw.Body)-2] = ' '

	ack, err := f.reconciler.HandleCallback(ctx, "mock", raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidSignature))
	assert.Equal(t, http.StatusBadRequest, ack.StatusCode)
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))

	assert.Equal(t, models.PaymentPending, f.payment(t, res.PaymentID).Status)
	assert.Equal(t, models.OrderPaymentPending, f.order(t, o.ID).PaymentStatus)
	assert.Len(t, f.eventTypes(t, res.PaymentID), 1)
}

func TestCallbackForUnknownProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconciler.HandleCallback(context.Background(), "wechat", payment.RawCallback{Body: []byte("{}")})
	assert.True(t, errors.Is(err, apperr.ErrProviderNotConfigured))
}

func TestCallbackAmountMismatchIsNotParked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.book(t, 1, 3)
	res := f.pay(t, o)

	raw, err := f.mock.SimulateCallback(res.PaymentID, o.ID, o.TotalPrice+1, models.PaymentSuccess)
	require.NoError(t, err)

	ack, err := f.reconciler.HandleCallback(ctx, "mock", raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Equal(t, http.StatusBadRequest, ack.StatusCode)
	assert.Equal(t, models.PaymentPending, f.payment(t, res.PaymentID).Status)

	parked, err := f.store.ListCallbackFailures(ctx, models.CallbackFailurePending)
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestUnappliedCallbackIsParkedAndRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.book(t, 1, 3)

	// the notification overtakes the payment record
	paymentID := uuid.NewString()
	raw, err := f.mock.SimulateCallback(paymentID, o.ID, o.TotalPrice, models.PaymentSuccess)
	require.NoError(t, err)

	ack, err := f.reconciler.HandleCallback(ctx, "mock", raw)
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, http.StatusInternalServerError, ack.StatusCode)

	parked, err := f.store.ListCallbackFailures(ctx, models.CallbackFailurePending)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, paymentID, parked[0].PaymentID)
	assert.Equal(t, 1, parked[0].Attempts)

	// not due yet
	stats, err := f.reconciler.RetryFailedCallbacks(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Resolved+stats.Retried+stats.Dead)

	require.NoError(t, f.store.CreatePayment(ctx, &models.Payment{
		ID:       paymentID,
		OrderID:  o.ID,
		UserID:   renterID,
		Provider: string(payment.ProviderMock),
		Method:   "mock",
		Amount:   o.TotalPrice,
		Status:   models.PaymentPending,
	}))

	f.reconciler.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	stats, err = f.reconciler.RetryFailedCallbacks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)

	assert.Equal(t, models.PaymentSuccess, f.payment(t, paymentID).Status)
	assert.Equal(t, models.OrderPaymentPaid, f.order(t, o.ID).PaymentStatus)

	resolved, err := f.store.ListCallbackFailures(ctx, models.CallbackFailureResolved)
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
}

func TestParkedCallbackGoesDeadAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.book(t, 1, 3)

	raw, err := f.mock.SimulateCallback(uuid.NewString(), o.ID, o.TotalPrice, models.PaymentSuccess)
	require.NoError(t, err)
	_, err = f.reconciler.HandleCallback(ctx, "mock", raw)
	require.Error(t, err)

	later := time.Now().UTC()
	for i := 0; i < 2; i++ {
		later = later.Add(24 * time.Hour)
		at := later
		f.reconciler.SetClock(func() time.Time { return at })
		_, err := f.reconciler.RetryFailedCallbacks(ctx, 10)
		require.NoError(t, err)
	}

	dead, err := f.store.ListCallbackFailures(ctx, models.CallbackFailureDead)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, apperr.CodePaymentNotFound)
}

func TestRedeliveredCallbackIsParkedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.book(t, 1, 3)

	paymentID := uuid.NewString()
	raw, err := f.mock.SimulateCallback(paymentID, o.ID, o.TotalPrice, models.PaymentSuccess)
	require.NoError(t, err)

	// the consumer redelivers the same message after each failure
	for i := 0; i < 5; i++ {
		ack, err := f.reconciler.HandleCallback(ctx, "mock", raw)
		require.Error(t, err)
		assert.Equal(t, http.StatusInternalServerError, ack.StatusCode)
	}

	parked, err := f.store.ListCallbackFailures(ctx, models.CallbackFailurePending)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, paymentID, parked[0].PaymentID)
	assert.Equal(t, 1, parked[0].Attempts)
	assert.Contains(t, parked[0].LastError, apperr.CodePaymentNotFound)

	require.NoError(t, f.store.CreatePayment(ctx, &models.Payment{
		ID:       paymentID,
		OrderID:  o.ID,
		UserID:   renterID,
		Provider: string(payment.ProviderMock),
		Method:   "mock",
		Amount:   o.TotalPrice,
		Status:   models.PaymentPending,
	}))
	f.reconciler.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	stats, err := f.reconciler.RetryFailedCallbacks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 1, f.pub.count(models.EventTypePaymentSucceeded))
}
