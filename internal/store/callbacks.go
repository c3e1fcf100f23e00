package store

import (
	"context"
	"fmt"
	"time"

	"rental-service/internal/models"
)

const callbackFailureColumns = `id, provider, payment_id, trade_no, payload, status, attempts, last_error,
	next_attempt_at, created_at, updated_at`

// CreateCallbackFailure stores a callback whose side effects must be re-applied later.
func (q querier) CreateCallbackFailure(ctx context.Context, f *models.CallbackFailure) error {
	ts := now()
	f.CreatedAt, f.UpdatedAt = ts, ts
	f.NextAttemptAt = f.NextAttemptAt.UTC().Truncate(time.Second)
	if f.Status == "" {
		f.Status = models.CallbackFailurePending
	}

	_, err := q.exec(ctx, `
		INSERT INTO callback_failures (`+callbackFailureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Provider, f.PaymentID, f.TradeNo, f.Payload, f.Status, f.Attempts, f.LastError,
		f.NextAttemptAt, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create callback failure: %w", err)
	}
	return nil
}

// FindPendingCallbackFailure returns the pending failure parked for the same
// notification, or ErrNotFound.
func (q querier) FindPendingCallbackFailure(ctx context.Context, provider, paymentID, tradeNo string) (*models.CallbackFailure, error) {
	var f models.CallbackFailure
	err := q.get(ctx, &f, `
		SELECT `+callbackFailureColumns+` FROM callback_failures
		WHERE status = ? AND provider = ? AND payment_id = ? AND trade_no = ?
		ORDER BY created_at, id
		LIMIT 1`,
		models.CallbackFailurePending, provider, paymentID, tradeNo)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListDueCallbackFailures returns pending failures whose next attempt is at or before dueAt.
func (q querier) ListDueCallbackFailures(ctx context.Context, dueAt time.Time, limit int) ([]models.CallbackFailure, error) {
	var failures []models.CallbackFailure
	err := q.selectAll(ctx, &failures, `
		SELECT `+callbackFailureColumns+` FROM callback_failures
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at, id
		LIMIT ?`,
		models.CallbackFailurePending, dueAt.UTC().Truncate(time.Second), limit)
	return failures, err
}

// ListCallbackFailures returns failures in a given status, oldest first.
func (q querier) ListCallbackFailures(ctx context.Context, status models.CallbackFailureStatus) ([]models.CallbackFailure, error) {
	failures := []models.CallbackFailure{}
	err := q.selectAll(ctx, &failures, `
		SELECT `+callbackFailureColumns+` FROM callback_failures
		WHERE status = ?
		ORDER BY created_at, id`, status)
	return failures, err
}

// UpdateCallbackFailure records the outcome of a retry attempt.
func (q querier) UpdateCallbackFailure(ctx context.Context, f *models.CallbackFailure) error {
	ts := now()
	f.NextAttemptAt = f.NextAttemptAt.UTC().Truncate(time.Second)
	res, err := q.exec(ctx, `
		UPDATE callback_failures
		SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		f.Status, f.Attempts, f.LastError, f.NextAttemptAt, ts, f.ID)
	if err != nil {
		return fmt.Errorf("failed to update callback failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	f.UpdatedAt = ts
	return nil
}
