package store

import (
	"context"
	"fmt"

	"rental-service/internal/models"
)

const paymentColumns = `id, order_id, user_id, provider, method, amount, status, trade_no, payment_url, qr_code,
	paid_amount, refunded_amount, version, paid_at, created_at, updated_at`

// CreatePayment creates a new payment record
func (q querier) CreatePayment(ctx context.Context, p *models.Payment) error {
	ts := now()
	p.CreatedAt, p.UpdatedAt = ts, ts
	p.Version = 1

	_, err := q.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrderID, p.UserID, p.Provider, p.Method, p.Amount, p.Status, p.TradeNo, p.PaymentURL, p.QRCode,
		p.PaidAmount, p.RefundedAmount, p.Version, p.PaidAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID
func (q querier) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := q.get(ctx, &p, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentForUpdate reads the payment and locks the row for the rest of the transaction.
func (q querier) GetPaymentForUpdate(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := q.get(ctx, &p, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`+q.forUpdate, id); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPaymentsByOrder returns every payment attempt for an order, newest first.
func (q querier) ListPaymentsByOrder(ctx context.Context, orderID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := q.selectAll(ctx, &payments, `SELECT `+paymentColumns+` FROM payments WHERE order_id = ? ORDER BY created_at DESC, id`, orderID)
	return payments, err
}

// UpdatePayment persists the mutable payment fields if p.Version is still current.
func (q querier) UpdatePayment(ctx context.Context, p *models.Payment) error {
	ts := now()
	err := q.execVersioned(ctx, `
		UPDATE payments
		SET status = ?, trade_no = ?, payment_url = ?, qr_code = ?, paid_amount = ?, refunded_amount = ?,
		    paid_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		p.Status, p.TradeNo, p.PaymentURL, p.QRCode, p.PaidAmount, p.RefundedAmount,
		p.PaidAt, ts, p.ID, p.Version)
	if err != nil {
		return err
	}
	p.Version++
	p.UpdatedAt = ts
	return nil
}

// AppendPaymentEvent adds an entry to the payment's history.
func (q querier) AppendPaymentEvent(ctx context.Context, paymentID string, eventType models.PaymentEventType, payload string) (*models.PaymentEvent, error) {
	ev := &models.PaymentEvent{
		PaymentID: paymentID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: now(),
	}
	err := q.get(ctx, &ev.ID, `
		INSERT INTO payment_events (payment_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`,
		ev.PaymentID, ev.EventType, ev.Payload, ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append payment event: %w", err)
	}
	return ev, nil
}

// ListPaymentEvents returns the history of a payment in append order.
func (q querier) ListPaymentEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	events := []models.PaymentEvent{}
	err := q.selectAll(ctx, &events, `
		SELECT id, payment_id, event_type, payload, created_at FROM payment_events
		WHERE payment_id = ?
		ORDER BY created_at, id`, paymentID)
	return events, err
}

// IsCallbackProcessed checks if a success callback with this trade number was already applied
func (q querier) IsCallbackProcessed(ctx context.Context, tradeNo string) (bool, error) {
	var n int
	err := q.get(ctx, &n, `SELECT COUNT(*) FROM processed_callbacks WHERE trade_no = ?`, tradeNo)
	return n > 0, err
}

// MarkCallbackProcessed records tradeNo as applied
func (q querier) MarkCallbackProcessed(ctx context.Context, tradeNo, provider, paymentID string) error {
	_, err := q.exec(ctx, `
		INSERT INTO processed_callbacks (trade_no, provider, payment_id, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (trade_no) DO NOTHING`,
		tradeNo, provider, paymentID, now())
	if err != nil {
		return fmt.Errorf("failed to mark callback processed: %w", err)
	}
	return nil
}
