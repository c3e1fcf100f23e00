package store

import (
	"context"
	"fmt"
	"time"

	"rental-service/internal/models"
)

const orderColumns = `id, resource_id, renter_id, owner_id, start_date, end_date, total_price, deposit,
	delivery_method, delivery_address, delivery_fee, notes, status, payment_status, version,
	created_at, updated_at`

// CreateOrder creates a new order
func (q querier) CreateOrder(ctx context.Context, o *models.Order) error {
	ts := now()
	o.CreatedAt, o.UpdatedAt = ts, ts
	o.StartDate, o.EndDate = o.StartDate.UTC(), o.EndDate.UTC()
	o.Version = 1

	_, err := q.exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ResourceID, o.RenterID, o.OwnerID, o.StartDate, o.EndDate, o.TotalPrice, o.Deposit,
		o.DeliveryMethod, o.DeliveryAddress, o.DeliveryFee, o.Notes, o.Status, o.PaymentStatus, o.Version,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID
func (q querier) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	if err := q.get(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderForUpdate reads the order and locks the row for the rest of the transaction.
func (q querier) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	if err := q.get(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = ?`+q.forUpdate, id); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListHoldingOrders returns the orders of a resource that still occupy their window.
func (q querier) ListHoldingOrders(ctx context.Context, resourceID string) ([]models.Order, error) {
	var orders []models.Order
	err := q.selectAll(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders
		WHERE resource_id = ? AND status IN (?, ?, ?)
		ORDER BY start_date`,
		resourceID, models.OrderPending, models.OrderConfirmed, models.OrderActive)
	return orders, err
}

// CountHoldingOrders counts holding orders of a resource other than excludeID.
func (q querier) CountHoldingOrders(ctx context.Context, resourceID, excludeID string) (int, error) {
	var n int
	err := q.get(ctx, &n, `
		SELECT COUNT(*) FROM orders
		WHERE resource_id = ? AND id <> ? AND status IN (?, ?, ?)`,
		resourceID, excludeID, models.OrderPending, models.OrderConfirmed, models.OrderActive)
	return n, err
}

// UpdateOrder persists status, payment status and notes if o.Version is still current.
func (q querier) UpdateOrder(ctx context.Context, o *models.Order) error {
	ts := now()
	err := q.execVersioned(ctx, `
		UPDATE orders
		SET status = ?, payment_status = ?, notes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		o.Status, o.PaymentStatus, o.Notes, ts, o.ID, o.Version)
	if err != nil {
		return err
	}
	o.Version++
	o.UpdatedAt = ts
	return nil
}

// OrderFilter selects a page of orders for one party.
type OrderFilter struct {
	RenterID string
	OwnerID  string
	Status   models.OrderStatus
	Limit    int
	Offset   int
}

// ListOrders returns one page of orders and the total matching count.
func (q querier) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, int, error) {
	where := ` WHERE 1 = 1`
	args := []interface{}{}
	if f.RenterID != "" {
		where += ` AND renter_id = ?`
		args = append(args, f.RenterID)
	}
	if f.OwnerID != "" {
		where += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, f.Status)
	}

	var total int
	if err := q.get(ctx, &total, `SELECT COUNT(*) FROM orders`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	orders := []models.Order{}
	err := q.selectAll(ctx, &orders, `SELECT `+orderColumns+` FROM orders`+where+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, total, nil
}

// ListUnpaidPendingOrders returns PENDING orders with no settled payment created before cutoff.
func (q querier) ListUnpaidPendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := q.selectAll(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND payment_status = ? AND created_at < ?
		ORDER BY created_at
		LIMIT ?`,
		models.OrderPending, models.OrderPaymentPending, cutoff.UTC().Truncate(time.Second), limit)
	return orders, err
}
