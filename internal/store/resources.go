package store

import (
	"context"
	"fmt"

	"rental-service/internal/models"
)

const resourceColumns = `id, owner_id, price, deposit_amount, status, created_at, updated_at`

// CreateResource inserts a catalog row. Used for seeding; the catalog owns these records.
func (q querier) CreateResource(ctx context.Context, r *models.Resource) error {
	ts := now()
	if r.Status == "" {
		r.Status = models.ResourceAvailable
	}
	r.CreatedAt, r.UpdatedAt = ts, ts

	_, err := q.exec(ctx, `
		INSERT INTO resources (`+resourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.Price, r.DepositAmount, r.Status, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

// GetResource retrieves a resource by ID
func (q querier) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	var r models.Resource
	if err := q.get(ctx, &r, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetResourceForUpdate reads the resource and locks the row for the rest of the transaction.
func (q querier) GetResourceForUpdate(ctx context.Context, id string) (*models.Resource, error) {
	var r models.Resource
	if err := q.get(ctx, &r, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`+q.forUpdate, id); err != nil {
		return nil, err
	}
	return &r, nil
}

// SetResourceStatus writes the ledger flag.
func (q querier) SetResourceStatus(ctx context.Context, id string, status models.ResourceStatus) error {
	res, err := q.exec(ctx, `UPDATE resources SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update resource status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrphanedRentedResources returns RENTED resources with no holding order.
func (q querier) ListOrphanedRentedResources(ctx context.Context) ([]models.Resource, error) {
	var resources []models.Resource
	err := q.selectAll(ctx, &resources, `
		SELECT `+resourceColumns+` FROM resources r
		WHERE r.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM orders o
			WHERE o.resource_id = r.id AND o.status IN (?, ?, ?)
		  )
		ORDER BY r.id`,
		models.ResourceRented, models.OrderPending, models.OrderConfirmed, models.OrderActive)
	return resources, err
}
