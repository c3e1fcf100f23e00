// Package storetest opens throwaway sqlite stores for tests.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"rental-service/internal/models"
	"rental-service/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// New returns a migrated in-memory store that is closed when the test ends.
func New(t testing.TB) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_txlock=immediate&_busy_timeout=5000", uuid.NewString())
	s, err := store.NewStore(string(store.DialectSQLite), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// SeedResource inserts an AVAILABLE resource owned by ownerID.
func SeedResource(t testing.TB, s *store.Store, ownerID string, price, deposit int64) *models.Resource {
	t.Helper()

	r := &models.Resource{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Price:         price,
		DepositAmount: deposit,
		Status:        models.ResourceAvailable,
	}
	require.NoError(t, s.CreateResource(context.Background(), r))
	return r
}
