package redisclient

import (
	"encoding/json"
	"testing"

	"rental-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedPaymentKeepsVersion(t *testing.T) {
	p := &models.Payment{ID: "p1", Status: models.PaymentSuccess, Amount: 15000, Version: 4}

	data, err := json.Marshal(fromModel(p))
	require.NoError(t, err)

	var decoded cachedPayment
	require.NoError(t, json.Unmarshal(data, &decoded))

	got := decoded.model()
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, models.PaymentSuccess, got.Status)
	assert.Equal(t, int64(15000), got.Amount)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "payment:abc", paymentKey("abc"))
	assert.Equal(t, "lock:ledger-sweep", lockKey("ledger-sweep"))
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	_, err := NewClient("127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
