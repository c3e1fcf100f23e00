package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("PENDING_ORDER_TTL_MINUTES", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Business.BookingMaxAttempts)
	assert.Zero(t, cfg.Business.PendingOrderTTL)
	assert.Equal(t, []string{"alipay", "wechat", "mock"}, cfg.Payment.ProviderOrder)
	assert.Equal(t, 3*time.Second, cfg.Payment.ConnectTimeout)
	assert.True(t, cfg.Payment.Mock.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PENDING_ORDER_TTL_MINUTES", "45")
	t.Setenv("PAYMENT_PROVIDER_ORDER", "wechat,mock")
	t.Setenv("ALIPAY_PRODUCTION", "true")
	t.Setenv("WEBHOOK_RATE_LIMIT", "2.5")

	cfg := Load()

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 45*time.Minute, cfg.Business.PendingOrderTTL)
	assert.Equal(t, []string{"wechat", "mock"}, cfg.Payment.ProviderOrder)
	assert.True(t, cfg.Payment.Alipay.IsProduction)
	assert.InDelta(t, 2.5, cfg.Business.WebhookRateLimit, 0.0001)
}
