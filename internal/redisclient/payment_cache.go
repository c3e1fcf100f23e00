package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rental-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// PaymentCache is a read-through accelerator for payment records. The
// database row stays authoritative; entries are dropped after every write.
type PaymentCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPaymentCache creates a cache whose entries expire after ttl.
func NewPaymentCache(c *Client, ttl time.Duration) *PaymentCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PaymentCache{rdb: c.rdb, ttl: ttl}
}

func paymentKey(id string) string {
	return fmt.Sprintf("payment:%s", id)
}

// Get returns nil without error on a miss.
func (pc *PaymentCache) Get(ctx context.Context, id string) (*models.Payment, error) {
	data, err := pc.rdb.Get(ctx, paymentKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached payment: %w", err)
	}

	var p cachedPayment
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode cached payment: %w", err)
	}
	return p.model(), nil
}

// Set stores p until the TTL expires.
func (pc *PaymentCache) Set(ctx context.Context, p *models.Payment) error {
	data, err := json.Marshal(fromModel(p))
	if err != nil {
		return fmt.Errorf("encode payment: %w", err)
	}
	return pc.rdb.Set(ctx, paymentKey(p.ID), data, pc.ttl).Err()
}

// Invalidate removes a payment from the cache.
func (pc *PaymentCache) Invalidate(ctx context.Context, id string) error {
	return pc.rdb.Del(ctx, paymentKey(id)).Err()
}

// cachedPayment keeps fields hidden from the API (such as the version) in the cache.
type cachedPayment struct {
	models.Payment
	Version int64 `json:"version"`
}

func fromModel(p *models.Payment) cachedPayment {
	return cachedPayment{Payment: *p, Version: p.Version}
}

func (c cachedPayment) model() *models.Payment {
	p := c.Payment
	p.Version = c.Version
	return &p
}
