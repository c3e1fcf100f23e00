package payment

import (
	"context"
	"fmt"

	"rental-service/config"

	"go.uber.org/zap"
)

// NewProvider creates a provider by id.
func NewProvider(ctx context.Context, id ProviderID, cfg config.PaymentConfig) (Provider, error) {
	timeouts := Timeouts{Connect: cfg.ConnectTimeout, Read: cfg.ReadTimeout}

	switch id {
	case ProviderAlipay:
		return NewAlipayProvider(cfg.Alipay, timeouts)
	case ProviderWechat:
		return NewWechatProvider(ctx, cfg.Wechat, timeouts)
	case ProviderMock:
		return NewMockProvider(cfg.Mock.Secret), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider: %s", id)
	}
}

// BuildRegistry creates the providers named in cfg.ProviderOrder. Providers
// whose credentials fail to load stay registered but unconfigured. The mock
// is appended last when enabled and not already listed.
func BuildRegistry(ctx context.Context, cfg config.PaymentConfig, logger *zap.Logger) *Registry {
	var providers []Provider
	order := cfg.ProviderOrder
	if cfg.Mock.Enabled {
		order = append(append([]string{}, order...), string(ProviderMock))
	}

	for _, name := range order {
		id := ProviderID(name)
		if id == ProviderMock && !cfg.Mock.Enabled {
			continue
		}
		p, err := NewProvider(ctx, id, cfg)
		if err != nil {
			logger.Warn("Payment provider unavailable", zap.String("provider", name), zap.Error(err))
		}
		if p != nil {
			providers = append(providers, p)
		}
	}

	registry := NewRegistry(providers...)
	for _, p := range registry.providers {
		logger.Info("Payment provider registered",
			zap.String("provider", string(p.Name())),
			zap.Bool("configured", p.IsConfigured()))
	}
	return registry
}
