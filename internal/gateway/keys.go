package gateway

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/kluret-checkout/pkg/config"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	"github.com/shopspring/decimal"
)

// ValidatePublishableKey checks the public key matches the configured environment.
func ValidatePublishableKey(env, key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("gateway publishable key is required")
	}
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", config.GatewayEnvTest:
		if strings.HasPrefix(trimmed, "pk_test") {
			return nil
		}
		return fmt.Errorf("gateway environment %q requires a test publishable key (pk_test)", config.GatewayEnvTest)
	case config.GatewayEnvLive:
		if strings.HasPrefix(trimmed, "pk_live") {
			return nil
		}
		return fmt.Errorf("gateway environment %q requires a live publishable key (pk_live)", config.GatewayEnvLive)
	default:
		return fmt.Errorf("gateway environment must be %q or %q", config.GatewayEnvTest, config.GatewayEnvLive)
	}
}

// Registry resolves the adapter for a payment method.
type Registry struct {
	adapters map[enums.PaymentMethod]Adapter
}

// NewRegistry validates the publishable key and builds both adapter variants.
func NewRegistry(cfg config.GatewayConfig, redirectMinimum decimal.Decimal, b Backend) (*Registry, error) {
	if err := ValidatePublishableKey(cfg.Environment(), cfg.PublishableKey); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(cfg.PublishableKey)
	embedded, err := NewEmbedded(b, key)
	if err != nil {
		return nil, err
	}
	redirect, err := NewRedirect(b, key, redirectMinimum)
	if err != nil {
		return nil, err
	}
	return NewRegistryFromAdapters(embedded, redirect), nil
}

// NewRegistryFromAdapters indexes the provided adapters by method.
func NewRegistryFromAdapters(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[enums.PaymentMethod]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Method()] = a
		}
	}
	return r
}

// For returns the adapter for method.
func (r *Registry) For(method enums.PaymentMethod) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("gateway registry not configured")
	}
	a, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("no gateway adapter for method %q", method)
	}
	return a, nil
}
