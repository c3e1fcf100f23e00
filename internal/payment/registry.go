package payment

import (
	"rental-service/internal/apperr"
)

// Registry holds the providers in priority order.
type Registry struct {
	providers []Provider
	byName    map[ProviderID]Provider
}

// NewRegistry keeps the first provider registered under each name.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byName: make(map[ProviderID]Provider)}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if _, dup := r.byName[p.Name()]; dup {
			continue
		}
		r.providers = append(r.providers, p)
		r.byName[p.Name()] = p
	}
	return r
}

// Get returns a provider by name regardless of whether it is configured.
func (r *Registry) Get(id ProviderID) (Provider, bool) {
	p, ok := r.byName[id]
	return p, ok
}

// Select picks the provider for a new payment. An explicit request must name
// a configured provider. Otherwise the first configured non-mock provider in
// priority order wins, falling back to the mock.
func (r *Registry) Select(requested ProviderID) (Provider, error) {
	if requested != "" {
		p, ok := r.byName[requested]
		if !ok || !p.IsConfigured() {
			return nil, apperr.New(apperr.ErrProviderNotConfigured, "payment provider %q is not configured", requested)
		}
		return p, nil
	}

	for _, p := range r.providers {
		if p.Name() != ProviderMock && p.IsConfigured() {
			return p, nil
		}
	}
	if p, ok := r.byName[ProviderMock]; ok && p.IsConfigured() {
		return p, nil
	}
	return nil, apperr.New(apperr.ErrProviderNotConfigured, "no payment provider is configured")
}

// Mock returns the mock provider when it is registered.
func (r *Registry) Mock() (*MockProvider, bool) {
	p, ok := r.byName[ProviderMock]
	if !ok {
		return nil, false
	}
	m, ok := p.(*MockProvider)
	return m, ok
}

// Names lists registered providers in priority order.
func (r *Registry) Names() []ProviderID {
	names := make([]ProviderID, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}
