package adapters

import (
	"strings"

	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/provider/adapters/predictions"
	"github.com/smallbiznis/genledger/internal/provider/domain"
)

// Registry holds the provider adapters this process can talk to. The default adapter
// receives new submissions; every registered adapter can resolve and notify.
type Registry struct {
	adapters    map[string]domain.Provider
	defaultName string
}

// NewStaticRegistry registers ready-made adapters; the first one is the default.
func NewStaticRegistry(providers ...domain.Provider) *Registry {
	registry := &Registry{adapters: map[string]domain.Provider{}}
	for _, p := range providers {
		if p == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p.Name()))
		if name == "" {
			continue
		}
		if registry.defaultName == "" {
			registry.defaultName = name
		}
		registry.adapters[name] = p
	}
	return registry
}

// NewRegistry builds the configured adapter from the known factories.
func NewRegistry(cfg config.Config, clk clock.Clock, factories ...domain.AdapterFactory) (*Registry, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider.Name))
	for _, factory := range factories {
		if factory == nil || strings.ToLower(factory.Provider()) != name {
			continue
		}
		adapter, err := factory.NewAdapter(domain.AdapterConfig{
			BaseURL:       cfg.Provider.BaseURL,
			APIToken:      cfg.Provider.APIToken,
			WebhookSecret: cfg.Provider.WebhookSecret,
			Timeout:       cfg.Provider.Timeout,
			Clock:         clk,
		})
		if err != nil {
			return nil, err
		}
		return NewStaticRegistry(adapter), nil
	}
	return nil, domain.ErrProviderNotFound
}

// DefaultFactories lists the adapters compiled into the binary.
func DefaultFactories() []domain.AdapterFactory {
	return []domain.AdapterFactory{predictions.NewFactory()}
}

func (r *Registry) Get(name string) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	p, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return p, nil
}

func (r *Registry) Default() (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	return r.Get(r.defaultName)
}
