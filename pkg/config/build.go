package config

import (
	"fmt"

	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/router"
	"github.com/zen-systems/autoos/pkg/schema"
)

// AdapterFactory creates the adapter serving a provider.
type AdapterFactory func(provider, apiKey string) (adapter.Adapter, error)

// DefaultAdapterFactory builds the real provider adapters. The mock
// provider answers every prompt with a confident echo.
func DefaultAdapterFactory(provider, apiKey string) (adapter.Adapter, error) {
	switch provider {
	case "anthropic":
		a, err := adapter.NewAnthropicAdapter(apiKey)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "openai":
		a, err := adapter.NewOpenAIAdapter(apiKey)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "google":
		a, err := adapter.NewGoogleAdapter(apiKey)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "deepseek":
		a, err := adapter.NewDeepSeekAdapter(apiKey)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "mock":
		return adapter.NewNamedMock("mock", "mock-1").WithResponder(func(req adapter.Request) adapter.MockReply {
			return adapter.MockReply{Text: "mock response:\n" + req.Prompt, Confidence: adapter.Confidence(0.9)}
		}), nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

// BuildRegistry registers every configured profile whose provider has
// credentials. The ids of profiles left out are returned as skipped.
func BuildRegistry(cfg *Config, factory AdapterFactory) (*router.Registry, []string, error) {
	if factory == nil {
		factory = DefaultAdapterFactory
	}
	providers := cfg.Providers
	if providers == nil {
		providers = DefaultProvidersConfig()
	}

	reg := router.NewRegistry()
	adapters := make(map[string]adapter.Adapter)
	var skipped []string
	for _, p := range providers.Profiles {
		model := providers.Catalog.Resolve(p.Model)
		if !cfg.HasAdapter(p.Provider) {
			skipped = append(skipped, router.ProfileID(p.Provider, model))
			continue
		}
		a, ok := adapters[p.Provider]
		if !ok {
			var err error
			a, err = factory(p.Provider, cfg.APIKey(p.Provider))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create %s adapter: %w", p.Provider, err)
			}
			adapters[p.Provider] = a
		}
		profile := router.ProviderProfile{
			Provider:    p.Provider,
			Model:       model,
			Roles:       p.Roles,
			Reliability: p.Reliability,
			Pricing:     providers.Pricing.Lookup(p.Provider, model),
		}
		if err := reg.Register(profile, a); err != nil {
			return nil, nil, err
		}
	}
	return reg, skipped, nil
}

// RoleTable returns the built-in role table with configured overrides.
func (c *ProvidersConfig) RoleTable() schema.RoleTable {
	return schema.DefaultRoleTable().Merge(c.Roles)
}
