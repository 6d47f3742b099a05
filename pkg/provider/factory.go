package provider

import (
	"context"
	"fmt"

	"conductor/pkg/config"
)

// BuildRegistry constructs a registry of providers from configuration,
// resolving API keys through the secrets store. The shared token counter
// backs every provider's cost model.
func BuildRegistry(ctx context.Context, cfgs []config.ProviderCfg, counter *TokenCounter) (*Registry, error) {
	registry := NewRegistry()

	for i := range cfgs {
		cfg := &cfgs[i]
		p, err := build(ctx, cfg, counter)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func build(ctx context.Context, cfg *config.ProviderCfg, counter *TokenCounter) (Provider, error) {
	switch cfg.Kind {
	case config.ProviderOllama:
		return NewOllama(cfg, counter), nil
	case config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGemini:
		apiKey, err := config.GetSecret(cfg.APIKeySecret)
		if err != nil {
			return nil, fmt.Errorf("resolving api key: %w", err)
		}
		switch cfg.Kind {
		case config.ProviderAnthropic:
			return NewAnthropic(cfg, apiKey, counter), nil
		case config.ProviderOpenAI:
			return NewOpenAI(cfg, apiKey, counter), nil
		default:
			return NewGemini(ctx, cfg, apiKey, counter)
		}
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
