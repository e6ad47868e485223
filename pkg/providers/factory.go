package providers

import (
	"fmt"

	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/logger"
)

// CreateProvider builds the configured default provider. A provider without
// an API key yields ErrNotConfigured so callers can disable the AI
// capabilities instead of failing startup.
func CreateProvider(cfg config.ProvidersConfig) (LLMProvider, error) {
	name := cfg.Default
	if name == "" {
		name = "openai"
	}

	var p LLMProvider
	switch name {
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai: %w", ErrNotConfigured)
		}
		p = NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.APIBase, cfg.OpenAI.Model)
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic: %w", ErrNotConfigured)
		}
		p = NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.APIBase, cfg.Anthropic.Model)
	case "moonshot":
		if cfg.Moonshot.APIKey == "" {
			return nil, fmt.Errorf("moonshot: %w", ErrNotConfigured)
		}
		p = newMoonshotProvider(cfg.Moonshot.APIKey, cfg.Moonshot.APIBase, cfg.Moonshot.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	logger.InfoCF("providers", "LLM provider ready", map[string]interface{}{
		"provider": p.Name(),
		"model":    p.GetDefaultModel(),
	})
	return p, nil
}
