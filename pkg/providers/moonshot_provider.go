package providers

import (
	"context"

	"github.com/openai/openai-go/v3/option"
)

const (
	defaultMoonshotBase  = "https://api.moonshot.cn/v1"
	defaultMoonshotModel = "moonshot-v1-32k"
)

// MoonshotProvider is a provider for Moonshot AI API
// (Chinese LLM provider: https://www.moonshot.cn/)
// Moonshot uses OpenAI-compatible API format
type MoonshotProvider struct {
	compat *OpenAIProvider
}

// NewMoonshotProvider creates a new Moonshot provider
func NewMoonshotProvider(apiKey string) *MoonshotProvider {
	return NewMoonshotProviderWithBase(apiKey, "")
}

// NewMoonshotProviderWithBase creates a new Moonshot provider with custom API base
func NewMoonshotProviderWithBase(apiKey, apiBase string, opts ...option.RequestOption) *MoonshotProvider {
	return newMoonshotProvider(apiKey, apiBase, "", opts...)
}

func newMoonshotProvider(apiKey, apiBase, model string, opts ...option.RequestOption) *MoonshotProvider {
	if apiBase == "" {
		apiBase = defaultMoonshotBase
	}
	return &MoonshotProvider{
		compat: newOpenAICompatible("moonshot", apiKey, apiBase, model, defaultMoonshotModel, opts...),
	}
}

// Chat sends a request to Moonshot API
func (p *MoonshotProvider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	return p.compat.Chat(ctx, messages, model, options)
}

// GetDefaultModel returns the default Moonshot model
func (p *MoonshotProvider) GetDefaultModel() string {
	return p.compat.GetDefaultModel()
}

func (p *MoonshotProvider) Name() string { return "moonshot" }

// Ensure MoonshotProvider implements LLMProvider interface
var _ LLMProvider = (*MoonshotProvider)(nil)
