package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 512
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

func NewAnthropicProvider(apiKey, apiBase, model string, opts ...option.RequestOption) *AnthropicProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if apiBase != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(apiBase, "/")+"/"))
	}
	reqOpts = append(reqOpts, opts...)
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(reqOpts...),
		defaultModel: model,
	}
}

// Chat sends messages to the Messages API. System messages are folded into
// the top-level system prompt.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	if model == "" {
		model = p.defaultModel
	}
	maxTokens, ok := intOption(options, "max_tokens")
	if !ok {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropicBlocks(m)...))
		}
	}
	if len(params.Messages) == 0 {
		return nil, fmt.Errorf("anthropic: no messages")
	}
	if t, ok := floatOption(options, "temperature"); ok {
		params.Temperature = anthropic.Float(t)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("anthropic: %w: %v", classifyStatus(apiErr.StatusCode), err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("anthropic: %w: %v", ErrUnavailable, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &LLMResponse{
		Content:      strings.TrimSpace(text.String()),
		FinishReason: string(msg.StopReason),
		Usage:        &UsageInfo{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

func anthropicBlocks(m Message) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Images)+1)
	for _, img := range m.Images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, base64.StdEncoding.EncodeToString(img.Data)))
	}
	if m.Content != "" || len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(m.Content))
	}
	return blocks
}

func (p *AnthropicProvider) GetDefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Name() string { return "anthropic" }

var _ LLMProvider = (*AnthropicProvider)(nil)
