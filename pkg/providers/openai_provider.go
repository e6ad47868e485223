package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider talks to the OpenAI chat completions API or any
// OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client       openai.Client
	name         string
	defaultModel string
}

// NewOpenAIProvider creates a provider. An empty apiBase uses api.openai.com.
func NewOpenAIProvider(apiKey, apiBase, model string, opts ...option.RequestOption) *OpenAIProvider {
	return newOpenAICompatible("openai", apiKey, apiBase, model, defaultOpenAIModel, opts...)
}

func newOpenAICompatible(name, apiKey, apiBase, model, fallback string, opts ...option.RequestOption) *OpenAIProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if apiBase != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(apiBase, "/")+"/"))
	}
	reqOpts = append(reqOpts, opts...)
	if model == "" {
		model = fallback
	}
	return &OpenAIProvider{
		client:       openai.NewClient(reqOpts...),
		name:         name,
		defaultModel: model,
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%s: no messages", p.name)
	}
	if model == "" {
		model = p.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		params.Messages = append(params.Messages, toOpenAIMessage(m))
	}
	if n, ok := intOption(options, "max_tokens"); ok {
		params.MaxTokens = openai.Int(n)
	}
	if t, ok := floatOption(options, "temperature"); ok {
		params.Temperature = openai.Float(t)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}

	choice := completion.Choices[0]
	return &LLMResponse{
		Content:      strings.TrimSpace(choice.Message.Content),
		FinishReason: string(choice.FinishReason),
		Usage: &UsageInfo{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

func (p *OpenAIProvider) GetDefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w: %v", p.name, classifyStatus(apiErr.StatusCode), err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", p.name, ErrUnavailable, err)
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case RoleSystem:
		return openai.SystemMessage(m.Content)
	case RoleAssistant:
		return openai.AssistantMessage(m.Content)
	}
	if len(m.Images) == 0 {
		return openai.UserMessage(m.Content)
	}
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, openai.TextContentPart(m.Content))
	}
	for _, img := range m.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL(img),
		}))
	}
	return openai.UserMessage(parts)
}

func dataURL(img Image) string {
	return "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

var _ LLMProvider = (*OpenAIProvider)(nil)
