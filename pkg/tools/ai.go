package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/logger"
	"github.com/sipeed/wabot/pkg/providers"
)

const (
	minAITokens = 80
	maxAITokens = 512
)

// aiTools groups the capabilities backed by the configured LLM.
type aiTools struct {
	deps Deps
}

func (a *aiTools) ask(ctx context.Context, req capability.Request) (capability.Result, error) {
	prompt := strings.TrimSpace(req.Args.Get("prompt"))
	if prompt == "" {
		return capability.Result{}, capability.Fail(capability.InvalidInput, "What would you like to ask?", nil)
	}
	return a.chat(ctx, req, []providers.Message{
		{Role: providers.RoleSystem, Content: a.deps.SystemPrompt},
		{Role: providers.RoleUser, Content: prompt},
	})
}

func (a *aiTools) translate(ctx context.Context, req capability.Request) (capability.Result, error) {
	lang, text := req.Args.Get("lang"), strings.TrimSpace(req.Args.Get("text"))
	if lang == "" || text == "" {
		return capability.Result{}, capability.Fail(capability.InvalidInput,
			"Try \"translate to spanish: good morning\".", nil)
	}
	return a.chat(ctx, req, []providers.Message{
		{Role: providers.RoleSystem, Content: fmt.Sprintf(
			"Translate the user's message into %s. Reply with the translation only.", lang)},
		{Role: providers.RoleUser, Content: text},
	})
}

func (a *aiTools) describe(files *fileReader) capability.HandlerFunc {
	return func(ctx context.Context, req capability.Request) (capability.Result, error) {
		if req.Attachment != nil && !req.Attachment.IsImage() {
			return capability.Result{}, capability.Fail(capability.InvalidInput, "I can only describe pictures.", nil)
		}
		if a.deps.LLM == nil {
			return capability.Result{}, errAIDisabled
		}
		data, err := files.read(req.Attachment)
		if err != nil {
			return capability.Result{}, err
		}
		return a.chat(ctx, req, []providers.Message{
			{Role: providers.RoleSystem, Content: "Describe the picture in two or three friendly sentences."},
			{
				Role:    providers.RoleUser,
				Content: "What is in this picture?",
				Images:  []providers.Image{{MimeType: req.Attachment.MimeType, Data: data}},
			},
		})
	}
}

var errAIDisabled = capability.Fail(capability.Unsupported, "AI features aren't set up on this bot.", providers.ErrNotConfigured)

func (a *aiTools) chat(ctx context.Context, req capability.Request, msgs []providers.Message) (capability.Result, error) {
	if a.deps.LLM == nil {
		return capability.Result{}, errAIDisabled
	}
	if msgs[0].Role == providers.RoleSystem && msgs[0].Content == "" {
		msgs = msgs[1:]
	}

	resp, err := a.deps.LLM.Chat(ctx, msgs, a.deps.Model, map[string]interface{}{
		"max_tokens":  clampTokens(a.deps.MaxTokens),
		"temperature": a.deps.Temperature,
	})
	if err != nil {
		return capability.Result{}, llmFailure(err)
	}
	if resp.Usage != nil {
		logger.DebugCF("tools", "LLM call finished", map[string]interface{}{
			"task_id":  req.TaskID,
			"provider": a.deps.LLM.Name(),
			"tokens":   resp.Usage.TotalTokens,
		})
	}
	if strings.TrimSpace(resp.Content) == "" {
		return capability.Result{}, capability.Fail(capability.UpstreamUnavailable, "", providers.ErrEmptyResponse)
	}
	return capability.Result{Text: resp.Content}, nil
}

func clampTokens(n int) int {
	switch {
	case n <= 0:
		return 256
	case n < minAITokens:
		return minAITokens
	case n > maxAITokens:
		return maxAITokens
	}
	return n
}

// llmFailure maps provider errors onto capability failures. Context errors
// pass through untouched.
func llmFailure(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, providers.ErrNotConfigured):
		return capability.Fail(capability.Unsupported, "AI features aren't set up on this bot.", err)
	case errors.Is(err, providers.ErrRateLimited):
		return capability.Fail(capability.QuotaExceeded, "", err)
	case errors.Is(err, providers.ErrRejected):
		return capability.Fail(capability.InvalidInput, "The AI couldn't handle that request.", err)
	default:
		return capability.Fail(capability.UpstreamUnavailable, "", err)
	}
}
