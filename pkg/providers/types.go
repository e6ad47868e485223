package providers

import (
	"context"
	"errors"
	"net/http"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Image is an inline image part of a user message.
type Image struct {
	MimeType string
	Data     []byte
}

type Message struct {
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Images  []Image `json:"-"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// LLMProvider is a chat-completion backend. Recognised options are
// "max_tokens" (int) and "temperature" (float64).
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
	Name() string
}

var (
	ErrNotConfigured = errors.New("provider not configured")
	ErrRateLimited   = errors.New("provider rate limited")
	ErrUnavailable   = errors.New("provider unavailable")
	ErrRejected      = errors.New("provider rejected the request")
	ErrEmptyResponse = errors.New("provider returned no content")
)

// classifyStatus maps an upstream HTTP status to one of the sentinel errors.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrNotConfigured
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrRejected
	}
}

func intOption(options map[string]interface{}, key string) (int64, bool) {
	switch v := options[key].(type) {
	case int:
		return int64(v), v > 0
	case int64:
		return v, v > 0
	case float64:
		return int64(v), v > 0
	}
	return 0, false
}

func floatOption(options map[string]interface{}, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
