package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wabot/pkg/config"
)

func chatCompletionJSON(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]interface{}{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]interface{}{"role": "assistant", "content": content},
		}},
		"usage": map[string]interface{}{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
	})
	return string(b)
}

func TestOpenAIChatSendsOptionsAndImages(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionJSON("  a cat on a sofa \n")))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL, "", option.WithMaxRetries(0))
	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "what is this?", Images: []Image{{MimeType: "image/png", Data: []byte{1, 2, 3}}}},
	}, "", map[string]interface{}{"max_tokens": 80, "temperature": 0.8})
	require.NoError(t, err)

	assert.Equal(t, "a cat on a sofa", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 5, resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.EqualValues(t, 80, body["max_tokens"])
	assert.InDelta(t, 0.8, body["temperature"], 1e-9)
	msgs := body["messages"].([]interface{})
	require.Len(t, msgs, 2)
	parts := msgs[1].(map[string]interface{})["content"].([]interface{})
	require.Len(t, parts, 2)
	img := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})
	assert.Equal(t, "data:image/png;base64,AQID", img["url"])
}

func TestOpenAIErrorsAreClassified(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusUnauthorized, ErrNotConfigured},
		{http.StatusBadGateway, ErrUnavailable},
		{http.StatusBadRequest, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"x"}}`))
			}))
			defer srv.Close()

			p := NewOpenAIProvider("sk-test", srv.URL, "gpt-4o-mini", option.WithMaxRetries(0))
			_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestAnthropicChat(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest",
			"content":[{"type":"text","text":"Bonjour"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":4,"output_tokens":2}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("ak-test", srv.URL, "", anthropicoption.WithMaxRetries(0))
	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "translate"},
		{Role: RoleUser, Content: "hello"},
	}, "", map[string]interface{}{"max_tokens": 64})
	require.NoError(t, err)

	assert.Equal(t, "Bonjour", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
	assert.EqualValues(t, 64, body["max_tokens"])
	assert.Equal(t, "claude-3-5-haiku-latest", body["model"])
	system := body["system"].([]interface{})
	assert.Equal(t, "translate", system[0].(map[string]interface{})["text"])
}

func TestCreateProvider(t *testing.T) {
	cfg := config.Default().Providers

	_, err := CreateProvider(cfg)
	assert.ErrorIs(t, err, ErrNotConfigured)

	cfg.OpenAI.APIKey = "sk-test"
	p, err := CreateProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4o-mini", p.GetDefaultModel())

	cfg.Default = "moonshot"
	cfg.Moonshot.APIKey = "sk-moon"
	cfg.Moonshot.Model = "moonshot-v1-8k"
	p, err = CreateProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "moonshot-v1-8k", p.GetDefaultModel())

	cfg.Default = "anthropic"
	_, err = CreateProvider(cfg)
	assert.ErrorIs(t, err, ErrNotConfigured)

	cfg.Default = "gemini"
	_, err = CreateProvider(cfg)
	assert.Error(t, err)
}
