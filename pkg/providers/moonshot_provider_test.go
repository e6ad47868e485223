package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/v3/option"
)

// TestMoonshotProviderCreation verifies Moonshot provider can be created
func TestMoonshotProviderCreation(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
	}{
		{
			name:   "valid API key",
			apiKey: "sk-test-key-12345",
		},
		{
			name:   "empty API key",
			apiKey: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := NewMoonshotProvider(tt.apiKey)
			if provider == nil {
				t.Fatal("expected non-nil provider")
			}

			defaultModel := provider.GetDefaultModel()
			if defaultModel != "moonshot-v1-32k" {
				t.Errorf("expected default model moonshot-v1-32k, got %s", defaultModel)
			}
			if provider.Name() != "moonshot" {
				t.Errorf("expected name moonshot, got %s", provider.Name())
			}
		})
	}
}

// TestMoonshotProviderWithCustomBase verifies requests go to the custom API base
func TestMoonshotProviderWithCustomBase(t *testing.T) {
	var gotPath, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionJSON("你好")))
	}))
	defer srv.Close()

	provider := NewMoonshotProviderWithBase("sk-test", srv.URL+"/v1", option.WithMaxRetries(0))
	resp, err := provider.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("expected /v1/chat/completions, got %s", gotPath)
	}
	if gotModel != "moonshot-v1-32k" {
		t.Errorf("expected default model in request, got %s", gotModel)
	}
	if resp.Content != "你好" {
		t.Errorf("unexpected content %q", resp.Content)
	}
}

// TestMoonshotProviderImplementsInterface verifies interface compliance
func TestMoonshotProviderImplementsInterface(t *testing.T) {
	var _ LLMProvider = (*MoonshotProvider)(nil)
}
