package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-assistant/internal/config"
	"github.com/book-expert/voice-assistant/internal/llm"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func completionBody(content, finish string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gemini-2.5-flash",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": finish,
		}},
		"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 5, "total_tokens": 8},
	})

	return string(body)
}

func newClient(t *testing.T, url string, mutate func(*config.ResponderConfig)) *llm.Client {
	t.Helper()

	cfg := config.ResponderConfig{
		BaseURL:        url + "/",
		APIKey:         "test-key",
		Model:          "gemini-2.5-flash",
		TimeoutSeconds: 5,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return llm.NewClient(cfg, newTestLogger(t))
}

func TestClient_Respond(t *testing.T) {
	t.Parallel()

	var received openai.ChatCompletionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("  Hi! How can I help?\n", "stop")))
	}))
	defer server.Close()

	client := newClient(t, server.URL, func(cfg *config.ResponderConfig) {
		cfg.SystemPrompt = "Answer briefly."
		cfg.Temperature = 0.4
		cfg.MaxTokens = 256
	})

	reply, err := client.Respond(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi! How can I help?", reply)

	assert.Equal(t, "gemini-2.5-flash", received.Model)
	assert.Equal(t, 256, received.MaxTokens)
	assert.InDelta(t, 0.4, received.Temperature, 1e-6)
	require.Len(t, received.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, received.Messages[0].Role)
	assert.Equal(t, "Answer briefly.", received.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, received.Messages[1].Role)
	assert.Equal(t, "Hello", received.Messages[1].Content)
}

func TestClient_Respond_WithoutSystemPrompt(t *testing.T) {
	t.Parallel()

	var received openai.ChatCompletionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("ok", "stop")))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL, nil).Respond(context.Background(), "ping")
	require.NoError(t, err)

	require.Len(t, received.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, received.Messages[0].Role)
}

func TestClient_Respond_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{
			name:    "empty content",
			status:  http.StatusOK,
			body:    completionBody("   ", "length"),
			wantErr: llm.ErrEmptyContent,
		},
		{
			name:    "no choices",
			status:  http.StatusOK,
			body:    `{"id":"x","object":"chat.completion","choices":[]}`,
			wantErr: llm.ErrNoChoices,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newClient(t, server.URL, nil).Respond(context.Background(), "Hello")
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_Respond_APIError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"rate_limit"}}`))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL, nil).Respond(context.Background(), "Hello")
	require.Error(t, err)

	var apiErr *openai.APIError

	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatusCode)
}

func TestClient_Respond_Timeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := newClient(t, server.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Respond(ctx, "Hello")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
