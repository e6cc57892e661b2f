package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIComplete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"The X2 ships in three days."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL+"/v1", "gpt-4o-mini", 0)
	text, err := p.Complete(context.Background(), CompletionRequest{
		System:      "You are a sales assistant.",
		Prompt:      "When does the X2 ship?",
		Temperature: 0.7,
		MaxTokens:   128,
	})
	require.NoError(t, err)
	assert.Equal(t, "The X2 ships in three days.", text)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 128, got.MaxTokens)
	assert.Nil(t, got.ResponseFormat)
}

func TestOpenAICompleteJSON(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"action\":\"propose_next_step\"}"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "gpt-4o-mini", 0)
	schema := map[string]any{"type": "object"}
	raw, err := p.CompleteJSON(context.Background(), CompletionRequest{Prompt: "next?"}, schema)
	require.NoError(t, err)

	var parsed struct {
		Action string `json:"action"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "propose_next_step", parsed.Action)

	// Schema travels as strict response_format.
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_schema", got.ResponseFormat["type"])
}

func TestOpenAIErrors(t *testing.T) {
	t.Run("api error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
		}))
		defer srv.Close()

		p := NewOpenAIProvider("k", srv.URL, "gpt-4o-mini", 0)
		_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limited")
	})

	t.Run("no choices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()

		p := NewOpenAIProvider("k", srv.URL, "gpt-4o-mini", 0)
		_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
		assert.Error(t, err)
	})
}
