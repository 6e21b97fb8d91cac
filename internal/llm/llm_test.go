package llm_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionmemory/compmem/internal/llm"
)

func newTestClient(t *testing.T, handler http.Handler) *llm.AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})
	require.NoError(t, err)
	return client
}

func TestAnthropicComplete(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Messages  []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-5-haiku", req.Model)
		assert.Greater(t, req.MaxTokens, 0)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.Equal(t, "Summarize my week", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"You had a busy week."}]}`))
	}))

	text, err := client.Complete(t.Context(), "Summarize my week")
	require.NoError(t, err)
	assert.Equal(t, "You had a busy week.", text)
}

func TestAnthropicCompleteAPIError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid model"}}`))
	}))

	_, err := client.Complete(t.Context(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint returned 400")
}

func TestAnthropicCompleteEmptyContent(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[]}`))
	}))

	_, err := client.Complete(t.Context(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty completion")
}

func TestAnthropicCompleteRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"recovered"}]}`))
	}))

	text, err := client.Complete(t.Context(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := llm.NewAnthropicClient(llm.AnthropicConfig{})
	require.Error(t, err)
}

func TestAnthropicDefaultModel(t *testing.T) {
	client, err := llm.NewAnthropicClient(llm.AnthropicConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-haiku", client.Model())

	client, err = llm.NewAnthropicClient(llm.AnthropicConfig{APIKey: "k", Model: "claude-sonnet-4-0"})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-0", client.Model())
}

func TestStubRecordsPrompts(t *testing.T) {
	stub := llm.NewStub("canned answer")

	text, err := stub.Complete(t.Context(), "first prompt")
	require.NoError(t, err)
	assert.Equal(t, "canned answer", text)

	_, err = stub.Complete(t.Context(), "second prompt")
	require.NoError(t, err)
	assert.Equal(t, []string{"first prompt", "second prompt"}, stub.Prompts())
}

func TestStubFail(t *testing.T) {
	stub := llm.NewStub("")
	stub.Fail(errors.New("model overloaded"))

	_, err := stub.Complete(t.Context(), "prompt")
	require.Error(t, err)
	assert.Empty(t, stub.Prompts())
}

func TestStubDefaultResponse(t *testing.T) {
	stub := llm.NewStub("")
	text, err := stub.Complete(t.Context(), "prompt")
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}

func TestClientImplementations(t *testing.T) {
	var _ llm.Client = (*llm.AnthropicClient)(nil)
	var _ llm.Client = (*llm.Stub)(nil)
}
