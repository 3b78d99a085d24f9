package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mheaton/tollgate/internal/models"
	"github.com/mheaton/tollgate/internal/providers/fixtures"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	adapter, err := New(Options{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)
	return adapter
}

func TestChatConvertsMessageResponse(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		body, err := fixtures.Read("anthropic_message.json")
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})

	resp, err := adapter.Chat(context.Background(), models.ChatRequest{
		Model:    "claude-3-5-haiku-latest",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello from Claude.", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, int32(9), resp.Usage.PromptTokens)
	assert.Equal(t, int32(5), resp.Usage.CompletionTokens)
	assert.Equal(t, int32(14), resp.Usage.TotalTokens)
}

func TestChatStreamRelaysDeltasAndUsage(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := fixtures.Read("anthropic_stream.txt")
		require.NoError(t, err)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write(body)
	})

	chunks, cancel, err := adapter.ChatStream(context.Background(), models.ChatRequest{
		Model:    "claude-3-5-haiku-latest",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer cancel()

	var text strings.Builder
	var last models.ChatChunk
	for chunk := range chunks {
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
		last = chunk
	}

	assert.Equal(t, "Hello, world!", text.String())
	assert.Equal(t, "msg_stream_01", last.ID)
	require.Len(t, last.Choices, 1)
	assert.Equal(t, "stop", last.Choices[0].FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, int32(12), last.Usage.PromptTokens)
	assert.Equal(t, int32(7), last.Usage.CompletionTokens)
}

func TestChatStreamSurfacesAPIError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error"}}`))
	})

	_, _, err := adapter.ChatStream(context.Background(), models.ChatRequest{
		Model:    "claude-3-5-haiku-latest",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatus())
}

func TestChatStreamCancelStopsEarly(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := fixtures.Read("anthropic_stream.txt")
		require.NoError(t, err)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write(body)
	})

	chunks, cancel, err := adapter.ChatStream(context.Background(), models.ChatRequest{
		Model:    "claude-3-5-haiku-latest",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	<-chunks
	require.NoError(t, cancel())
	for range chunks {
		// drain whatever was already in flight
	}
}
