package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGLMAdapter_Chat_Streaming_TranslatesToAnthropicSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/paas/v4/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer glm-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"glm-4.6\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"reasoning_content\":\"thinking...\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hello\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)

	a := NewGLMAdapter(Config{BaseURL: server.URL})
	ch, err := a.Chat(context.Background(), &Request{
		APIKey: "glm-test", Model: "glm-4.6", Body: []byte(`{"model":"glm-4.6","messages":[]}`),
	})
	require.NoError(t, err)

	var out strings.Builder
	for c := range ch {
		require.NoError(t, c.Err)
		out.Write(c.Data)
	}

	rendered := out.String()
	assert.Contains(t, rendered, "event: message_start")
	assert.Contains(t, rendered, "thinking_delta")
	assert.Contains(t, rendered, "\"text\":\"hello\"")
	assert.Contains(t, rendered, "event: message_stop")
}

func TestGLMAdapter_Chat_NonStreaming_TranslatesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"glm-4.6","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`)
	}))
	t.Cleanup(server.Close)

	a := NewGLMAdapter(Config{BaseURL: server.URL})
	ch, err := a.Chat(context.Background(), &Request{
		APIKey: "glm-test", Model: "glm-4.6", Body: []byte(`{"model":"glm-4.6","stream":false,"messages":[]}`),
	})
	require.NoError(t, err)

	var chunk Chunk
	for c := range ch {
		chunk = c
	}
	require.NoError(t, chunk.Err)
	assert.Contains(t, string(chunk.Data), "hi there")
	assert.Contains(t, string(chunk.Data), "\"stop_reason\":\"end_turn\"")
}

func TestGLMAdapter_Chat_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))
	t.Cleanup(server.Close)

	a := NewGLMAdapter(Config{BaseURL: server.URL})
	_, err := a.Chat(context.Background(), &Request{
		APIKey: "bad", Model: "glm-4.6", Body: []byte(`{"model":"glm-4.6","messages":[]}`),
	})
	require.Error(t, err)
}

func TestGLMAdapter_Name(t *testing.T) {
	a := NewGLMAdapter(Config{})
	assert.Equal(t, "glm", a.Name())
}
