package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIAdapter_Chat_NonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`)
	}))
	t.Cleanup(server.Close)

	a := NewOpenAIAdapter(Config{BaseURL: server.URL})
	ch, err := a.Chat(context.Background(), &Request{
		APIKey: "sk-test", Model: "gpt-4o", Body: []byte(`{"model":"gpt-4o","messages":[]}`),
	})
	require.NoError(t, err)

	var chunk Chunk
	for c := range ch {
		chunk = c
	}
	require.NoError(t, chunk.Err)
	assert.Contains(t, string(chunk.Data), "chatcmpl-1")
}

func TestOpenAIAdapter_Chat_Streaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)

	a := NewOpenAIAdapter(Config{BaseURL: server.URL})
	ch, err := a.Chat(context.Background(), &Request{
		APIKey: "sk-test", Model: "gpt-4o", Body: []byte(`{"model":"gpt-4o","stream":true,"messages":[]}`),
	})
	require.NoError(t, err)

	var out []byte
	for c := range ch {
		require.NoError(t, c.Err)
		out = append(out, c.Data...)
	}
	assert.Contains(t, string(out), "[DONE]")
}

func TestOpenAIAdapter_Chat_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	t.Cleanup(server.Close)

	a := NewOpenAIAdapter(Config{BaseURL: server.URL})
	_, err := a.Chat(context.Background(), &Request{
		APIKey: "sk-test", Model: "gpt-4o", Body: []byte(`{"model":"gpt-4o","messages":[]}`),
	})
	require.Error(t, err)
}

func TestOpenAIAdapter_Name(t *testing.T) {
	a := NewOpenAIAdapter(Config{})
	assert.Equal(t, "openai", a.Name())
}
