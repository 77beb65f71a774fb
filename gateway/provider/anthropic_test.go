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

func TestAnthropicAdapter_Chat_NonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","content":[{"type":"text","text":"hi"}]}`)
	}))
	t.Cleanup(server.Close)

	a := NewAnthropicAdapter(Config{BaseURL: server.URL})
	ch, err := a.Chat(context.Background(), &Request{
		APIKey: "sk-ant-test", Model: "claude-sonnet-4-5", Body: []byte(`{"model":"claude-sonnet-4-5","messages":[]}`),
	})
	require.NoError(t, err)

	var chunk Chunk
	for c := range ch {
		chunk = c
	}
	require.NoError(t, chunk.Err)
	assert.Contains(t, string(chunk.Data), "msg_1")
}

func TestAnthropicAdapter_Chat_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))
	t.Cleanup(server.Close)

	a := NewAnthropicAdapter(Config{BaseURL: server.URL})
	_, err := a.Chat(context.Background(), &Request{
		APIKey: "bad", Model: "claude-sonnet-4-5", Body: []byte(`{"model":"claude-sonnet-4-5","messages":[]}`),
	})
	require.Error(t, err)
}

func TestAnthropicAdapter_Name(t *testing.T) {
	a := NewAnthropicAdapter(Config{})
	assert.Equal(t, "anthropic", a.Name())
}
