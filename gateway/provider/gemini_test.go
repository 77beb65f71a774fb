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

func TestGeminiAdapter_Chat_AuthViaQueryParam(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gemini-key", r.URL.Query().Get("key"))
		assert.Contains(t, r.URL.Path, "generateContent")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`)
	}))
	t.Cleanup(server.Close)

	a := NewGeminiAdapter(Config{BaseURL: server.URL})
	ch, err := a.Chat(context.Background(), &Request{
		APIKey: "gemini-key", Model: "gemini-2.5-flash", Body: []byte(`{"contents":[]}`),
	})
	require.NoError(t, err)

	var chunk Chunk
	for c := range ch {
		chunk = c
	}
	require.NoError(t, chunk.Err)
	assert.Contains(t, string(chunk.Data), "candidates")
}

func TestGeminiAdapter_Chat_StreamingEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "streamGenerateContent")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}]`)
	}))
	t.Cleanup(server.Close)

	a := NewGeminiAdapter(Config{BaseURL: server.URL})
	_, err := a.Chat(context.Background(), &Request{
		APIKey: "gemini-key", Model: "gemini-2.5-flash", Body: []byte(`{"stream":true,"contents":[]}`),
	})
	require.NoError(t, err)
}

func TestGeminiAdapter_Name(t *testing.T) {
	a := NewGeminiAdapter(Config{})
	assert.Equal(t, "gemini", a.Name())
}
