package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/gateway/distribute"
	"github.com/llmgateway/gateway/gateway/provider"
	"github.com/llmgateway/gateway/gateway/relay"
	"github.com/llmgateway/gateway/gateway/store"
	"github.com/llmgateway/gateway/gateway/store/memstore"
)

type fakeAdapter struct {
	name string
	resp func(*provider.Request) (<-chan provider.Chunk, error)
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Chat(_ context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	return f.resp(req)
}

func newHandler(t *testing.T, adapters map[string]provider.Adapter, providers ...*distribute.Provider) (*Handler, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	dist := distribute.New(distribute.StrategyWeightedRandom, 1)
	dist.SetProviders(providers)
	orch := relay.NewOrchestrator(dist, st, adapters, nil, nil)
	return New(orch, dist, st, nil), st
}

func TestHandleRelay_OpenAINonStreaming(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", resp: func(*provider.Request) (<-chan provider.Chunk, error) {
		ch := make(chan provider.Chunk, 1)
		ch <- provider.Chunk{Data: []byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`)}
		close(ch)
		return ch, nil
	}}
	h, st := newHandler(t, map[string]provider.Adapter{"openai": adapter},
		&distribute.Provider{Name: "openai", Type: "openai", Enabled: true, Priority: 1, Weight: 1, Models: map[string]bool{"gpt-4o": true}})
	st.SeedCredential(&store.Credential{ID: "cred-1", ProviderType: "openai", APIKey: "sk-test", Enabled: true})

	body := strings.NewReader(`{"model":"gpt-4o","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	h.handleRelay(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatcmpl-1")
}

func TestHandleRelay_MissingModelReturns400(t *testing.T) {
	h, _ := newHandler(t, map[string]provider.Adapter{})
	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	h.handleRelay(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRelay_UnknownTokenReturns401(t *testing.T) {
	h, _ := newHandler(t, map[string]provider.Adapter{})
	body := strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer does-not-exist")
	w := httptest.NewRecorder()

	h.handleRelay(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleRelay_NoProviderForModelReturns503(t *testing.T) {
	h, _ := newHandler(t, map[string]provider.Adapter{})
	body := strings.NewReader(`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	h.handleRelay(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleListModels(t *testing.T) {
	h, _ := newHandler(t, map[string]provider.Adapter{},
		&distribute.Provider{Name: "openai", Type: "openai", Enabled: true, Models: map[string]bool{"gpt-4o": true}})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()

	h.handleListModels(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gpt-4o")
}

func TestHandleRelay_Streaming(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic", resp: func(*provider.Request) (<-chan provider.Chunk, error) {
		ch := make(chan provider.Chunk, 2)
		ch <- provider.Chunk{Data: []byte(`data: {"type":"message_start","message":{"model":"claude-3","usage":{"input_tokens":1}}}` + "\n\n")}
		ch <- provider.Chunk{Data: []byte(`data: {"type":"message_stop"}` + "\n\n")}
		close(ch)
		return ch, nil
	}}
	h, st := newHandler(t, map[string]provider.Adapter{"anthropic": adapter},
		&distribute.Provider{Name: "anthropic", Type: "anthropic", Enabled: true, Priority: 1, Weight: 1})
	st.SeedCredential(&store.Credential{ID: "cred-1", ProviderType: "anthropic", APIKey: "sk-test", Enabled: true})

	body := strings.NewReader(`{"model":"claude-3","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	w := httptest.NewRecorder()

	h.handleRelay(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	out, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(out), "message_stop")
}
