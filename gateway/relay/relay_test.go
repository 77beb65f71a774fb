package relay

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/gateway"
	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/distribute"
	"github.com/llmgateway/gateway/gateway/provider"
	"github.com/llmgateway/gateway/gateway/store"
	"github.com/llmgateway/gateway/gateway/store/memstore"
)

// fakeAdapter is a provider.Adapter test double whose behavior per call is
// driven by a queue of canned responses, so a single instance can model a
// provider that fails on attempt 1 and succeeds on attempt 2.
type fakeAdapter struct {
	name  string
	calls int32
	steps []func(req *provider.Request) (<-chan provider.Chunk, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Chat(_ context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	i := atomic.AddInt32(&f.calls, 1) - 1
	step := f.steps[int(i)%len(f.steps)]
	return step(req)
}

func chunksOf(lines ...string) <-chan provider.Chunk {
	ch := make(chan provider.Chunk, len(lines))
	for _, l := range lines {
		ch <- provider.Chunk{Data: []byte("data: " + l + "\n\n")}
	}
	close(ch)
	return ch
}

func anthropicStreamSteps(lines ...string) func(*provider.Request) (<-chan provider.Chunk, error) {
	return func(*provider.Request) (<-chan provider.Chunk, error) {
		return chunksOf(lines...), nil
	}
}

func failingStep(err error) func(*provider.Request) (<-chan provider.Chunk, error) {
	return func(*provider.Request) (<-chan provider.Chunk, error) {
		return nil, err
	}
}

func newTestDistributor(providers ...*distribute.Provider) *distribute.Distributor {
	d := distribute.New(distribute.StrategyWeightedRandom, 1)
	d.SetProviders(providers)
	return d
}

func seedCredential(st *memstore.Store, id, providerType string) {
	st.SeedCredential(&store.Credential{ID: id, ProviderType: providerType, APIKey: "key-" + id, Enabled: true})
}

func TestOrchestrator_Relay_StreamingSuccess(t *testing.T) {
	st := memstore.New()
	seedCredential(st, "cred-1", "anthropic")
	st.SeedUser(&store.User{ID: "user-1", RemainingQuota: -1})

	dist := newTestDistributor(&distribute.Provider{Name: "anthropic", Type: "anthropic", Enabled: true, Priority: 1, Weight: 1})

	adapter := &fakeAdapter{name: "anthropic", steps: []func(*provider.Request) (<-chan provider.Chunk, error){
		anthropicStreamSteps(
			`{"type":"message_start","message":{"model":"claude-3","usage":{"input_tokens":3}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
			`{"type":"message_stop"}`,
		),
	}}

	orch := NewOrchestrator(dist, st, map[string]provider.Adapter{"anthropic": adapter}, nil, nil)

	ir := &convert.Request{Model: "claude-3", Stream: true, Messages: []convert.Message{
		{Role: convert.RoleUser, Content: []convert.ContentBlock{{Kind: convert.BlockPlainText, Text: "hello"}}},
	}}

	ch, err := orch.Relay(context.Background(), Request{
		ClientFormat: convert.FormatAnthropic,
		IR:           ir,
		UserID:       "user-1",
	})
	require.NoError(t, err)

	var out []byte
	for c := range ch {
		require.NoError(t, c.Err)
		out = append(out, c.Data...)
	}

	assert.Contains(t, string(out), `"text_delta"`)
	assert.Contains(t, string(out), "\"hi\"")
	assert.Contains(t, string(out), "message_stop")

	logs := st.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, 200, logs[0].Status)
	assert.Equal(t, int64(3), logs[0].InputTokens)
	assert.Equal(t, int64(2), logs[0].OutputTokens)

	cred, err := st.GetAvailableCredential(context.Background(), "anthropic")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cred.TotalInputTokens)
	assert.Equal(t, int64(2), cred.TotalOutputTokens)
}

func TestOrchestrator_Relay_NonStreamingIdempotentCacheSkipsSecondCall(t *testing.T) {
	st := memstore.New()
	seedCredential(st, "cred-1", "openai")

	dist := newTestDistributor(&distribute.Provider{Name: "openai", Type: "openai", Enabled: true, Priority: 1, Weight: 1})

	adapter := &fakeAdapter{name: "openai", steps: []func(*provider.Request) (<-chan provider.Chunk, error){
		func(*provider.Request) (<-chan provider.Chunk, error) {
			ch := make(chan provider.Chunk, 1)
			ch <- provider.Chunk{Data: []byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`)}
			close(ch)
			return ch, nil
		},
	}}

	orch := NewOrchestrator(dist, st, map[string]provider.Adapter{"openai": adapter}, nil, nil)

	ir := &convert.Request{Model: "gpt-4o", Stream: false, Messages: []convert.Message{
		{Role: convert.RoleUser, Content: []convert.ContentBlock{{Kind: convert.BlockPlainText, Text: "hello"}}},
	}}
	req := Request{ClientFormat: convert.FormatOpenAI, IR: ir}

	ch1, err := orch.Relay(context.Background(), req)
	require.NoError(t, err)
	for range ch1 {
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.calls))

	ch2, err := orch.Relay(context.Background(), req)
	require.NoError(t, err)
	for range ch2 {
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.calls), "second identical non-streaming call should hit the idempotency cache, not the adapter")

	require.Len(t, st.Logs(), 1, "the cached replay does not write a second log row")
}

func TestOrchestrator_Relay_NoCredentialExhaustsRetries(t *testing.T) {
	st := memstore.New() // no credentials seeded

	dist := newTestDistributor(&distribute.Provider{Name: "openai", Type: "openai", Enabled: true, Priority: 1, Weight: 1})
	adapter := &fakeAdapter{name: "openai", steps: []func(*provider.Request) (<-chan provider.Chunk, error){
		func(*provider.Request) (<-chan provider.Chunk, error) { t.Fatal("adapter should never be called without a credential"); return nil, nil },
	}}
	orch := NewOrchestrator(dist, st, map[string]provider.Adapter{"openai": adapter}, nil, nil)

	ir := &convert.Request{Model: "gpt-4o", Stream: true}
	ch, err := orch.Relay(context.Background(), Request{ClientFormat: convert.FormatOpenAI, IR: ir})
	assert.Nil(t, ch)
	require.Error(t, err)

	gwErr, ok := err.(*gateway.Error)
	require.True(t, ok)
	assert.Equal(t, 503, gwErr.HTTPStatus)

	logs := st.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, 503, logs[0].Status)
}

func TestOrchestrator_Relay_CrossGroupRetrySwitchesProvider(t *testing.T) {
	st := memstore.New()
	seedCredential(st, "cred-openai", "openai")
	seedCredential(st, "cred-anthropic", "anthropic")

	dist := distribute.New(distribute.StrategyPriorityFirst, 1)
	dist.SetProviders([]*distribute.Provider{
		{Name: "openai", Type: "openai", Enabled: true, Priority: 10, Weight: 1},
		{Name: "anthropic", Type: "anthropic", Enabled: true, Priority: 1, Weight: 1},
	})

	openaiAdapter := &fakeAdapter{name: "openai", steps: []func(*provider.Request) (<-chan provider.Chunk, error){
		failingStep(gateway.NewError(gateway.ErrUpstreamError, "boom").WithHTTPStatus(502).WithRetryable(true)),
	}}
	anthropicAdapter := &fakeAdapter{name: "anthropic", steps: []func(*provider.Request) (<-chan provider.Chunk, error){
		anthropicStreamSteps(
			`{"type":"message_start","message":{"model":"claude-3","usage":{"input_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`,
			`{"type":"message_stop"}`,
		),
	}}

	orch := NewOrchestrator(dist, st, map[string]provider.Adapter{
		"openai":    openaiAdapter,
		"anthropic": anthropicAdapter,
	}, nil, nil)

	ir := &convert.Request{Model: "shared-model", Stream: true}
	token := &store.Token{ID: "tok-1", CrossGroupRetry: true}

	ch, err := orch.Relay(context.Background(), Request{ClientFormat: convert.FormatAnthropic, IR: ir, Token: token})
	require.NoError(t, err)

	var out []byte
	for c := range ch {
		require.NoError(t, c.Err)
		out = append(out, c.Data...)
	}
	assert.Contains(t, string(out), "\"ok\"")

	assert.Equal(t, int32(1), atomic.LoadInt32(&openaiAdapter.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&anthropicAdapter.calls))

	logs := st.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "anthropic", logs[0].ProviderType)
}

func TestOrchestrator_Relay_ModelNotFoundNoLogRow(t *testing.T) {
	st := memstore.New()
	dist := newTestDistributor() // no providers registered at all

	orch := NewOrchestrator(dist, st, map[string]provider.Adapter{}, nil, nil)
	ir := &convert.Request{Model: "nope", Stream: true}

	ch, err := orch.Relay(context.Background(), Request{ClientFormat: convert.FormatOpenAI, IR: ir})
	assert.Nil(t, ch)
	require.Error(t, err)
	assert.Empty(t, st.Logs(), "a failure before any attempt starts is not itself a relay attempt to log")
}

var _ provider.Adapter = (*fakeAdapter)(nil)
