// Package relay implements component C7, the relay orchestrator: given an
// authorized client request already parsed into the hub IR, it drives up to
// three attempts through credential acquisition, context compression, cache
// marking, the provider adapter call, passive usage parsing, and streaming
// to the client, finishing with the accounting writes §4.7 step 4/5 call
// for. Grounded on the teacher's llm/resilience.go ResilientProvider: a
// retry loop wrapping a single upstream call, generalized from a
// backoff-multiplier sleep to the spec's fixed 1s inter-attempt delay and
// per-attempt credential (and, for cross-group-retry tokens, provider)
// rotation. The non-streaming idempotency cache (sync.Map of request hash
// to a TTL'd cached response) is carried over unchanged from ResilientProvider.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmgateway/gateway/gateway"
	"github.com/llmgateway/gateway/gateway/compress"
	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/distribute"
	"github.com/llmgateway/gateway/gateway/provider"
	"github.com/llmgateway/gateway/gateway/store"
)

const (
	maxAttempts         = 3
	interAttemptSleep   = time.Second
	defaultIdempotencyTTL = time.Hour
)

// Chunk is one piece of client-facing output: either bytes already framed
// in the client's requested wire format, or a terminal error.
type Chunk struct {
	Data []byte
	Err  error
}

// Request is one client call's input to the orchestrator, already decoded
// into the hub IR by the caller (the format the path/body were detected as
// per distribute.ParseRequest).
type Request struct {
	ClientFormat convert.Format
	IR           *convert.Request
	Token        *store.Token
	UserID       string
}

// Orchestrator drives one client request through the full relay lifecycle.
type Orchestrator struct {
	distributor *distribute.Distributor
	store       store.Store
	adapters    map[string]provider.Adapter
	summarize   compress.Summarizer
	logger      *zap.Logger

	idempotencyTTL time.Duration
	idempotencyMap sync.Map
}

type idempotencyEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewOrchestrator builds an Orchestrator. adapters is keyed by provider
// type ("openai", "anthropic", "gemini", "glm", "kiro"), matching
// distribute.Provider.Type and store.Credential.ProviderType. The
// idempotency cache TTL is always one hour (defaultIdempotencyTTL), matching
// ResilientConfig's default; no argument overrides it.
func NewOrchestrator(distributor *distribute.Distributor, st store.Store, adapters map[string]provider.Adapter, summarize compress.Summarizer, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		distributor:    distributor,
		store:          st,
		adapters:       adapters,
		summarize:      summarize,
		logger:         logger.Named("relay"),
		idempotencyTTL: defaultIdempotencyTTL,
	}
}

// Relay runs req through the full C7 lifecycle and returns a channel of
// client-facing chunks. The channel is closed after a terminal Chunk (Err
// set) or after the last byte of a clean response. A non-nil error return
// means every attempt failed before any output could be committed to the
// client; by the time a non-nil channel is returned, that commitment has
// been made and the caller should stream its contents through regardless
// of what the finalize step later logs.
func (o *Orchestrator) Relay(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := req.IR.Model

	if !req.IR.Stream {
		if cached, ok := o.loadIdempotent(req); ok {
			ch := make(chan Chunk, 1)
			ch <- Chunk{Data: cached}
			close(ch)
			return ch, nil
		}
	}

	current, err := o.distributor.Select(model)
	if err != nil {
		return nil, err
	}

	compressedIR, compressionMeta := o.applyCompressionAndCacheMarkers(ctx, req.IR, model)

	var lastErr error
	tried := map[string]bool{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cred, cerr := o.store.GetAvailableCredential(ctx, current.Type)
		if cerr != nil {
			lastErr = gateway.NewError(gateway.ErrProviderUnavailable, fmt.Sprintf("no available credential for provider %q", current.Type)).
				WithHTTPStatus(503).WithRetryable(true).WithProvider(current.Type)
			tried[current.Type] = true
			current = o.maybeSwitchProvider(req.Token, model, current, tried)
			if attempt < maxAttempts {
				if !o.sleepBetweenAttempts(ctx) {
					return nil, ctx.Err()
				}
				continue
			}
			break
		}

		wireBody, rerr := renderRequestBody(current.Type, compressedIR)
		if rerr != nil {
			return nil, gateway.NewError(gateway.ErrInternalError, fmt.Sprintf("render request: %v", rerr)).WithHTTPStatus(500)
		}

		adapter, ok := o.adapters[current.Type]
		if !ok {
			lastErr = gateway.NewError(gateway.ErrProviderUnavailable, fmt.Sprintf("no adapter registered for provider %q", current.Type)).
				WithHTTPStatus(503).WithProvider(current.Type)
			break
		}

		start := time.Now()
		chunks, cherr := adapter.Chat(ctx, &provider.Request{
			APIKey:       credentialSecret(cred),
			Model:        model,
			Body:         wireBody,
			CredentialID: cred.ID,
			UserID:       req.UserID,
		})
		if cherr != nil {
			current.UpdateStats(false, time.Since(start))
			lastErr = cherr
			tried[current.Type] = true
			current = o.maybeSwitchProvider(req.Token, model, current, tried)
			if gateway.IsRetryable(cherr) && attempt < maxAttempts {
				if !o.sleepBetweenAttempts(ctx) {
					return nil, ctx.Err()
				}
				continue
			}
			break
		}

		first, hasFirst := <-chunks
		if hasFirst && first.Err != nil {
			current.UpdateStats(false, time.Since(start))
			lastErr = first.Err
			tried[current.Type] = true
			current = o.maybeSwitchProvider(req.Token, model, current, tried)
			if gateway.IsRetryable(first.Err) && attempt < maxAttempts {
				if !o.sleepBetweenAttempts(ctx) {
					return nil, ctx.Err()
				}
				continue
			}
			break
		}

		return o.commit(ctx, req, current, cred, chunks, first, hasFirst, start, compressionMeta), nil
	}

	o.logFailure(ctx, req, current, lastErr)
	if lastErr == nil {
		lastErr = gateway.NewError(gateway.ErrUpstreamError, "relay failed with no recorded cause").WithHTTPStatus(502)
	}
	return nil, lastErr
}

func (o *Orchestrator) sleepBetweenAttempts(ctx context.Context) bool {
	timer := time.NewTimer(interAttemptSleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// maybeSwitchProvider implements §4.7 step 1's cross-group retry: once an
// attempt has failed, a token with CrossGroupRetry set may continue on a
// different provider that also supports the model, instead of retrying the
// same one. Falls back to current if no token, the flag is unset, or no
// alternative exists.
func (o *Orchestrator) maybeSwitchProvider(token *store.Token, model string, current *distribute.Provider, tried map[string]bool) *distribute.Provider {
	if token == nil || !token.CrossGroupRetry {
		return current
	}
	for _, p := range o.distributor.Providers() {
		if !p.Enabled || tried[p.Type] || !p.SupportsModel(model) {
			continue
		}
		return p
	}
	return current
}

func (o *Orchestrator) applyCompressionAndCacheMarkers(ctx context.Context, ir *convert.Request, model string) (*convert.Request, compressionMeta) {
	out := *ir
	var meta compressionMeta

	cacheCfg, err := o.store.GetCacheConfig(ctx)
	if err != nil {
		o.logger.Warn("cache config unavailable, skipping compression and cache markers", zap.Error(err))
		return &out, meta
	}

	if len(ir.Messages) > 0 {
		result, cerr := compress.Compress(ctx, ir.System, ir.Messages, model, *cacheCfg, o.summarize)
		if cerr != nil {
			o.logger.Warn("context compression failed, forwarding uncompressed", zap.Error(cerr))
		} else {
			out.Messages = result.Messages
			meta.compressed = result.WasCompressed
			meta.originalTokens = result.OriginalTokens
			meta.compressedTokens = result.CompressedTokens
		}
	}

	if cacheCfg.PromptCacheEnabled {
		system := append([]convert.ContentBlock(nil), out.System...)
		compress.ApplyCacheMarkers(system, out.Messages, true)
		out.System = system
	}

	return &out, meta
}

type compressionMeta struct {
	compressed       bool
	originalTokens   int
	compressedTokens int
}

func renderRequestBody(providerType string, ir *convert.Request) ([]byte, error) {
	conv, err := convert.New(providerRequestFormat(providerType))
	if err != nil {
		return nil, err
	}
	return conv.RequestFromIR(ir)
}

func credentialSecret(cred *store.Credential) string {
	if len(cred.Raw) > 0 {
		return string(cred.Raw)
	}
	return cred.APIKey
}

func (o *Orchestrator) logFailure(ctx context.Context, req Request, current *distribute.Provider, cause error) {
	row := store.LogRow{
		UserID:       req.UserID,
		ProviderType: current.Type,
		Model:        req.IR.Model,
		Status:       httpStatusOf(cause),
		Error:        errString(cause),
		CreatedAt:    timeNow(),
	}
	if err := o.store.WriteLog(ctx, row); err != nil {
		o.logger.Error("failed to write failure log row", zap.Error(err))
	}
}

// httpStatusOf extracts the HTTP status a *gateway.Error carries, or 502
// for any other error shape (an upstream/transport failure with no
// structured classification).
func httpStatusOf(err error) int {
	if gwErr, ok := err.(*gateway.Error); ok && gwErr.HTTPStatus != 0 {
		return gwErr.HTTPStatus
	}
	return 502
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// idempotencyKey mirrors the teacher's generateIdempotencyKey: a JSON
// encoding of exactly the fields that determine the response (client
// format, model and messages), so two structurally identical non-streaming requests hit the
// cache without re-deriving a full hash scheme.
func idempotencyKey(req Request) string {
	data, _ := json.Marshal(struct {
		Format   convert.Format    `json:"format"`
		Model    string            `json:"model"`
		Messages []convert.Message `json:"messages"`
	}{Format: req.ClientFormat, Model: req.IR.Model, Messages: req.IR.Messages})
	return string(data)
}

func (o *Orchestrator) loadIdempotent(req Request) ([]byte, bool) {
	key := idempotencyKey(req)
	cached, ok := o.idempotencyMap.Load(key)
	if !ok {
		return nil, false
	}
	entry, ok := cached.(*idempotencyEntry)
	if !ok {
		return nil, false
	}
	if timeNow().After(entry.expiresAt) {
		o.idempotencyMap.Delete(key)
		return nil, false
	}
	return entry.data, true
}

func (o *Orchestrator) storeIdempotent(req Request, data []byte) {
	key := idempotencyKey(req)
	o.idempotencyMap.Store(key, &idempotencyEntry{data: data, expiresAt: timeNow().Add(o.idempotencyTTL)})
}

// timeNow is the one place relay reads the wall clock, kept as a variable
// so tests can pin it.
var timeNow = time.Now
