// Package provider implements the uniform adapter contract (§4.5): each
// concrete adapter turns (api_key, model, body, credential_id, user_id) into
// a stream of bytes, handling rate-limiting, fingerprinted headers, proxy
// acquisition, and health-monitor recording the same way regardless of
// upstream, and handing its wire bytes through gateway/convert where a
// format needs translating into the Anthropic-SSE shape clients receive.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/llmgateway/gateway/gateway"
	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/riskcontrol"
	"github.com/llmgateway/gateway/gateway/tokenizer"
)

// Chunk is one unit of a streamed response: either raw/translated bytes to
// forward to the client, or a terminal error.
type Chunk struct {
	Data []byte
	Err  error
}

// Request is one adapter call's input, per §4.5's uniform contract.
type Request struct {
	APIKey       string
	Model        string
	Body         []byte
	CredentialID string
	UserID       string
}

// Adapter is the uniform contract every provider satisfies.
type Adapter interface {
	// Name is the provider's registry key (openai, anthropic, gemini, glm, kiro).
	Name() string
	// Chat opens the upstream call and returns a channel of Chunks. The
	// channel is closed after a terminal Chunk (Err set) or after the
	// final byte chunk of a clean response.
	Chat(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// CredentialStore is the persistence surface an adapter needs: refreshed
// Kiro credential JSON must be written back so the next call doesn't redo
// the OIDC round trip, and Kiro's per-request credit usage accumulates on
// the credential row.
type CredentialStore interface {
	PersistCredential(ctx context.Context, credentialID string, raw json.RawMessage) error
	AddCreditUsage(ctx context.Context, credentialID string, delta float64) error
}

// baseAdapter owns the risk-control fabric handles every concrete adapter
// shares, grounded on the teacher's GeminiProvider (cfg + *http.Client +
// *zap.Logger) generalized with the proxy/rate-limit/fingerprint/health
// handles §4.5 requires of every adapter.
type baseAdapter struct {
	client  *http.Client
	logger  *zap.Logger
	limiter *riskcontrol.Limiter
	headers *riskcontrol.HeadersBuilder
	proxies *riskcontrol.ProxyPool
	health  *riskcontrol.HealthMonitor
	store   CredentialStore
}

// Config is the shared fabric every concrete adapter's constructor takes.
// Limiter/Headers/Proxies/Health/Store may be left nil for a minimal
// deployment; each concern degrades independently (see baseAdapter's
// methods) rather than requiring the whole fabric to be wired at once.
type Config struct {
	BaseURL string
	Logger  *zap.Logger
	Limiter *riskcontrol.Limiter
	Headers *riskcontrol.HeadersBuilder
	Proxies *riskcontrol.ProxyPool
	Health  *riskcontrol.HealthMonitor
	Store   CredentialStore
}

// newBaseAdapter wires the shared fabric.
func newBaseAdapter(cfg Config) baseAdapter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return baseAdapter{
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
		limiter: cfg.Limiter,
		headers: cfg.Headers,
		proxies: cfg.Proxies,
		health:  cfg.Health,
		store:   cfg.Store,
	}
}

// throttle blocks for the delay the rate limiter computes for this scope,
// honoring context cancellation, per §4.5 step 1.
func (b baseAdapter) throttle(ctx context.Context, scope string, estimatedTokens int) error {
	if b.limiter == nil {
		return nil
	}
	delay := b.limiter.Acquire(scope, estimatedTokens)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildHeaders fingerprints the request and layers in a provider-specific
// auth header, per §4.5 step 2.
func (b baseAdapter) buildHeaders(credentialID, apiKey string, extra map[string]string) map[string]string {
	if b.headers == nil {
		return extra
	}
	return b.headers.BuildHeaders(credentialID, apiKey, extra, true)
}

// applyHeaders copies a header map onto an *http.Request.
func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// acquireProxy binds a proxy to this credential per §4.5 step 3. A nil pool
// or no alive proxy both mean "go direct" — proxying is an availability
// optimization, not a hard requirement.
func (b baseAdapter) acquireProxy(credentialID string) *riskcontrol.Proxy {
	if b.proxies == nil {
		return nil
	}
	return b.proxies.Acquire(credentialID)
}

// httpClientFor returns b.client unmodified when no proxy is bound, or a
// shallow copy whose Transport dials through the bound proxy otherwise. A
// malformed proxy URL falls back to going direct rather than failing the
// call outright.
func (b baseAdapter) httpClientFor(proxy *riskcontrol.Proxy) *http.Client {
	if proxy == nil {
		return b.client
	}
	proxyURL, err := url.Parse(proxy.Config.URL())
	if err != nil {
		return b.client
	}
	client := *b.client
	client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	return &client
}

// recordHealth reports the outcome of one upstream call, per §4.5 step 5.
func (b baseAdapter) recordHealth(credentialID string, success bool, elapsed time.Duration, errType riskcontrol.ErrorType) {
	if b.health == nil {
		return
	}
	b.health.Record(credentialID, success, elapsed, errType)
}

// estimateRequestTokens gives the rate limiter a cheap pre-flight estimate
// of the request's token cost, before the upstream has reported real usage.
func estimateRequestTokens(body []byte, model string) int {
	return tokenizer.EstimateTokens(string(body), tokenizer.DetectFamily(model))
}

// streamRawBytes forwards resp.Body to the returned channel in whatever
// read-sized pieces the kernel hands back, closing resp.Body and the
// channel when the body is exhausted or the context is cancelled. Used by
// the three formats §4.5 forwards verbatim (OpenAI, Anthropic, Gemini);
// GLM and Kiro instead decode into IR events and re-render, so they don't
// call this.
func streamRawBytes(ctx context.Context, resp *http.Response) <-chan Chunk {
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- Chunk{Data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					ch <- Chunk{Err: err}
				}
				return
			}
		}
	}()
	return ch
}

// errorTypeFromKind maps gateway.UpstreamErrorKind onto the health
// monitor's vocabulary; the two were designed to line up one-to-one so this
// is a pure relabeling, not a real translation.
func errorTypeFromKind(kind gateway.UpstreamErrorKind) riskcontrol.ErrorType {
	switch kind {
	case gateway.UpstreamErrRateLimit:
		return riskcontrol.ErrorRateLimit
	case gateway.UpstreamErrAuth:
		return riskcontrol.ErrorAuth
	case gateway.UpstreamErrServer:
		return riskcontrol.ErrorServer
	case gateway.UpstreamErrTimeout:
		return riskcontrol.ErrorTimeout
	default:
		return riskcontrol.ErrorNone
	}
}

// frameAnthropicSSE pairs each rendered line with the event kind that
// produced it and frames it the way Anthropic's own stream does: "event:
// <kind>\ndata: <line>\n\n". anthropicConverter.EventsToStreamLines returns
// exactly one line per input event, so the two slices line up by index;
// GLM and Kiro both funnel their translated output through this so the
// client always receives the same SSE shape regardless of upstream.
func frameAnthropicSSE(events []convert.StreamEvent, lines []string) []byte {
	var buf bytes.Buffer
	for i, line := range lines {
		kind := "message"
		if i < len(events) {
			kind = string(events[i].Kind)
		}
		buf.WriteString("event: ")
		buf.WriteString(kind)
		buf.WriteString("\ndata: ")
		buf.WriteString(line)
		buf.WriteString("\n\n")
	}
	return buf.Bytes()
}

// classifyAndRecord maps an HTTP status (0 for a transport-level failure
// that never got a status) to a *gateway.Error and records the outcome on
// the health monitor in one step, per §4.5 step 5. A timeout is recorded
// as ErrorTimeout, distinct from a transport failure (status 0), which is
// recorded as a failure with no error type.
func (b baseAdapter) classifyAndRecord(providerName, credentialID string, elapsed time.Duration, status int, body string, timedOut bool) *gateway.Error {
	if timedOut {
		b.recordHealth(credentialID, false, elapsed, riskcontrol.ErrorTimeout)
		return gateway.NewError(gateway.ErrUpstreamTimeout, "upstream request timed out").
			WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true).WithProvider(providerName)
	}
	gwErr, kind := gateway.MapHTTPStatus(status, body, providerName)
	if status == 0 && gwErr == nil {
		gwErr = gateway.NewError(gateway.ErrUpstreamError, body).WithProvider(providerName)
	}
	success := gwErr == nil
	b.recordHealth(credentialID, success, elapsed, errorTypeFromKind(kind))
	return gwErr
}
