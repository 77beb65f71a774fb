package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/llmgateway/gateway/gateway"
	"github.com/llmgateway/gateway/gateway/riskcontrol"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicAdapter forwards requests to Anthropic's /v1/messages verbatim,
// per §4.5: Anthropic's own wire bytes pass straight through.
type AnthropicAdapter struct {
	baseAdapter
	baseURL string
}

func NewAnthropicAdapter(cfg Config) *AnthropicAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicAdapter{baseAdapter: newBaseAdapter(cfg), baseURL: baseURL}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Chat(ctx context.Context, req *Request) (<-chan Chunk, error) {
	estimated := estimateRequestTokens(req.Body, req.Model)
	if err := a.throttle(ctx, riskcontrol.CredentialScope(req.CredentialID), estimated); err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(a.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("provider(anthropic): build request: %w", err)
	}
	headers := a.buildHeaders(req.CredentialID, req.APIKey, map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         req.APIKey,
		"anthropic-version": anthropicVersion,
	})
	applyHeaders(httpReq, headers)

	proxy := a.acquireProxy(req.CredentialID)
	client := a.httpClientFor(proxy)

	start := time.Now()
	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err)
		gwErr := a.classifyAndRecord(a.Name(), req.CredentialID, elapsed, 0, err.Error(), timedOut)
		if proxy != nil {
			proxy.RecordRequest(elapsed, false)
		}
		if gwErr == nil {
			gwErr = gateway.NewError(gateway.ErrUpstreamError, err.Error()).WithProvider(a.Name())
		}
		return nil, gwErr
	}

	if proxy != nil {
		proxy.RecordRequest(elapsed, resp.StatusCode < 400)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, a.classifyAndRecord(a.Name(), req.CredentialID, elapsed, resp.StatusCode, string(body), false)
	}
	a.recordHealth(req.CredentialID, true, elapsed, riskcontrol.ErrorNone)

	if !bytes.Contains(req.Body, []byte(`"stream":true`)) && !bytes.Contains(req.Body, []byte(`"stream": true`)) {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("provider(anthropic): read response: %w", err)
		}
		ch := make(chan Chunk, 1)
		ch <- Chunk{Data: body}
		close(ch)
		return ch, nil
	}

	return streamRawBytes(ctx, resp), nil
}
