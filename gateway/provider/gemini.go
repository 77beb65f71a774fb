package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/llmgateway/gateway/gateway"
	"github.com/llmgateway/gateway/gateway/riskcontrol"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiAdapter forwards requests to Gemini's generateContent endpoints
// verbatim, authenticating via the "key" query parameter per §4.5 rather
// than a header — the one auth quirk that sets this adapter apart from
// OpenAI/Anthropic's Authorization-header convention, grounded on the
// teacher's GeminiProvider.buildHeaders/endpoint construction.
type GeminiAdapter struct {
	baseAdapter
	baseURL string
}

func NewGeminiAdapter(cfg Config) *GeminiAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiAdapter{baseAdapter: newBaseAdapter(cfg), baseURL: baseURL}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) Chat(ctx context.Context, req *Request) (<-chan Chunk, error) {
	estimated := estimateRequestTokens(req.Body, req.Model)
	if err := a.throttle(ctx, riskcontrol.CredentialScope(req.CredentialID), estimated); err != nil {
		return nil, err
	}

	streaming := bytes.Contains(req.Body, []byte(`"stream":true`)) || bytes.Contains(req.Body, []byte(`"stream": true`))
	action := "generateContent"
	if streaming {
		action = "streamGenerateContent"
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		strings.TrimRight(a.baseURL, "/"), url.PathEscape(req.Model), action, url.QueryEscape(req.APIKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("provider(gemini): build request: %w", err)
	}
	headers := a.buildHeaders(req.CredentialID, req.APIKey, map[string]string{
		"Content-Type": "application/json",
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

	if !streaming {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("provider(gemini): read response: %w", err)
		}
		ch := make(chan Chunk, 1)
		ch <- Chunk{Data: body}
		close(ch)
		return ch, nil
	}

	return streamRawBytes(ctx, resp), nil
}
