package provider

import (
	"bufio"
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
	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/riskcontrol"
)

const defaultGLMBaseURL = "https://open.bigmodel.cn"

// GLMAdapter forwards requests to GLM's OpenAI-compatible chat-completions
// endpoint. Unlike OpenAI/Anthropic/Gemini, GLM's own wire bytes never reach
// the client: its stream chunks are decoded into hub events through
// gateway/convert and re-rendered as Anthropic SSE, so the client always
// receives Claude-shaped bytes no matter which upstream actually answered,
// per §4.5. Grounded on the teacher's llm/providers/glm/provider.go, which
// reads GLM's SSE the same bufio.NewReader/ReadString('\n') way.
type GLMAdapter struct {
	baseAdapter
	baseURL string
}

func NewGLMAdapter(cfg Config) *GLMAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGLMBaseURL
	}
	return &GLMAdapter{baseAdapter: newBaseAdapter(cfg), baseURL: baseURL}
}

func (a *GLMAdapter) Name() string { return "glm" }

func (a *GLMAdapter) Chat(ctx context.Context, req *Request) (<-chan Chunk, error) {
	estimated := estimateRequestTokens(req.Body, req.Model)
	if err := a.throttle(ctx, riskcontrol.CredentialScope(req.CredentialID), estimated); err != nil {
		return nil, err
	}

	// GLM streams by default; only an explicit "stream":false turns it off.
	streaming := !bytes.Contains(req.Body, []byte(`"stream":false`)) && !bytes.Contains(req.Body, []byte(`"stream": false`))

	endpoint := strings.TrimRight(a.baseURL, "/") + "/api/paas/v4/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("provider(glm): build request: %w", err)
	}
	headers := a.buildHeaders(req.CredentialID, req.APIKey, map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + req.APIKey,
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
			return nil, fmt.Errorf("provider(glm): read response: %w", err)
		}
		anthropicBody, err := translateGLMResponse(body)
		if err != nil {
			return nil, fmt.Errorf("provider(glm): translate response: %w", err)
		}
		ch := make(chan Chunk, 1)
		ch <- Chunk{Data: anthropicBody}
		close(ch)
		return ch, nil
	}

	return streamGLMAsAnthropicSSE(ctx, resp), nil
}

// translateGLMResponse decodes a non-streamed GLM (OpenAI-shaped) response
// and renders it into Anthropic's non-streamed "messages" response shape.
func translateGLMResponse(body []byte) ([]byte, error) {
	glm, err := convert.New(convert.FormatGLM)
	if err != nil {
		return nil, err
	}
	anthropic, err := convert.New(convert.FormatAnthropic)
	if err != nil {
		return nil, err
	}
	ir, err := glm.ResponseToIR(body)
	if err != nil {
		return nil, err
	}
	return anthropic.ResponseFromIR(ir)
}

// streamGLMAsAnthropicSSE reads GLM's SSE stream line by line the way the
// teacher's GLM provider does, decodes each data line into hub events via
// glmConverter, and re-renders those events as framed Anthropic SSE before
// forwarding.
func streamGLMAsAnthropicSSE(ctx context.Context, resp *http.Response) <-chan Chunk {
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		glm, err := convert.New(convert.FormatGLM)
		if err != nil {
			ch <- Chunk{Err: fmt.Errorf("provider(glm): %w", err)}
			return
		}
		anthropic, err := convert.New(convert.FormatAnthropic)
		if err != nil {
			ch <- Chunk{Err: fmt.Errorf("provider(glm): %w", err)}
			return
		}

		st := convert.NewStreamState()
		reader := bufio.NewReader(resp.Body)
		for {
			line, readErr := reader.ReadString('\n')
			data := strings.TrimSpace(line)
			if strings.HasPrefix(data, "data:") {
				data = strings.TrimSpace(strings.TrimPrefix(data, "data:"))
				if data != "" {
					events, err := glm.StreamChunkToEvents(data, st)
					if err != nil {
						ch <- Chunk{Err: fmt.Errorf("provider(glm): stream chunk: %w", err)}
						return
					}
					if len(events) > 0 {
						lines, err := anthropic.EventsToStreamLines(events)
						if err != nil {
							ch <- Chunk{Err: fmt.Errorf("provider(glm): render events: %w", err)}
							return
						}
						select {
						case ch <- Chunk{Data: frameAnthropicSSE(events, lines)}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					ch <- Chunk{Err: readErr}
				}
				return
			}
			if st.Done {
				return
			}
		}
	}()
	return ch
}
