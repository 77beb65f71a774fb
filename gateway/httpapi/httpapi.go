// Package httpapi wires the C1-C8 gateway core to the five client-facing
// endpoints in §6: it authenticates the caller against the Token/User store,
// detects the wire format and target model from the request path/body via
// distribute.ParseRequest, converts into the hub IR, and drives the call
// through a relay.Orchestrator. Grounded on the teacher's api/handlers/chat.go
// plumbing (Content-Type validation, SSE headers, flusher loop), generalized
// from a single custom chat envelope to the four provider-native wire
// formats the gateway passes through untouched.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/llmgateway/gateway/api"
	"github.com/llmgateway/gateway/gateway"
	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/distribute"
	"github.com/llmgateway/gateway/gateway/relay"
	"github.com/llmgateway/gateway/gateway/store"
	"github.com/llmgateway/gateway/types"
)

// Handler serves the relay and model-listing endpoints.
type Handler struct {
	orchestrator *relay.Orchestrator
	distributor  *distribute.Distributor
	store        store.Store
	logger       *zap.Logger
}

// New builds a Handler. orchestrator and distributor must share the same
// underlying provider set: the distributor answers GET /v1/models, the
// orchestrator drives every POST relay.
func New(orchestrator *relay.Orchestrator, distributor *distribute.Distributor, st store.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orchestrator: orchestrator, distributor: distributor, store: st, logger: logger.Named("httpapi")}
}

// RegisterRoutes mounts every §6 endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", h.handleRelay)
	mux.HandleFunc("/v1/messages", h.handleRelay)
	mux.HandleFunc("/v1/responses", h.handleRelay)
	mux.HandleFunc("/v1beta/models/", h.handleGeminiPath)
	mux.HandleFunc("/v1/models", h.handleListModels)
	mux.HandleFunc("/v1/models/", h.handleGetModelByPath)
}

// handleGetModelByPath serves GET /v1/models/{model}, the per-model variant
// of the union listing (§6).
func (h *Handler) handleGetModelByPath(w http.ResponseWriter, r *http.Request) {
	h.respondModel(w, r, strings.TrimPrefix(r.URL.Path, "/v1/models/"))
}

// handleGeminiPath routes both the plain and streaming Gemini actions,
// ("…:generateContent" and "…:streamGenerateContent"), and the bare
// "/v1beta/models/{model}" model-lookup form, to the right handler.
func (h *Handler) handleGeminiPath(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.URL.Path, ":") {
		h.handleGetModel(w, r)
		return
	}
	h.handleRelay(w, r)
}

// peekBody is the minimal shape every non-Gemini request carries enough of
// to route on, before the format-specific converter does the real parse.
type peekBody struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, types.NewError(types.ErrInvalidRequest, "method not allowed").WithHTTPStatus(http.StatusMethodNotAllowed), h.logger)
		return
	}

	token, authErr := h.authenticate(r)
	if authErr != nil {
		writeError(w, authErr, h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	body, err := readAll(r)
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest, "failed to read request body").WithCause(err).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	var peek peekBody
	_ = json.Unmarshal(body, &peek) // Gemini's model/stream come from the path instead.

	parsed, err := distribute.ParseRequest(r.URL.Path, peek.Model, peek.Stream)
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest, err.Error()).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	clientFormat := relay.ClientFormat(parsed.Format)
	clientConv, err := convert.New(clientFormat)
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest, err.Error()).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	ir, err := clientConv.RequestToIR(body)
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest, "malformed request body").WithCause(err).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	if parsed.Model != "" {
		ir.Model = parsed.Model
	}
	ir.Stream = parsed.Stream

	if ir.Model == "" {
		writeError(w, types.NewError(types.ErrInvalidRequest, "model is required").WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	userID := ""
	if token != nil {
		userID = token.UserID
	}
	if err := h.checkQuota(r.Context(), userID); err != nil {
		writeError(w, err, h.logger)
		return
	}

	req := relay.Request{ClientFormat: clientFormat, IR: ir, Token: token, UserID: userID}

	chunks, relayErr := h.orchestrator.Relay(r.Context(), req)
	if relayErr != nil {
		writeError(w, relayErr, h.logger)
		return
	}

	if ir.Stream {
		h.streamChunks(w, chunks)
		return
	}
	h.writeNonStreaming(w, chunks)
}

// checkQuota rejects the call at the gate per §7's "quota exhausted → 429"
// rule, before a credential/attempt is ever spent on it.
func (h *Handler) checkQuota(ctx context.Context, userID string) *types.Error {
	if userID == "" {
		return nil
	}
	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		return nil // unknown user: let the relay's own accounting surface the issue.
	}
	if user.RemainingQuota >= 0 && user.RemainingQuota <= 0 {
		return types.NewError(types.ErrQuotaExceeded, "quota exhausted").WithHTTPStatus(http.StatusTooManyRequests)
	}
	return nil
}

func (h *Handler) streamChunks(w http.ResponseWriter, chunks <-chan relay.Chunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	for c := range chunks {
		if c.Err != nil {
			h.logger.Error("stream error", zap.Error(c.Err))
			return
		}
		if _, err := w.Write(c.Data); err != nil {
			return
		}
		if ok {
			flusher.Flush()
		}
	}
}

func (h *Handler) writeNonStreaming(w http.ResponseWriter, chunks <-chan relay.Chunk) {
	var body []byte
	for c := range chunks {
		if c.Err != nil {
			writeError(w, c.Err, h.logger)
			return
		}
		body = append(body, c.Data...)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// modelInfo is the per-model entry in the GET /v1/models list, mirroring
// the OpenAI models-list shape clients already know how to parse.
type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	if _, authErr := h.authenticate(r); authErr != nil {
		writeError(w, authErr, h.logger)
		return
	}
	seen := map[string]bool{}
	var models []modelInfo
	for _, p := range h.distributor.Providers() {
		if !p.Enabled {
			continue
		}
		for model := range p.Models {
			if seen[model] {
				continue
			}
			seen[model] = true
			models = append(models, modelInfo{ID: model, Object: "model", OwnedBy: p.Type})
		}
	}
	writeJSON(w, http.StatusOK, api.Response{Success: true, Data: map[string]any{"object": "list", "data": models}})
}

func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	h.respondModel(w, r, strings.TrimPrefix(r.URL.Path, "/v1beta/models/"))
}

// respondModel looks up model among every enabled provider's declared set
// and writes its info, or a 404 if no enabled provider declares it.
func (h *Handler) respondModel(w http.ResponseWriter, r *http.Request, model string) {
	if _, authErr := h.authenticate(r); authErr != nil {
		writeError(w, authErr, h.logger)
		return
	}
	for _, p := range h.distributor.Providers() {
		if p.Enabled && p.SupportsModel(model) {
			writeJSON(w, http.StatusOK, api.Response{Success: true, Data: modelInfo{ID: model, Object: "model", OwnedBy: p.Type}})
			return
		}
	}
	writeError(w, types.NewError(types.ErrModelNotFound, "model not found: "+model).WithHTTPStatus(http.StatusNotFound), h.logger)
}

// authenticate resolves the caller's gateway-issued token from either
// Authorization: Bearer or x-api-key, per §6. A request that carries no key
// is let through anonymously with a nil token; the store is not consulted,
// so this holds whether or not any tokens are registered. A key the store
// does not know is rejected with 401.
func (h *Handler) authenticate(r *http.Request) (*store.Token, *types.Error) {
	key := bearerOrAPIKey(r)
	if key == "" {
		return nil, nil
	}
	token, err := h.store.GetToken(r.Context(), key)
	if err != nil {
		return nil, types.NewError(types.ErrUnauthorized, "invalid or unknown API key").WithHTTPStatus(http.StatusUnauthorized)
	}
	return token, nil
}

func bearerOrAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return r.Header.Get("X-Api-Key")
}

func readAll(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// writeError renders err — a *types.Error if the caller produced one, any
// other error as an opaque internal_error — as the §7 `{error:{message,type}}`
// client-facing shape.
func writeError(w http.ResponseWriter, err error, logger *zap.Logger) {
	gwErr, ok := err.(*gateway.Error)
	if !ok {
		gwErr = types.NewError(types.ErrInternalError, err.Error()).WithHTTPStatus(http.StatusInternalServerError)
	}
	status := gwErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	logger.Warn("request failed", zap.String("code", string(gwErr.Code)), zap.Int("status", status), zap.Error(gwErr))
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": gwErr.Message,
			"type":    gwErr.Code,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
