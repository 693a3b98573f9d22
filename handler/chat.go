package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/upstream"
)

// ChatHandler is the gated chat surface: every request passes through
// the admission gate before upstream is ever called, and usage is
// recorded whether upstream succeeds, fails, or serves from cache.
type ChatHandler struct {
	gating   *GatingHandler
	upstream upstream.Upstream
	logger   zerolog.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(gating *GatingHandler, up upstream.Upstream, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{gating: gating, upstream: up, logger: logger.With().Str("component", "chat_handler").Logger()}
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	CostUSD  float64 `json:"cost_usd"`
	CacheHit bool    `json:"cache_hit"`
}

// Completions handles the gated chat endpoint: admit, call upstream,
// record usage, respond. A rejection from Admit has already written
// the response; Completions returns immediately.
func (h *ChatHandler) Completions(w http.ResponseWriter, r *http.Request) {
	adm := h.gating.Admit(r, w, "chat")
	if adm == nil {
		return
	}

	// Usage is recorded exactly once from a deferred call, so it also runs
	// if the upstream call panics; failed paths record zero cost.
	var costUSD float64
	var cacheHit bool
	defer func() { h.gating.RecordUsage(r, adm, costUSD, 0, 0, cacheHit) }()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_request","message":"failed to parse request body"}`, http.StatusBadRequest)
		return
	}

	cost, hit, err := h.upstream.Answer(r.Context(), adm.Identity, req.Prompt)
	if err != nil {
		h.logger.Error().Err(err).Msg("upstream call failed")
		http.Error(w, `{"error":"upstream_error","message":"failed to produce an answer"}`, http.StatusBadGateway)
		return
	}

	costUSD, cacheHit = cost, hit
	writeJSON(w, http.StatusOK, chatResponse{CostUSD: costUSD, CacheHit: cacheHit})
}
