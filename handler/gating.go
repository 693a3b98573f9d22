package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/accountant"
	"github.com/sentrygate/gateway/challenge"
	"github.com/sentrygate/gateway/gate"
	"github.com/sentrygate/gateway/identity"
	"github.com/sentrygate/gateway/settings"
)

// GatingHandler serves the admission, challenge, and settings surface
// that fronts the chat endpoint.
type GatingHandler struct {
	gate       *gate.Gate
	challenge  *challenge.Service
	settings   *settings.Registry
	accountant *accountant.Accountant
	identity   *identity.Resolver
	logger     zerolog.Logger
}

// NewGatingHandler creates a GatingHandler. resolver must be the same
// *identity.Resolver the gate itself uses, so a challenge's issuance
// anchor and its later admission-time identity always agree.
func NewGatingHandler(g *gate.Gate, ch *challenge.Service, reg *settings.Registry, acct *accountant.Accountant, resolver *identity.Resolver, logger zerolog.Logger) *GatingHandler {
	return &GatingHandler{gate: g, challenge: ch, settings: reg, accountant: acct, identity: resolver, logger: logger.With().Str("component", "gating_handler").Logger()}
}

// rejectionEnvelope mirrors the admission contract's rejection body.
type rejectionEnvelope struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
	BanExpiresAt      *int64 `json:"ban_expires_at"`
	ViolationCount    int64  `json:"violation_count"`
}

func writeRejection(w http.ResponseWriter, rej *gate.Rejection) {
	status := http.StatusTooManyRequests
	if rej.Error == gate.ErrInvalidChallenge {
		status = http.StatusForbidden
	}
	w.Header().Set("Retry-After", strconv.Itoa(rej.RetryAfterSeconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]rejectionEnvelope{
		"detail": {
			Error:             rej.Error,
			Message:           rej.Message,
			RetryAfterSeconds: rej.RetryAfterSeconds,
			BanExpiresAt:      rej.BanExpiresAt,
			ViolationCount:    rej.ViolationCount,
		},
	})
}

// Admit runs the request gate ahead of the chat endpoint. Callers that
// receive a nil *gate.Admission must not proceed to the chat handler;
// Admit has already written the rejection response.
func (h *GatingHandler) Admit(r *http.Request, w http.ResponseWriter, scope string) *gate.Admission {
	adm, rej, err := h.gate.Admit(r.Context(), r, scope)
	if err != nil {
		h.logger.Error().Err(err).Msg("gate admit errored")
		writeRejection(w, &gate.Rejection{Error: gate.ErrRateLimited, Message: "temporarily unavailable", RetryAfterSeconds: 1})
		return nil
	}
	if rej != nil {
		writeRejection(w, rej)
		return nil
	}
	return adm
}

// RecordUsage books post-hoc cost for an admission obtained from Admit.
// It is a thin convenience wrapper and does nothing for a nil admission.
// Handlers whose downstream call failed call it with zero cost: the
// admission is marked recorded and no spend counter moves, though the
// recorded-request metrics still count it.
func (h *GatingHandler) RecordUsage(r *http.Request, adm *gate.Admission, costUSD float64, tokensIn, tokensOut int, cacheHit bool) {
	if adm == nil {
		return
	}
	if err := h.accountant.Record(r.Context(), adm, costUSD, tokensIn, tokensOut, cacheHit); err != nil {
		h.logger.Error().Err(err).Msg("usage recording failed")
	}
}

// challengeResponse is the success body of GET /auth/challenge.
type challengeResponse struct {
	Challenge  string `json:"challenge"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// IssueChallenge handles GET /auth/challenge.
func (h *GatingHandler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.challenge.Enabled(ctx) {
		writeJSON(w, http.StatusOK, challengeResponse{Challenge: "disabled"})
		return
	}

	anchor := string(h.identity.Resolve(r))
	id, ttl, rej, err := h.challenge.Issue(ctx, anchor)
	if err != nil {
		h.logger.Error().Err(err).Msg("challenge issue errored")
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	if rej != nil {
		w.Header().Set("Retry-After", strconv.Itoa(rej.RetryAfterSeconds))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]rejectionEnvelope{
			"detail": {
				Error:             "too_many_challenges",
				Message:           "too many challenges requested, please slow down",
				RetryAfterSeconds: rej.RetryAfterSeconds,
				ViolationCount:    rej.ViolationCount,
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, challengeResponse{Challenge: id, TTLSeconds: ttl})
}

// GetSettings handles GET /admin/settings.
func (h *GatingHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	items, err := h.settings.List(r.Context())
	if err != nil {
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}

	values := make(map[string]string, len(items))
	sources := make(map[string]string, len(items))
	for k, item := range items {
		values[k] = item.Value
		sources[k] = string(item.Source)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settings": values,
		"sources":  sources,
	})
}

// PutSettings handles PUT /admin/settings.
func (h *GatingHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid_request","message":"failed to parse request body"}`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	rejected := make(map[string]string)
	for k, v := range body {
		if err := h.settings.Set(ctx, k, v); err != nil {
			rejected[k] = err.Error()
		}
	}

	if len(rejected) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "invalid_settings",
			"rejected": rejected,
		})
		return
	}

	h.GetSettings(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
