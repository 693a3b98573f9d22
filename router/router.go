/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway router with middleware chain: CORS → Security
             Headers → Request ID → Panic Recovery → Request Logger
             → Tracing → Body Size Limit. Routes: /healthz, /ready,
             /health, /metrics, /auth/challenge, /admin/settings,
             /v1/chat.
Root Cause:  Sprint tasks T011-T024 — Gateway core.
Context:     Router design affects all downstream handlers.
Suitability: L3 model for proper middleware chain design.
──────────────────────────────────────────────────────────────
*/

package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/config"
	"github.com/sentrygate/gateway/handler"
	gwmw "github.com/sentrygate/gateway/middleware"
	"github.com/sentrygate/gateway/observability"
)

// NewRouter returns a configured chi Router with the full middleware chain
// and all API routes mounted.
// Optional variadic args: metrics *observability.Metrics, tracer
// *observability.Tracer, gating *handler.GatingHandler, chat
// *handler.ChatHandler
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, opts ...interface{}) http.Handler {
	r := chi.NewRouter()

	// Extract optional dependencies
	var metrics *observability.Metrics
	var tracer *observability.Tracer
	var gating *handler.GatingHandler
	var chat *handler.ChatHandler
	for _, opt := range opts {
		switch v := opt.(type) {
		case *observability.Metrics:
			metrics = v
		case *observability.Tracer:
			tracer = v
		case *handler.GatingHandler:
			gating = v
		case *handler.ChatHandler:
			chat = v
		}
	}

	// --- Middleware Chain (order matters) ---
	// 1. CORS — must be first so preflight responses succeed
	r.Use(gwmw.CORSMiddleware([]string{"*"}))

	// 2. Security headers
	r.Use(gwmw.SecurityHeadersMiddleware)

	// 3. Request ID injection (chi built-in)
	r.Use(chimw.RequestID)

	// 4. Panic recovery
	r.Use(chimw.Recoverer)

	// 5. Request logger
	r.Use(mwRequestLogger(appLogger))

	// 5b. W3C Traceparent tracing (T145)
	if tracer != nil {
		r.Use(observability.TracingMiddleware(tracer))
	}

	// 6. Body size limit
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no auth required) ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"sentrygate"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"sentrygate"}`))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"sentrygate"}`))
	})

	// Prometheus metrics endpoint (T144) — no auth required
	if metrics != nil {
		r.Get("/metrics", metrics.Handler())
	}

	// Abuse-prevention gate (identity, challenge, rate limit, cost
	// preflight) fronts the chat endpoint through its own routes.
	if gating != nil {
		r.Get("/auth/challenge", gating.IssueChallenge)
		r.Get("/admin/settings", gating.GetSettings)
		r.Put("/admin/settings", gating.PutSettings)
		if chat != nil {
			r.Post("/v1/chat", chat.Completions)
		}
	}

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024 // default 1MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Allow env override
			max := maxBytes
			if v := os.Getenv("GATEWAY_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
