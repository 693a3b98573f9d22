/*
Package config loads gateway configuration from the environment, with
an optional .env file for local development. Values here form the
"static" layer of the settings registry (C7): any recognized gating
key without a dynamic KV override falls back to the value loaded here,
and any key without an environment override falls back to the
hard-coded default literal in Load.
*/
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis — the shared KV store backing every gating component.
	RedisURL string

	// Upstream backend the gate admits requests through to.
	BackendURL string

	// Identity resolution (C3).
	FingerprintHeader   string
	TrustedProxyHeaders []string

	// Rate limiting (C5) — static fallback layer; overridable per-key
	// at runtime via the settings registry (C7).
	RateLimitPerMinute       int
	RateLimitPerHour         int
	GlobalRateLimitPerMinute int
	GlobalRateLimitPerHour   int
	EnableGlobalRateLimit    bool

	// Cost governance (C6) — static fallback layer.
	DailySpendLimitUSD          float64
	HourlySpendLimitUSD         float64
	EnableCostThrottling        bool
	HighCostThresholdUSD        float64
	HighCostWindowSeconds       int
	CostThrottleDurationSeconds int
	DailyCostLimitUSD           float64

	// Challenge service (C4) — static fallback layer.
	ChallengeTTLSeconds              int
	MaxActiveChallengesPerIdentifier int
	ChallengeRequestRateLimitSeconds int
	EnableChallengeResponse          bool

	// KV call timeout (§5: every KV call has a short timeout).
	KVTimeout time.Duration

	// Settings registry in-process read cache TTL.
	SettingsCacheTTL time.Duration

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)

	cfg := &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		RedisURL:        getEnv("REDIS_URL", "redis://redis:6379"),
		BackendURL:      getEnv("BACKEND_URL", "http://localhost:8000"),

		FingerprintHeader:   getEnv("FINGERPRINT_HEADER", "X-Fingerprint"),
		TrustedProxyHeaders: getEnvList("TRUSTED_PROXY_HEADERS", nil),

		RateLimitPerMinute:       getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitPerHour:         getEnvInt("RATE_LIMIT_PER_HOUR", 1000),
		GlobalRateLimitPerMinute: getEnvInt("GLOBAL_RATE_LIMIT_PER_MINUTE", 6000),
		GlobalRateLimitPerHour:   getEnvInt("GLOBAL_RATE_LIMIT_PER_HOUR", 100000),
		EnableGlobalRateLimit:    getEnvBool("ENABLE_GLOBAL_RATE_LIMIT", true),

		DailySpendLimitUSD:          getEnvFloat("DAILY_SPEND_LIMIT_USD", 500.0),
		HourlySpendLimitUSD:         getEnvFloat("HOURLY_SPEND_LIMIT_USD", 50.0),
		EnableCostThrottling:        getEnvBool("ENABLE_COST_THROTTLING", true),
		HighCostThresholdUSD:        getEnvFloat("HIGH_COST_THRESHOLD_USD", 0.03),
		HighCostWindowSeconds:       getEnvInt("HIGH_COST_WINDOW_SECONDS", 600),
		CostThrottleDurationSeconds: getEnvInt("COST_THROTTLE_DURATION_SECONDS", 30),
		DailyCostLimitUSD:           getEnvFloat("DAILY_COST_LIMIT_USD", 0),

		ChallengeTTLSeconds:              getEnvInt("CHALLENGE_TTL_SECONDS", 300),
		MaxActiveChallengesPerIdentifier: getEnvInt("MAX_ACTIVE_CHALLENGES_PER_IDENTIFIER", 5),
		ChallengeRequestRateLimitSeconds: getEnvInt("CHALLENGE_REQUEST_RATE_LIMIT_SECONDS", 3),
		EnableChallengeResponse:          getEnvBool("ENABLE_CHALLENGE_RESPONSE", true),

		KVTimeout:        time.Duration(getEnvInt("KV_TIMEOUT_MS", 250)) * time.Millisecond,
		SettingsCacheTTL: time.Duration(getEnvInt("SETTINGS_CACHE_TTL_MS", 2000)) * time.Millisecond,

		MaxBodyBytes: int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 1*1024*1024)),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	out := make([]string, 0, 4)
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
