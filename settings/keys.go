package settings

import (
	"strconv"

	"github.com/sentrygate/gateway/config"
)

// Recognized setting keys, per the admin surface's effects table.
const (
	KeyRateLimitPerMinute               = "rate_limit_per_minute"
	KeyRateLimitPerHour                 = "rate_limit_per_hour"
	KeyGlobalRateLimitPerMinute         = "global_rate_limit_per_minute"
	KeyGlobalRateLimitPerHour           = "global_rate_limit_per_hour"
	KeyEnableGlobalRateLimit            = "enable_global_rate_limit"
	KeyDailySpendLimitUSD               = "daily_spend_limit_usd"
	KeyHourlySpendLimitUSD              = "hourly_spend_limit_usd"
	KeyEnableCostThrottling             = "enable_cost_throttling"
	KeyHighCostThresholdUSD             = "high_cost_threshold_usd"
	KeyHighCostWindowSeconds            = "high_cost_window_seconds"
	KeyCostThrottleDurationSeconds      = "cost_throttle_duration_seconds"
	KeyDailyCostLimitUSD                = "daily_cost_limit_usd"
	KeyChallengeTTLSeconds              = "challenge_ttl_seconds"
	KeyMaxActiveChallengesPerIdentifier = "max_active_challenges_per_identifier"
	KeyChallengeRequestRateLimitSeconds = "challenge_request_rate_limit_seconds"
	KeyEnableChallengeResponse          = "enable_challenge_response"
)

// DefaultSchemas returns the whitelist of recognized keys and their
// validation rules, per the admin surface's effects table. Dollar
// amounts are stored to six-decimal precision headroom as floats;
// downstream cost governance code converts to integer micro-USD.
func DefaultSchemas() []Schema {
	return []Schema{
		{Key: KeyRateLimitPerMinute, Kind: KindInt, Min: 1, Max: 1_000_000},
		{Key: KeyRateLimitPerHour, Kind: KindInt, Min: 1, Max: 100_000_000},
		{Key: KeyGlobalRateLimitPerMinute, Kind: KindInt, Min: 1, Max: 100_000_000},
		{Key: KeyGlobalRateLimitPerHour, Kind: KindInt, Min: 1, Max: 1_000_000_000},
		{Key: KeyEnableGlobalRateLimit, Kind: KindBool},
		{Key: KeyDailySpendLimitUSD, Kind: KindFloat, Min: 0.000001, Max: 1_000_000},
		{Key: KeyHourlySpendLimitUSD, Kind: KindFloat, Min: 0.000001, Max: 1_000_000},
		{Key: KeyEnableCostThrottling, Kind: KindBool},
		{Key: KeyHighCostThresholdUSD, Kind: KindFloat, Min: 0.000001, Max: 1_000_000},
		{Key: KeyHighCostWindowSeconds, Kind: KindInt, Min: 60, Max: 86400},
		{Key: KeyCostThrottleDurationSeconds, Kind: KindInt, Min: 1, Max: 86400},
		{Key: KeyDailyCostLimitUSD, Kind: KindFloat, Min: 0, Max: 1_000_000},
		{Key: KeyChallengeTTLSeconds, Kind: KindInt, Min: 60, Max: 86400},
		{Key: KeyMaxActiveChallengesPerIdentifier, Kind: KindInt, Min: 1, Max: 10_000},
		{Key: KeyChallengeRequestRateLimitSeconds, Kind: KindInt, Min: 1, Max: 3},
		{Key: KeyEnableChallengeResponse, Kind: KindBool},
	}
}

// StaticsFromConfig encodes *config.Config's gating fields as the
// static fallback layer consulted when no dynamic override exists.
func StaticsFromConfig(cfg *config.Config) map[string]string {
	return map[string]string{
		KeyRateLimitPerMinute:               strconv.Itoa(cfg.RateLimitPerMinute),
		KeyRateLimitPerHour:                 strconv.Itoa(cfg.RateLimitPerHour),
		KeyGlobalRateLimitPerMinute:         strconv.Itoa(cfg.GlobalRateLimitPerMinute),
		KeyGlobalRateLimitPerHour:           strconv.Itoa(cfg.GlobalRateLimitPerHour),
		KeyEnableGlobalRateLimit:            strconv.FormatBool(cfg.EnableGlobalRateLimit),
		KeyDailySpendLimitUSD:               strconv.FormatFloat(cfg.DailySpendLimitUSD, 'f', -1, 64),
		KeyHourlySpendLimitUSD:              strconv.FormatFloat(cfg.HourlySpendLimitUSD, 'f', -1, 64),
		KeyEnableCostThrottling:             strconv.FormatBool(cfg.EnableCostThrottling),
		KeyHighCostThresholdUSD:             strconv.FormatFloat(cfg.HighCostThresholdUSD, 'f', -1, 64),
		KeyHighCostWindowSeconds:            strconv.Itoa(cfg.HighCostWindowSeconds),
		KeyCostThrottleDurationSeconds:      strconv.Itoa(cfg.CostThrottleDurationSeconds),
		KeyDailyCostLimitUSD:                strconv.FormatFloat(cfg.DailyCostLimitUSD, 'f', -1, 64),
		KeyChallengeTTLSeconds:              strconv.Itoa(cfg.ChallengeTTLSeconds),
		KeyMaxActiveChallengesPerIdentifier: strconv.Itoa(cfg.MaxActiveChallengesPerIdentifier),
		KeyChallengeRequestRateLimitSeconds: strconv.Itoa(cfg.ChallengeRequestRateLimitSeconds),
		KeyEnableChallengeResponse:          strconv.FormatBool(cfg.EnableChallengeResponse),
	}
}
