/*
Package costgovernor implements the cost governor (C6): a preflight
check run before any expensive upstream work, and a post-hoc record
call that tracks realized spend against per-identity and global
budgets.

Costs are accumulated as integer micro-USD (one millionth of a dollar)
rather than floating point dollars, so repeated small increments never
drift away from the true total through rounding. All comparisons
against a threshold are inclusive, per spec — a cost exactly at the
threshold throttles.
*/
package costgovernor

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/clock"
	"github.com/sentrygate/gateway/redisclient"
	"github.com/sentrygate/gateway/settings"
)

// microUSDPerUSD is the fixed-point scale factor for internal storage.
const microUSDPerUSD = 1_000_000

// Reason codes reported to the client. spec.md's error taxonomy has no
// separate class for the per-identity daily cap — it surfaces as
// global_budget_exceeded like the global hourly/daily caps.
const (
	ReasonCostThrottled        = "cost_throttled"
	ReasonGlobalBudgetExceeded = "global_budget_exceeded"
)

// Decision is the outcome of Preflight.
type Decision struct {
	Admit             bool
	Reason            string
	RetryAfterSeconds int
}

func admit() Decision { return Decision{Admit: true} }

// Governor is the Cost Governor (C6).
type Governor struct {
	store    redisclient.Store
	clock    clock.Clock
	settings *settings.Registry
	logger   zerolog.Logger
}

// New creates a Governor.
func New(store redisclient.Store, c clock.Clock, reg *settings.Registry, logger zerolog.Logger) *Governor {
	return &Governor{store: store, clock: c, settings: reg, logger: logger.With().Str("component", "costgovernor").Logger()}
}

// usdToMicros converts a USD float to integer micro-USD, rounding to
// the nearest unit.
func usdToMicros(usd float64) int64 {
	return int64(math.Round(usd * microUSDPerUSD))
}

// Preflight checks, in order: the identity's own throttle record, the
// identity's daily spend (only when daily_cost_limit_usd is positive),
// the global hourly spend, and the global daily spend. A hit on any rejects
// with a retry suggestion bounded to the corresponding window boundary
// (or to the throttle's own expiry).
func (g *Governor) Preflight(ctx context.Context, identity string) (Decision, error) {
	throttlingEnabled, err := g.settings.GetBool(ctx, settings.KeyEnableCostThrottling)
	if err != nil {
		g.logger.Error().Err(err).Msg("preflight: failed to read cost throttling toggle, treating throttling as enabled")
		throttlingEnabled = true
	}

	if throttlingEnabled {
		if remaining, throttled, err := g.checkThrottle(ctx, identity); err != nil {
			// Fail-open for the per-identity throttle: an outage here must
			// not accumulate into a user-visible denial for recoverable
			// state that only ever benefits the user by being strict.
			g.logger.Error().Err(err).Msg("throttle check failed, failing open")
		} else if throttled {
			return Decision{Admit: false, Reason: ReasonCostThrottled, RetryAfterSeconds: int(remaining.Seconds()) + 1}, nil
		}
	}

	dailyCap, err := g.settings.GetFloat(ctx, settings.KeyDailyCostLimitUSD)
	if err != nil {
		// Optional, default off: an unreadable setting behaves as if it
		// were never configured rather than denying every request.
		g.logger.Error().Err(err).Msg("preflight: failed to read per-identity daily cap, treating as disabled")
		dailyCap = 0
	}
	if dailyCap > 0 {
		identitySpentMicros, retryIdentityDay, err := g.readCalendarCounter(ctx, identityDayKey(identity, g.clock.Now()), dayBoundary(g.clock.Now()))
		if err != nil {
			return Decision{Admit: false, Reason: ReasonGlobalBudgetExceeded, RetryAfterSeconds: int(retryIdentityDay.Seconds())}, err
		}
		if identitySpentMicros >= usdToMicros(dailyCap) {
			return Decision{Admit: false, Reason: ReasonGlobalBudgetExceeded, RetryAfterSeconds: int(retryIdentityDay.Seconds())}, nil
		}
	}

	hourlyLimit, err := g.settings.GetFloat(ctx, settings.KeyHourlySpendLimitUSD)
	if err != nil {
		return Decision{Admit: false, Reason: ReasonGlobalBudgetExceeded}, err
	}
	hourSpentMicros, retryHour, err := g.readCalendarCounter(ctx, hourKey(g.clock.Now()), hourBoundary(g.clock.Now()))
	if err != nil {
		// Fail-closed for global limits: an unreadable counter can't
		// confirm we're under budget, so deny rather than risk leaking
		// spend past the cap.
		return Decision{Admit: false, Reason: ReasonGlobalBudgetExceeded, RetryAfterSeconds: int(retryHour.Seconds())}, err
	}
	if hourSpentMicros >= usdToMicros(hourlyLimit) {
		return Decision{Admit: false, Reason: ReasonGlobalBudgetExceeded, RetryAfterSeconds: int(retryHour.Seconds())}, nil
	}

	dailyLimit, err := g.settings.GetFloat(ctx, settings.KeyDailySpendLimitUSD)
	if err != nil {
		return Decision{Admit: false, Reason: ReasonGlobalBudgetExceeded}, err
	}
	daySpentMicros, retryDay, err := g.readCalendarCounter(ctx, dayKey(g.clock.Now()), dayBoundary(g.clock.Now()))
	if err != nil {
		return Decision{Admit: false, Reason: ReasonGlobalBudgetExceeded, RetryAfterSeconds: int(retryDay.Seconds())}, err
	}
	if daySpentMicros >= usdToMicros(dailyLimit) {
		return Decision{Admit: false, Reason: ReasonGlobalBudgetExceeded, RetryAfterSeconds: int(retryDay.Seconds())}, nil
	}

	return admit(), nil
}

// checkThrottle reports whether identity currently carries an
// unexpired throttle record.
func (g *Governor) checkThrottle(ctx context.Context, identity string) (time.Duration, bool, error) {
	v, ok, err := g.store.Get(ctx, throttleKey(identity))
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	var expiresAt int64
	if n, serr := strconv.ParseInt(v, 10, 64); serr == nil {
		expiresAt = n
	}
	remaining := time.Unix(expiresAt, 0).Sub(g.clock.Now())
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// readCalendarCounter reads the current value of a calendar-aligned
// counter without incrementing it, for preflight comparisons.
func (g *Governor) readCalendarCounter(ctx context.Context, key string, boundary time.Time) (int64, time.Duration, error) {
	v, ok, err := g.store.Get(ctx, key)
	retryAfter := boundary.Sub(g.clock.Now())
	if err != nil {
		return 0, retryAfter, err
	}
	if !ok {
		return 0, retryAfter, nil
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, retryAfter, nil
}

// Record accounts a realized cost against the calendar-aligned global
// hourly/daily counters and the identity's daily counter. While cost
// throttling is enabled it also adds to the identity's rolling 10 min
// window, and if that spend reaches high_cost_threshold_usd after this
// increment, a throttle record is set. Failures here are logged
// but never surfaced — the caller already has their answer.
func (g *Governor) Record(ctx context.Context, identity string, costUSD float64) {
	micros := usdToMicros(costUSD)
	if micros == 0 {
		return
	}

	windowSec, err := g.settings.GetInt(ctx, settings.KeyHighCostWindowSeconds)
	if err != nil {
		g.logger.Error().Err(err).Msg("record: failed to read cost window setting")
		return
	}
	window := time.Duration(windowSec) * time.Second

	throttlingEnabled, err := g.settings.GetBool(ctx, settings.KeyEnableCostThrottling)
	if err != nil {
		g.logger.Error().Err(err).Msg("record: failed to read cost throttling toggle, treating throttling as enabled")
		throttlingEnabled = true
	}

	if throttlingEnabled {
		rolling, err := g.store.IncrByWithTTL(ctx, identityWindowKey(identity), micros, window)
		if err != nil {
			g.logger.Error().Err(err).Msg("record: failed to increment identity rolling window")
		} else {
			threshold, err := g.settings.GetFloat(ctx, settings.KeyHighCostThresholdUSD)
			if err != nil {
				g.logger.Error().Err(err).Msg("record: failed to read cost threshold setting")
			} else if rolling >= usdToMicros(threshold) {
				throttleSec, err := g.settings.GetInt(ctx, settings.KeyCostThrottleDurationSeconds)
				if err != nil {
					g.logger.Error().Err(err).Msg("record: failed to read throttle duration setting")
				} else {
					throttleTTL := time.Duration(throttleSec) * time.Second
					expiresAt := g.clock.Now().Add(throttleTTL).Unix()
					if err := g.store.Set(ctx, throttleKey(identity), strconv.FormatInt(expiresAt, 10), throttleTTL); err != nil {
						g.logger.Error().Err(err).Msg("record: failed to set throttle record")
					}
				}
			}
		}
	}

	now := g.clock.Now()
	if _, err := g.store.IncrByWithTTL(ctx, hourKey(now), micros, hourBoundary(now).Sub(now)); err != nil {
		g.logger.Error().Err(err).Msg("record: failed to increment global hourly counter")
	}
	if _, err := g.store.IncrByWithTTL(ctx, dayKey(now), micros, dayBoundary(now).Sub(now)); err != nil {
		g.logger.Error().Err(err).Msg("record: failed to increment global daily counter")
	}
	if _, err := g.store.IncrByWithTTL(ctx, identityDayKey(identity, now), micros, dayBoundary(now).Sub(now)); err != nil {
		g.logger.Error().Err(err).Msg("record: failed to increment identity daily counter")
	}
}

func throttleKey(identity string) string       { return "throttle:" + identity }
func identityWindowKey(identity string) string { return "cost:10m:" + identity }

func hourKey(t time.Time) string {
	return "cost:hour:" + t.UTC().Format("2006010215")
}

func dayKey(t time.Time) string {
	return "cost:day:" + t.UTC().Format("20060102")
}

func identityDayKey(identity string, t time.Time) string {
	return "cost:day:" + identity + ":" + t.UTC().Format("20060102")
}

func hourBoundary(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC).Add(time.Hour)
}

func dayBoundary(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
