/*
Package ratelimit implements the gate's rate limiter (C5): fixed-window
request counters at two resolutions (60 s, 3600 s), evaluated both
per-identity and globally, backed by the progressive ban ladder shared
with the challenge service.

Every check is ordered ban-first, identity-before-global, so the
reported rejection reason is always the most specific one that applies
— an identity already serving a ban never falls through to a global
counter increment it doesn't need.
*/
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/banladder"
	"github.com/sentrygate/gateway/clock"
	"github.com/sentrygate/gateway/redisclient"
	"github.com/sentrygate/gateway/settings"
)

// Reason is the rejection error code reported to the client.
const Reason = "rate_limited"

// Decision is the outcome of CheckAndIncrement.
type Decision struct {
	Admit             bool
	Reason            string
	RetryAfterSeconds int
	ViolationCount    int64
	BanExpiresAt      *int64 // epoch seconds, nil when not applicable
}

func admit() Decision { return Decision{Admit: true} }

// Limiter is the Rate Limiter (C5).
type Limiter struct {
	store    redisclient.Store
	clock    clock.Clock
	settings *settings.Registry
	ladder   *banladder.Ladder
	logger   zerolog.Logger
}

// New creates a Limiter.
func New(store redisclient.Store, c clock.Clock, reg *settings.Registry, ladder *banladder.Ladder, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:    store,
		clock:    c,
		settings: reg,
		ladder:   ladder,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
	}
}

// banNamespace returns the ban ladder namespace for a given endpoint
// scope, per the rate violation class's KV namespace convention.
func banNamespace(scope string) string { return "ratelimit:" + scope }

// CheckAndIncrement evaluates and advances the identity's and the
// global counters for scope, returning an admit/reject Decision.
func (l *Limiter) CheckAndIncrement(ctx context.Context, identity, scope string) (Decision, error) {
	ns := banNamespace(scope)

	challengeModeOn, err := l.settings.GetBool(ctx, settings.KeyEnableChallengeResponse)
	if err != nil {
		return Decision{}, err
	}

	// The ban ladder only applies while challenge mode is on: with it
	// off, fingerprints are free to rotate, so a per-identity ban is
	// trivially evaded and not worth the KV traffic.
	if challengeModeOn {
		if remaining, banned, err := l.ladder.Active(ctx, ns, identity); err != nil {
			return Decision{}, err
		} else if banned {
			vc, err := l.ladder.IncrementViolation(ctx, ns, identity)
			if err != nil {
				return Decision{}, err
			}
			expiresAt := l.clock.Now().Add(remaining).Unix()
			return Decision{
				Admit:             false,
				Reason:            Reason,
				RetryAfterSeconds: int(remaining.Seconds()) + 1,
				ViolationCount:    vc,
				BanExpiresAt:      &expiresAt,
			}, nil
		}
	}

	if d, err := l.checkWindow(ctx, identity, scope, "60", 60*time.Second, settings.KeyRateLimitPerMinute, ns, challengeModeOn); err != nil || !d.Admit {
		return d, err
	}
	if d, err := l.checkWindow(ctx, identity, scope, "3600", 3600*time.Second, settings.KeyRateLimitPerHour, ns, challengeModeOn); err != nil || !d.Admit {
		return d, err
	}

	globalOn, err := l.settings.GetBool(ctx, settings.KeyEnableGlobalRateLimit)
	if err != nil {
		return Decision{}, err
	}
	if !globalOn {
		return admit(), nil
	}

	if d, err := l.checkGlobalWindow(ctx, scope, "60", 60*time.Second, settings.KeyGlobalRateLimitPerMinute); err != nil || !d.Admit {
		return d, err
	}
	if d, err := l.checkGlobalWindow(ctx, scope, "3600", 3600*time.Second, settings.KeyGlobalRateLimitPerHour); err != nil || !d.Admit {
		return d, err
	}

	return admit(), nil
}

// checkWindow increments the per-identity counter for the given
// resolution and, on breach, applies the ban ladder (when enabled).
func (l *Limiter) checkWindow(ctx context.Context, identity, scope, window string, ttl time.Duration, limitKey string, ns string, ladderEnabled bool) (Decision, error) {
	limit, err := l.settings.GetInt(ctx, limitKey)
	if err != nil {
		return Decision{}, err
	}

	n, err := l.store.IncrWithTTL(ctx, counterKey(scope, identity, window), ttl)
	if err != nil {
		// Fail-closed: an unreachable counter can't confirm we stayed
		// under the limit, so the request is rejected rather than risk
		// silently exceeding it.
		return Decision{Admit: false, Reason: Reason, RetryAfterSeconds: int(ttl.Seconds())}, err
	}
	if n <= limit {
		return admit(), nil
	}

	if !ladderEnabled {
		return Decision{Admit: false, Reason: Reason, RetryAfterSeconds: int(ttl.Seconds())}, nil
	}

	banDuration, violationCount, err := l.ladder.Breach(ctx, ns, identity)
	if err != nil {
		return Decision{}, err
	}
	expiresAt := l.clock.Now().Add(banDuration).Unix()
	return Decision{
		Admit:             false,
		Reason:            Reason,
		RetryAfterSeconds: int(banDuration.Seconds()),
		ViolationCount:    violationCount,
		BanExpiresAt:      &expiresAt,
	}, nil
}

// checkGlobalWindow increments a global counter with no ban ladder:
// breaching it rejects with a retry suggestion bounded by the window
// length, since the limit is a shared ceiling rather than an
// individually punishable offense.
func (l *Limiter) checkGlobalWindow(ctx context.Context, scope, window string, ttl time.Duration, limitKey string) (Decision, error) {
	limit, err := l.settings.GetInt(ctx, limitKey)
	if err != nil {
		return Decision{}, err
	}

	n, err := l.store.IncrWithTTL(ctx, globalCounterKey(scope, window), ttl)
	if err != nil {
		return Decision{Admit: false, Reason: Reason, RetryAfterSeconds: int(ttl.Seconds())}, err
	}
	if n <= limit {
		return admit(), nil
	}
	return Decision{Admit: false, Reason: Reason, RetryAfterSeconds: int(ttl.Seconds())}, nil
}

func counterKey(scope, identity, window string) string {
	return "rl:" + scope + ":" + identity + ":" + window
}

func globalCounterKey(scope, window string) string {
	return "rl:" + scope + ":global:" + window
}
