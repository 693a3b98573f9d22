package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/banladder"
	"github.com/sentrygate/gateway/clock"
	"github.com/sentrygate/gateway/redisclient"
	"github.com/sentrygate/gateway/settings"
)

func newTestLimiter(c clock.Clock, overrides map[string]string) *Limiter {
	store := redisclient.NewMemStore(c)
	statics := map[string]string{
		settings.KeyRateLimitPerMinute:       "3",
		settings.KeyRateLimitPerHour:         "1000",
		settings.KeyGlobalRateLimitPerMinute: "1000",
		settings.KeyGlobalRateLimitPerHour:   "100000",
		settings.KeyEnableGlobalRateLimit:    "true",
		settings.KeyEnableChallengeResponse:  "true",
	}
	for k, v := range overrides {
		statics[k] = v
	}
	reg := settings.New(store, c, 0, settings.DefaultSchemas(), statics)
	ladder := banladder.New(store, c, banladder.Default)
	return New(store, c, reg, ladder, zerolog.Nop())
}

// S1: per-minute breach triggers short ban.
func TestPerMinuteBreachTriggersShortBan(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	l := newTestLimiter(c, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CheckAndIncrement(ctx, "net:1.1.1.1", "chat")
		if err != nil || !d.Admit {
			t.Fatalf("admission %d should pass: %+v err=%v", i, d, err)
		}
	}

	d, err := l.CheckAndIncrement(ctx, "net:1.1.1.1", "chat")
	if err != nil {
		t.Fatalf("4th check errored: %v", err)
	}
	if d.Admit {
		t.Fatalf("expected 4th admission to be rejected")
	}
	if d.Reason != Reason {
		t.Fatalf("expected reason %q, got %q", Reason, d.Reason)
	}
	if d.RetryAfterSeconds < 1 || d.RetryAfterSeconds > 60 {
		t.Fatalf("expected retry_after in [1,60], got %d", d.RetryAfterSeconds)
	}
	if d.ViolationCount != 1 {
		t.Fatalf("expected violation_count 1, got %d", d.ViolationCount)
	}
}

// S2: ladder escalation after ban clears.
func TestLadderEscalatesAfterBanClears(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	l := newTestLimiter(c, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.CheckAndIncrement(ctx, "net:2.2.2.2", "chat")
	}
	first, err := l.CheckAndIncrement(ctx, "net:2.2.2.2", "chat")
	if err != nil || first.Admit {
		t.Fatalf("expected first breach rejection: %+v err=%v", first, err)
	}

	c.Advance(61 * time.Second)

	for i := 0; i < 3; i++ {
		d, err := l.CheckAndIncrement(ctx, "net:2.2.2.2", "chat")
		if err != nil || !d.Admit {
			t.Fatalf("post-ban admission %d should pass: %+v err=%v", i, d, err)
		}
	}
	second, err := l.CheckAndIncrement(ctx, "net:2.2.2.2", "chat")
	if err != nil {
		t.Fatalf("second breach errored: %v", err)
	}
	if second.Admit {
		t.Fatalf("expected second breach rejection")
	}
	if second.ViolationCount != 2 {
		t.Fatalf("expected violation_count 2, got %d", second.ViolationCount)
	}
	if second.RetryAfterSeconds != 300 {
		t.Fatalf("expected 300s ban on ladder step 2, got %d", second.RetryAfterSeconds)
	}
}

func TestBanDisabledWhenChallengeModeOff(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	l := newTestLimiter(c, map[string]string{settings.KeyEnableChallengeResponse: "false"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.CheckAndIncrement(ctx, "net:3.3.3.3", "chat")
	}
	d, err := l.CheckAndIncrement(ctx, "net:3.3.3.3", "chat")
	if err != nil || d.Admit {
		t.Fatalf("expected rejection without a ban: %+v err=%v", d, err)
	}
	if d.BanExpiresAt != nil {
		t.Fatalf("expected no ban record when challenge mode is off")
	}

	// Without a ban, the very next request re-enters the per-minute
	// counter check rather than an active-ban short-circuit, and is
	// still rejected since the window hasn't rolled yet.
	d2, err := l.CheckAndIncrement(ctx, "net:3.3.3.3", "chat")
	if err != nil || d2.Admit {
		t.Fatalf("expected continued rejection within the same window: %+v err=%v", d2, err)
	}
}

func TestGlobalCounterDisabledWhenToggleOff(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	l := newTestLimiter(c, map[string]string{
		settings.KeyEnableGlobalRateLimit:    "false",
		settings.KeyGlobalRateLimitPerMinute: "1",
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CheckAndIncrement(ctx, "net:4.4.4.4", "chat")
		if err != nil || !d.Admit {
			t.Fatalf("expected admit despite low global limit since toggle is off: %+v err=%v", d, err)
		}
	}
}

func TestIndependentIdentitiesDoNotShareCounters(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	l := newTestLimiter(c, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.CheckAndIncrement(ctx, "net:5.5.5.5", "chat")
	}
	d, err := l.CheckAndIncrement(ctx, "net:6.6.6.6", "chat")
	if err != nil || !d.Admit {
		t.Fatalf("expected a different identity to be unaffected: %+v err=%v", d, err)
	}
}
