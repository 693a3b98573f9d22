package costgovernor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/clock"
	"github.com/sentrygate/gateway/redisclient"
	"github.com/sentrygate/gateway/settings"
)

func newTestGovernor(c clock.Clock, overrides map[string]string) *Governor {
	store := redisclient.NewMemStore(c)
	statics := map[string]string{
		settings.KeyHighCostThresholdUSD:        "0.015",
		settings.KeyHighCostWindowSeconds:       "600",
		settings.KeyCostThrottleDurationSeconds: "30",
		settings.KeyHourlySpendLimitUSD:         "50",
		settings.KeyDailySpendLimitUSD:          "500",
	}
	for k, v := range overrides {
		statics[k] = v
	}
	reg := settings.New(store, c, 0, settings.DefaultSchemas(), statics)
	return New(store, c, reg, zerolog.Nop())
}

// S5: cost throttle.
func TestHighCostWindowTriggersThrottle(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := newTestGovernor(c, nil)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		g.Record(ctx, "net:1.1.1.1", 0.001)
		c.Advance(500 * time.Millisecond)
	}

	d, err := g.Preflight(ctx, "net:1.1.1.1")
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if d.Admit {
		t.Fatalf("expected throttled rejection after 15 x $0.001 crossing $0.015 threshold")
	}
	if d.Reason != ReasonCostThrottled {
		t.Fatalf("expected reason %q, got %q", ReasonCostThrottled, d.Reason)
	}
	if d.RetryAfterSeconds < 1 || d.RetryAfterSeconds > 30 {
		t.Fatalf("expected retry_after in [1,30], got %d", d.RetryAfterSeconds)
	}
}

func TestCostThrottleDoesNotAffectOtherIdentities(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := newTestGovernor(c, nil)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		g.Record(ctx, "net:2.2.2.2", 0.001)
	}

	d, err := g.Preflight(ctx, "net:3.3.3.3")
	if err != nil || !d.Admit {
		t.Fatalf("expected unrelated identity to remain admitted: %+v err=%v", d, err)
	}
}

// S6: global daily cap.
func TestGlobalDailyCapRejectsUntilBoundary(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))
	g := newTestGovernor(c, map[string]string{
		settings.KeyDailySpendLimitUSD: "0.01",
	})
	ctx := context.Background()

	g.Record(ctx, "net:a", 0.006)
	g.Record(ctx, "net:b", 0.005)

	d, err := g.Preflight(ctx, "net:c")
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if d.Admit {
		t.Fatalf("expected global_budget_exceeded after crossing daily cap")
	}
	if d.Reason != ReasonGlobalBudgetExceeded {
		t.Fatalf("expected reason %q, got %q", ReasonGlobalBudgetExceeded, d.Reason)
	}

	// Still rejected right up to the UTC day boundary.
	c.Set(time.Date(2026, 7, 30, 23, 59, 59, 0, time.UTC))
	if d, _ := g.Preflight(ctx, "net:d"); d.Admit {
		t.Fatalf("expected rejection to persist until the day boundary")
	}

	// Crossing into the next UTC day resets the counter.
	c.Set(time.Date(2026, 7, 31, 0, 0, 1, 0, time.UTC))
	d, err = g.Preflight(ctx, "net:e")
	if err != nil || !d.Admit {
		t.Fatalf("expected admit after day boundary reset: %+v err=%v", d, err)
	}
}

func TestHourlyCapIsIndependentOfDailyCap(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))
	g := newTestGovernor(c, map[string]string{
		settings.KeyHourlySpendLimitUSD: "0.01",
		settings.KeyDailySpendLimitUSD:  "500",
	})
	ctx := context.Background()

	g.Record(ctx, "net:a", 0.02)

	d, err := g.Preflight(ctx, "net:b")
	if err != nil || d.Admit {
		t.Fatalf("expected hourly cap to reject: %+v err=%v", d, err)
	}

	c.Set(time.Date(2026, 7, 30, 11, 0, 1, 0, time.UTC))
	d, err = g.Preflight(ctx, "net:c")
	if err != nil || !d.Admit {
		t.Fatalf("expected admit after hour boundary reset: %+v err=%v", d, err)
	}
}

// S8: enable_cost_throttling toggle.
func TestThrottleDisabledNeverRejectsOrWritesThrottleRecord(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := newTestGovernor(c, map[string]string{
		settings.KeyEnableCostThrottling: "false",
	})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		g.Record(ctx, "net:1.1.1.1", 0.001)
		c.Advance(500 * time.Millisecond)
	}

	d, err := g.Preflight(ctx, "net:1.1.1.1")
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if !d.Admit {
		t.Fatalf("expected no throttle rejection with cost throttling disabled: %+v", d)
	}

	if _, ok, err := g.store.Get(ctx, throttleKey("net:1.1.1.1")); err != nil || ok {
		t.Fatalf("expected no throttle record written while disabled, ok=%v err=%v", ok, err)
	}
}

// S9: per-identity daily cap (daily_cost_limit_usd).
func TestPerIdentityDailyCapRejectsOnlyThatIdentity(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))
	g := newTestGovernor(c, map[string]string{
		settings.KeyDailyCostLimitUSD: "0.01",
	})
	ctx := context.Background()

	g.Record(ctx, "net:capped", 0.01)

	d, err := g.Preflight(ctx, "net:capped")
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if d.Admit {
		t.Fatalf("expected global_budget_exceeded after crossing per-identity cap")
	}
	if d.Reason != ReasonGlobalBudgetExceeded {
		t.Fatalf("expected reason %q, got %q", ReasonGlobalBudgetExceeded, d.Reason)
	}

	if d, err := g.Preflight(ctx, "net:uncapped"); err != nil || !d.Admit {
		t.Fatalf("expected a different identity to remain admitted: %+v err=%v", d, err)
	}

	c.Set(time.Date(2026, 7, 31, 0, 0, 1, 0, time.UTC))
	if d, err := g.Preflight(ctx, "net:capped"); err != nil || !d.Admit {
		t.Fatalf("expected admit after day boundary reset: %+v err=%v", d, err)
	}
}

func TestDailyCapDisabledByDefault(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := newTestGovernor(c, nil)
	ctx := context.Background()

	g.Record(ctx, "net:unbounded", 0.001)

	if d, err := g.Preflight(ctx, "net:unbounded"); err != nil || !d.Admit {
		t.Fatalf("expected no per-identity cap without daily_cost_limit_usd configured: %+v err=%v", d, err)
	}
}

func TestZeroCostCacheHitRecordsNothing(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := newTestGovernor(c, nil)
	ctx := context.Background()

	g.Record(ctx, "net:z", 0)

	rolling, _, err := g.readCalendarCounter(ctx, identityWindowKey("net:z"), c.Now())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rolling != 0 {
		t.Fatalf("expected no accumulation for zero cost, got %d", rolling)
	}
}
