package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/banladder"
	"github.com/sentrygate/gateway/challenge"
	"github.com/sentrygate/gateway/clock"
	"github.com/sentrygate/gateway/costgovernor"
	"github.com/sentrygate/gateway/identity"
	"github.com/sentrygate/gateway/ratelimit"
	"github.com/sentrygate/gateway/redisclient"
	"github.com/sentrygate/gateway/settings"
)

func newTestGate(c clock.Clock, overrides map[string]string) (*Gate, *challenge.Service) {
	store := redisclient.NewMemStore(c)
	statics := map[string]string{
		settings.KeyRateLimitPerMinute:               "60",
		settings.KeyRateLimitPerHour:                 "1000",
		settings.KeyGlobalRateLimitPerMinute:         "100000",
		settings.KeyGlobalRateLimitPerHour:           "1000000",
		settings.KeyEnableGlobalRateLimit:            "true",
		settings.KeyEnableChallengeResponse:          "true",
		settings.KeyChallengeTTLSeconds:              "300",
		settings.KeyMaxActiveChallengesPerIdentifier: "5",
		settings.KeyChallengeRequestRateLimitSeconds: "3",
		settings.KeyHighCostThresholdUSD:             "0.03",
		settings.KeyHighCostWindowSeconds:            "600",
		settings.KeyCostThrottleDurationSeconds:      "30",
		settings.KeyHourlySpendLimitUSD:              "50",
		settings.KeyDailySpendLimitUSD:               "500",
	}
	for k, v := range overrides {
		statics[k] = v
	}
	reg := settings.New(store, c, 0, settings.DefaultSchemas(), statics)
	ladder := banladder.New(store, c, banladder.Default)
	resolver := identity.NewResolver("", nil)
	ch := challenge.New(store, c, reg, ladder, zerolog.Nop())
	rl := ratelimit.New(store, c, reg, ladder, zerolog.Nop())
	cg := costgovernor.New(store, c, reg, zerolog.Nop())
	return New(resolver, ch, rl, cg, reg, zerolog.Nop()), ch
}

func TestAdmitPlainRequestSucceeds(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	g, _ := newTestGate(c, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.RemoteAddr = "203.0.113.1:1234"

	adm, rej, err := g.Admit(context.Background(), req, "chat")
	if err != nil {
		t.Fatalf("admit errored: %v", err)
	}
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if adm == nil || adm.Identity != "net:203.0.113.1" {
		t.Fatalf("unexpected admission: %+v", adm)
	}
}

// S3: challenge one-shot — a chat request presenting an already-consumed
// challenge ID must be rejected with invalid_challenge.
func TestAdmitRejectsConsumedChallenge(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	g, ch := newTestGate(c, nil)
	ctx := context.Background()

	id, _, rej, err := ch.Issue(ctx, "net:9.9.9.9")
	if err != nil || rej != nil {
		t.Fatalf("issue: rej=%+v err=%v", rej, err)
	}
	ok, err := ch.Consume(ctx, id)
	if err != nil || !ok {
		t.Fatalf("pre-consume: ok=%v err=%v", ok, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("X-Fingerprint", "fp:"+id+":deadbeefdeadbeefdeadbeefdeadbeef")
	req.RemoteAddr = "203.0.113.1:1234"

	adm, gateRej, err := g.Admit(ctx, req, "chat")
	if err != nil {
		t.Fatalf("admit errored: %v", err)
	}
	if adm != nil {
		t.Fatalf("expected no admission for consumed challenge")
	}
	if gateRej == nil || gateRej.Error != ErrInvalidChallenge {
		t.Fatalf("expected invalid_challenge rejection, got %+v", gateRej)
	}
}

func TestAdmitValidChallengeSucceedsOnce(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	g, ch := newTestGate(c, nil)
	ctx := context.Background()

	id, _, _, err := ch.Issue(ctx, "net:8.8.8.8")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	makeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
		req.Header.Set("X-Fingerprint", "fp:"+id+":deadbeefdeadbeefdeadbeefdeadbeef")
		req.RemoteAddr = "203.0.113.1:1234"
		return req
	}

	adm, rej, err := g.Admit(ctx, makeReq(), "chat")
	if err != nil || rej != nil || adm == nil {
		t.Fatalf("expected first admission to succeed: adm=%+v rej=%+v err=%v", adm, rej, err)
	}

	adm2, rej2, err := g.Admit(ctx, makeReq(), "chat")
	if err != nil {
		t.Fatalf("second admit errored: %v", err)
	}
	if adm2 != nil || rej2 == nil || rej2.Error != ErrInvalidChallenge {
		t.Fatalf("expected second admission with the same token to fail invalid_challenge, got adm=%+v rej=%+v", adm2, rej2)
	}
}

func TestAdmitRejectsOnRateLimit(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	g, _ := newTestGate(c, map[string]string{settings.KeyRateLimitPerMinute: "1"})
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.RemoteAddr = "203.0.113.2:1234"

	if _, rej, _ := g.Admit(ctx, req, "chat"); rej != nil {
		t.Fatalf("expected first admission to pass, got %+v", rej)
	}
	_, rej, err := g.Admit(ctx, req, "chat")
	if err != nil {
		t.Fatalf("admit errored: %v", err)
	}
	if rej == nil || rej.Error != ErrRateLimited {
		t.Fatalf("expected rate_limited rejection, got %+v", rej)
	}
}
