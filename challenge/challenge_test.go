package challenge

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

func newTestService(c clock.Clock, statics map[string]string) *Service {
	store := redisclient.NewMemStore(c)
	reg := settings.New(store, c, 0, settings.DefaultSchemas(), statics)
	ladder := banladder.New(store, c, banladder.Default)
	return New(store, c, reg, ladder, zerolog.Nop())
}

func baseStatics() map[string]string {
	return map[string]string{
		settings.KeyChallengeTTLSeconds:              "300",
		settings.KeyMaxActiveChallengesPerIdentifier: "5",
		settings.KeyChallengeRequestRateLimitSeconds: "3",
		settings.KeyEnableChallengeResponse:          "true",
	}
}

func TestIssueThenConsumeOnceSucceedsTwiceFails(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := newTestService(c, baseStatics())
	ctx := context.Background()

	id, ttl, rej, err := s.Issue(ctx, "net:1.1.1.1")
	if err != nil || rej != nil {
		t.Fatalf("issue: err=%v rej=%+v", err, rej)
	}
	if ttl != 300 {
		t.Fatalf("expected ttl 300, got %d", ttl)
	}

	ok, err := s.Consume(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected first consume to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.Consume(ctx, id)
	if err != nil || ok {
		t.Fatalf("expected second consume to fail, got ok=%v err=%v", ok, err)
	}
}

func TestIssueSpamTriggersRejectionAndBan(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := newTestService(c, baseStatics())
	ctx := context.Background()

	_, _, rej, err := s.Issue(ctx, "net:2.2.2.2")
	if err != nil || rej != nil {
		t.Fatalf("first issue should succeed: rej=%+v err=%v", rej, err)
	}

	c.Advance(1 * time.Second)
	id, _, rej, err := s.Issue(ctx, "net:2.2.2.2")
	if err != nil {
		t.Fatalf("second issue errored: %v", err)
	}
	if rej == nil {
		t.Fatalf("expected too_many_challenges rejection")
	}
	if id != "" {
		t.Fatalf("expected no challenge id on rejection")
	}
	if rej.RetryAfterSeconds < 1 || rej.RetryAfterSeconds > 3 {
		t.Fatalf("expected retry_after in [1,3], got %d", rej.RetryAfterSeconds)
	}
	if rej.ViolationCount != 1 {
		t.Fatalf("expected violation count 1, got %d", rej.ViolationCount)
	}

	// A third attempt while the ban is still active should reject
	// immediately from the ladder check, without re-triggering IncrWithTTL.
	id, _, rej, err = s.Issue(ctx, "net:2.2.2.2")
	if err != nil || rej == nil || id != "" {
		t.Fatalf("expected continued rejection while banned: rej=%+v err=%v", rej, err)
	}
}

func TestActiveSetCapEvictsOldest(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	statics := baseStatics()
	statics[settings.KeyMaxActiveChallengesPerIdentifier] = "2"
	statics[settings.KeyChallengeRequestRateLimitSeconds] = "1"
	s := newTestService(c, statics)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, _, rej, err := s.Issue(ctx, "net:3.3.3.3")
		if err != nil || rej != nil {
			t.Fatalf("issue %d: rej=%+v err=%v", i, rej, err)
		}
		ids = append(ids, id)
		c.Advance(2 * time.Second)
	}

	// The oldest (first) id should have been evicted once the cap of 2
	// was exceeded by the third issuance.
	ok, err := s.Peek(ctx, ids[0])
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if ok {
		t.Fatalf("expected oldest challenge to be evicted")
	}

	ok, err = s.Peek(ctx, ids[2])
	if err != nil || !ok {
		t.Fatalf("expected newest challenge to still exist: ok=%v err=%v", ok, err)
	}
}

func TestConsumeUnknownIDReturnsFalseNotError(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := newTestService(c, baseStatics())

	ok, err := s.Consume(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("expected no error for unknown id, got %v", err)
	}
	if ok {
		t.Fatalf("expected false for unknown id")
	}
}

func TestEnabledReflectsToggle(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	statics := baseStatics()
	statics[settings.KeyEnableChallengeResponse] = "false"
	s := newTestService(c, statics)

	if s.Enabled(context.Background()) {
		t.Fatalf("expected disabled per static config")
	}
}
