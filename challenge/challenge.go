/*
Package challenge implements the one-time challenge service (C4): it
issues UUIDs that a client must echo back inside its fingerprint header
to prove it previously round-tripped with this server, consumes them
exactly once, and rate-limits issuance per anchor identity so an
attacker can't mint unlimited fingerprints.

The anchor identity used to rate-limit issuance is deliberately
decoupled from the fingerprint that later presents the challenge:
requiring them to match would let an attacker who controls one identity
pin a victim's fingerprint to their own anchor. The anchor exists only
to throttle issuance, never to authorize consumption.
*/
package challenge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/banladder"
	"github.com/sentrygate/gateway/clock"
	"github.com/sentrygate/gateway/redisclient"
	"github.com/sentrygate/gateway/settings"
)

// violationNamespace is the ban ladder namespace for challenge-spam
// violations, per the gate's three-way violation taxonomy.
const violationNamespace = "challenge"

// Rejection describes why Issue refused to mint a challenge.
type Rejection struct {
	RetryAfterSeconds int
	ViolationCount    int64
}

// Service is the Challenge Service (C4).
type Service struct {
	store    redisclient.Store
	clock    clock.Clock
	settings *settings.Registry
	ladder   *banladder.Ladder
	logger   zerolog.Logger
}

// New creates a Service.
func New(store redisclient.Store, c clock.Clock, reg *settings.Registry, ladder *banladder.Ladder, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		clock:    c,
		settings: reg,
		ladder:   ladder,
		logger:   logger.With().Str("component", "challenge").Logger(),
	}
}

// Enabled reports whether challenge issuance/consumption is switched
// on, per the enable_challenge_response master toggle.
func (s *Service) Enabled(ctx context.Context) bool {
	v, err := s.settings.GetBool(ctx, settings.KeyEnableChallengeResponse)
	if err != nil {
		// Fails closed: an unreadable toggle is treated as disabled
		// rather than silently issuing challenges nobody asked for.
		return false
	}
	return v
}

// Issue mints a fresh challenge ID anchored to anchorIdentity, subject
// to the per-anchor issuance rate limit. On success it returns the
// challenge ID and its TTL in seconds. On a rejection it returns a
// Rejection describing the too_many_challenges response, and places a
// ban on the anchor within the challenge violation namespace.
func (s *Service) Issue(ctx context.Context, anchorIdentity string) (id string, ttlSeconds int, rej *Rejection, err error) {
	if remaining, banned, berr := s.ladder.Active(ctx, violationNamespace, anchorIdentity); berr == nil && banned {
		vc, _ := s.ladder.Violations(ctx, violationNamespace, anchorIdentity)
		return "", 0, &Rejection{RetryAfterSeconds: int(remaining.Seconds()) + 1, ViolationCount: vc}, nil
	}

	issueIntervalSec, err := s.settings.GetInt(ctx, settings.KeyChallengeRequestRateLimitSeconds)
	if err != nil {
		return "", 0, nil, err
	}
	issueInterval := time.Duration(issueIntervalSec) * time.Second

	n, err := s.store.IncrWithTTL(ctx, issueKey(anchorIdentity), issueInterval)
	if err != nil {
		return "", 0, nil, err
	}
	if n > 1 {
		_, violationCount, berr := s.ladder.Breach(ctx, violationNamespace, anchorIdentity)
		if berr != nil {
			return "", 0, nil, berr
		}
		s.logger.Warn().Str("anchor_prefix", prefix(anchorIdentity)).Int64("violation_count", violationCount).Msg("challenge issuance spam")
		return "", 0, &Rejection{RetryAfterSeconds: int(issueIntervalSec), ViolationCount: violationCount}, nil
	}

	ttlSec, err := s.settings.GetInt(ctx, settings.KeyChallengeTTLSeconds)
	if err != nil {
		return "", 0, nil, err
	}
	ttl := time.Duration(ttlSec) * time.Second

	id = uuid.NewString()
	if err := s.store.Set(ctx, challengeKey(id), anchorIdentity, ttl); err != nil {
		return "", 0, nil, err
	}

	if err := s.enforceActiveCap(ctx, anchorIdentity, id); err != nil {
		s.logger.Error().Err(err).Msg("active challenge set eviction failed")
	}

	return id, int(ttlSec), nil, nil
}

// enforceActiveCap records id in the anchor's active set and evicts the
// oldest entries beyond max_active_challenges_per_identifier.
func (s *Service) enforceActiveCap(ctx context.Context, anchorIdentity, id string) error {
	maxActive, err := s.settings.GetInt(ctx, settings.KeyMaxActiveChallengesPerIdentifier)
	if err != nil {
		return err
	}

	card, err := s.store.ZAdd(ctx, activeKey(anchorIdentity), float64(s.clock.Now().Unix()), id)
	if err != nil {
		return err
	}
	if card <= maxActive {
		return nil
	}

	evicted, err := s.store.ZPopMinN(ctx, activeKey(anchorIdentity), card-maxActive)
	if err != nil {
		return err
	}
	for _, evictedID := range evicted {
		if delErr := s.store.Del(ctx, challengeKey(evictedID)); delErr != nil {
			s.logger.Error().Err(delErr).Msg("failed to delete evicted challenge record")
		}
	}
	return nil
}

// Consume atomically deletes the challenge record and reports whether
// it existed. Returns false, nil for an unknown or already-consumed ID
// — never an error — so callers can treat it as invalid_challenge
// uniformly.
func (s *Service) Consume(ctx context.Context, id string) (bool, error) {
	anchor, ok, err := s.store.Get(ctx, challengeKey(id))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	existed, err := s.store.ConsumeIfExists(ctx, challengeKey(id))
	if err != nil {
		return false, err
	}
	if existed {
		if zerr := s.store.ZRem(ctx, activeKey(anchor), id); zerr != nil {
			s.logger.Error().Err(zerr).Msg("failed to remove consumed challenge from active set")
		}
	}
	return existed, nil
}

// Peek is a non-destructive existence check, for diagnostics only.
func (s *Service) Peek(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.store.Get(ctx, challengeKey(id))
	return ok, err
}

func challengeKey(id string) string          { return "ch:" + id }
func activeKey(anchorIdentity string) string { return "ch:active:" + anchorIdentity }
func issueKey(anchorIdentity string) string  { return "ch:issue:" + anchorIdentity }

// prefix returns a short, non-identifying slice of an identity token
// for log lines — never the full token.
func prefix(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
