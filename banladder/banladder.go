/*
Package banladder implements the progressive ban ladder shared by the
rate limiter (C5) and the challenge service's issuance guard (C4). Both
callers breach independent violation-class namespaces (e.g.
"ratelimit:chat" or "challenge") but share the same escalation
mechanics: each breach within a 24 h window bumps a violation counter
and sets a ban whose duration grows with the counter, never shrinking
a longer ban already in place.
*/
package banladder

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sentrygate/gateway/clock"
	"github.com/sentrygate/gateway/redisclient"
)

// violationWindow is the rolling period over which violation counts
// accumulate before resetting, per spec's 24h violation counter.
const violationWindow = 24 * time.Hour

// Default is the ladder used when no override is configured: 1 min,
// 5 min, 15 min, 1 hour.
var Default = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

// Ladder records breaches and ban state for a set of violation-class
// namespaces against a shared KV store.
type Ladder struct {
	store     redisclient.Store
	clock     clock.Clock
	durations []time.Duration
}

// New creates a Ladder. durations must be non-empty and increasing;
// callers typically pass Default.
func New(store redisclient.Store, c clock.Clock, durations []time.Duration) *Ladder {
	if len(durations) == 0 {
		durations = Default
	}
	return &Ladder{store: store, clock: c, durations: durations}
}

// Active reports whether namespace/identity currently carries an
// unexpired ban, and if so the remaining seconds until it clears.
func (l *Ladder) Active(ctx context.Context, namespace, identity string) (remaining time.Duration, banned bool, err error) {
	v, ok, err := l.store.Get(ctx, banKey(namespace, identity))
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	var expiresAt int64
	if _, err := fmt.Sscanf(v, "%d", &expiresAt); err != nil {
		return 0, false, nil
	}
	remaining = time.Unix(expiresAt, 0).Sub(l.clock.Now())
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// Breach records a violation for namespace/identity: increments the 24h
// violation counter and, indexing the ladder by min(count-1, len-1)
// where count is the value after increment, sets
// a ban record with set-if-greater semantics so a longer pending ban is
// never shortened. Returns the ban duration applied and the violation
// count after increment.
func (l *Ladder) Breach(ctx context.Context, namespace, identity string) (banDuration time.Duration, violationCount int64, err error) {
	count, err := l.store.IncrWithTTL(ctx, violationKey(namespace, identity), violationWindow)
	if err != nil {
		return 0, 0, err
	}

	idx := count - 1
	if idx >= int64(len(l.durations)) {
		idx = int64(len(l.durations)) - 1
	}
	if idx < 0 {
		idx = 0
	}
	banDuration = l.durations[idx]

	expiresAt := l.clock.Now().Add(banDuration).Unix()
	if err := l.store.SetIfGreater(ctx, banKey(namespace, identity), expiresAt, banDuration); err != nil {
		return banDuration, count, err
	}
	return banDuration, count, nil
}

// IncrementViolation bumps the 24h violation counter for
// namespace/identity without touching the ban record. Used when a
// request hits an already-active ban: the hit itself is still a
// violation worth counting, but re-running Breach would escalate and
// re-extend a ban that's already governing the identity.
func (l *Ladder) IncrementViolation(ctx context.Context, namespace, identity string) (int64, error) {
	return l.store.IncrWithTTL(ctx, violationKey(namespace, identity), violationWindow)
}

// Violations returns the current 24h violation count for
// namespace/identity without recording a new breach. Used by callers
// that need to report violation_count alongside a ban that's already
// active rather than freshly triggered.
func (l *Ladder) Violations(ctx context.Context, namespace, identity string) (int64, error) {
	v, ok, err := l.store.Get(ctx, violationKey(namespace, identity))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

func banKey(namespace, identity string) string {
	return "rl:ban:" + namespace + ":" + identity
}

func violationKey(namespace, identity string) string {
	return "rl:viol:" + namespace + ":" + identity
}
