/*
Package gate implements the request gate (C8): the single admission
entry point that chains identity resolution, challenge consumption, the
rate limiter, and the cost governor's preflight check, in the order the
gating design requires — ban check before counter increment, rate
check before cost preflight — so the reported rejection is always the
cheapest one to compute and the most specific one that applies.

Admit never fails the request: a downstream fault is mapped to the
safest decision (deny) per the error handling design, never propagated
as a raw error to the HTTP layer.
*/
package gate

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/challenge"
	"github.com/sentrygate/gateway/costgovernor"
	"github.com/sentrygate/gateway/identity"
	"github.com/sentrygate/gateway/ratelimit"
	"github.com/sentrygate/gateway/settings"
)

// Error codes surfaced to the client, per the admission envelope.
const (
	ErrInvalidChallenge     = "invalid_challenge"
	ErrRateLimited          = ratelimit.Reason
	ErrCostThrottled        = costgovernor.ReasonCostThrottled
	ErrGlobalBudgetExceeded = costgovernor.ReasonGlobalBudgetExceeded
)

// messages maps error codes to the bounded, human-readable templates
// surfaced to clients — never a raw internal error string.
var messages = map[string]string{
	ErrInvalidChallenge:     "the challenge token is missing, expired, or already used",
	ErrRateLimited:          "too many requests, please slow down",
	ErrCostThrottled:        "usage threshold reached, please wait before retrying",
	ErrGlobalBudgetExceeded: "service budget exhausted for the current period",
}

// Rejection is returned when Admit refuses a request.
type Rejection struct {
	Error             string
	Message           string
	RetryAfterSeconds int
	BanExpiresAt      *int64
	ViolationCount    int64
}

// Admission is the admit-side handle a caller must pass to the
// accountant exactly once.
type Admission struct {
	Identity string
	recorded int32
}

// MarkRecorded flips the one-shot guard and reports whether this call
// was the first to do so. The accountant calls this before booking
// cost so a second call for the same admission is rejected instead of
// double-charging.
func (a *Admission) MarkRecorded() bool {
	return atomic.CompareAndSwapInt32(&a.recorded, 0, 1)
}

// Gate is the Request Gate (C8).
type Gate struct {
	identity     *identity.Resolver
	challenge    *challenge.Service
	ratelimit    *ratelimit.Limiter
	costgovernor *costgovernor.Governor
	settings     *settings.Registry
	logger       zerolog.Logger
}

// New creates a Gate.
func New(
	resolver *identity.Resolver,
	ch *challenge.Service,
	rl *ratelimit.Limiter,
	cg *costgovernor.Governor,
	reg *settings.Registry,
	logger zerolog.Logger,
) *Gate {
	return &Gate{
		identity:     resolver,
		challenge:    ch,
		ratelimit:    rl,
		costgovernor: cg,
		settings:     reg,
		logger:       logger.With().Str("component", "gate").Logger(),
	}
}

// Admit resolves the caller's identity and runs it through challenge
// consumption, rate limiting, and cost preflight, in that order. On
// success it returns an Admission the caller must pass to the
// accountant exactly once after the downstream work completes
// (including on error or cancellation).
func (g *Gate) Admit(ctx context.Context, req *http.Request, scope string) (*Admission, *Rejection, error) {
	ident := g.identity.Resolve(req)

	challengeModeOn, err := g.settings.GetBool(ctx, settings.KeyEnableChallengeResponse)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to read challenge mode toggle, failing closed")
		return nil, reject(ErrRateLimited, 1, 0, nil), nil
	}

	if challengeModeOn && ident.IsFingerprint() {
		id := ident.ChallengeID()
		ok, err := g.challenge.Consume(ctx, id)
		if err != nil {
			// Challenge consumption fails closed on a KV fault: treated
			// identically to an invalid token rather than admitted.
			g.logger.Error().Err(err).Msg("challenge consume failed, treating as invalid")
			return nil, reject(ErrInvalidChallenge, 0, 0, nil), nil
		}
		if !ok {
			return nil, reject(ErrInvalidChallenge, 0, 0, nil), nil
		}
	}

	rd, err := g.ratelimit.CheckAndIncrement(ctx, string(ident), scope)
	if err != nil {
		g.logger.Error().Err(err).Str("identity_prefix", prefix(string(ident))).Msg("rate limiter fault")
	}
	if !rd.Admit {
		return nil, reject(rd.Reason, rd.RetryAfterSeconds, rd.ViolationCount, rd.BanExpiresAt), nil
	}

	cd, err := g.costgovernor.Preflight(ctx, string(ident))
	if err != nil {
		g.logger.Error().Err(err).Str("identity_prefix", prefix(string(ident))).Msg("cost governor fault")
	}
	if !cd.Admit {
		return nil, reject(cd.Reason, cd.RetryAfterSeconds, 0, nil), nil
	}

	return &Admission{Identity: string(ident)}, nil, nil
}

func reject(errorCode string, retryAfterSeconds int, violationCount int64, banExpiresAt *int64) *Rejection {
	return &Rejection{
		Error:             errorCode,
		Message:           messages[errorCode],
		RetryAfterSeconds: retryAfterSeconds,
		BanExpiresAt:      banExpiresAt,
		ViolationCount:    violationCount,
	}
}

func prefix(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
