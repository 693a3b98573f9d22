/*
Package accountant implements the usage accountant (C9): the post-hoc
hook invoked exactly once per admitted request to record realized cost
and observability counters, regardless of whether the downstream call
succeeded, failed, or was cancelled.
*/
package accountant

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/sentrygate/gateway/costgovernor"
	"github.com/sentrygate/gateway/gate"
	"github.com/sentrygate/gateway/observability"
)

// ErrAlreadyRecorded is returned when Record is called more than once
// for the same Admission.
var ErrAlreadyRecorded = errors.New("accountant: admission already recorded")

// Accountant is the Usage Accountant (C9).
type Accountant struct {
	costgovernor *costgovernor.Governor
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

// New creates an Accountant.
func New(cg *costgovernor.Governor, metrics *observability.Metrics, logger zerolog.Logger) *Accountant {
	return &Accountant{
		costgovernor: cg,
		metrics:      metrics,
		logger:       logger.With().Str("component", "accountant").Logger(),
	}
}

// Record books the realized cost of an admitted request. Callers must
// invoke this exactly once per Admission, typically from a deferred
// function so it runs on success, on downstream error, and on
// cancellation alike. A cache hit books zero cost and moves no
// counters beyond observability.
func (a *Accountant) Record(ctx context.Context, adm *gate.Admission, costUSD float64, tokensIn, tokensOut int, cacheHit bool) error {
	if adm == nil {
		return errors.New("accountant: nil admission")
	}
	if !adm.MarkRecorded() {
		return ErrAlreadyRecorded
	}

	if cacheHit {
		a.metrics.CounterInc("gate_requests_cache_hit_total", nil)
		return nil
	}

	a.costgovernor.Record(ctx, adm.Identity, costUSD)

	a.metrics.CounterInc("gate_requests_recorded_total", nil)
	a.metrics.HistogramObserve("gate_request_cost_usd", nil, costUSD)
	a.metrics.CounterAdd("gate_tokens_in_total", nil, int64(tokensIn))
	a.metrics.CounterAdd("gate_tokens_out_total", nil, int64(tokensOut))

	return nil
}
