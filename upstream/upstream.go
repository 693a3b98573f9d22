// Package upstream defines the seam between the admission gate and the
// RAG/LLM call that actually answers a request. That call — retrieval,
// prompt assembly, model invocation — sits outside this core; callers
// plug in a real implementation and the gate only ever sees the
// interface below.
package upstream

import "context"

// Upstream answers an admitted prompt and reports what it cost.
type Upstream interface {
	// Answer returns the USD cost charged for the call and whether it
	// was served from cache (cached answers are free and still recorded,
	// so usage totals stay visible even when no spend occurred).
	Answer(ctx context.Context, identity, prompt string) (costUSD float64, cacheHit bool, err error)
}

// Stub is a placeholder Upstream that reports a fixed cost and never a
// cache hit, for wiring and testing the gate end to end before a real
// retrieval/model backend exists.
type Stub struct {
	CostUSD float64
}

// NewStub returns a Stub charging costUSD per call.
func NewStub(costUSD float64) *Stub {
	return &Stub{CostUSD: costUSD}
}

func (s *Stub) Answer(ctx context.Context, identity, prompt string) (float64, bool, error) {
	return s.CostUSD, false, nil
}
