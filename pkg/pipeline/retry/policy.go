// Package retry computes whether and when a failed attempt retries.
//
// The policy is a pure function of the attempt number, the error kind,
// and the configuration. It is deliberately independent of the bus
// client so retry behavior is testable in isolation.
package retry

import (
	"math/rand/v2"
	"time"

	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
)

// Policy configures retry behavior for a stage.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffCap is the maximum delay between retries.
	BackoffCap time.Duration

	// JitterFraction is the upper bound of the added random jitter as a
	// fraction of the computed delay. Zero disables jitter.
	JitterFraction float64

	// rng overrides the jitter source in tests.
	rng func() float64
}

// DefaultPolicy is the standard per-stage retry configuration.
var DefaultPolicy = Policy{
	MaxAttempts:    5,
	BackoffBase:    1 * time.Second,
	BackoffCap:     60 * time.Second,
	JitterFraction: 0.2,
}

// ModelBackedPolicy tolerates more transient attempts. Suitable for
// stages calling external model services (extraction, vectorization).
var ModelBackedPolicy = Policy{
	MaxAttempts:    8,
	BackoffBase:    2 * time.Second,
	BackoffCap:     120 * time.Second,
	JitterFraction: 0.2,
}

// Decision is the outcome of consulting the policy after a failure.
type Decision struct {
	// Retry is true when the envelope should be redelivered after Delay.
	Retry bool

	// Delay is the backoff before redelivery. Zero when Retry is false.
	Delay time.Duration
}

// Exhausted is the terminal decision.
var Exhausted = Decision{}

// NextAttempt decides the fate of a failed attempt. attempt is the
// zero-based counter of the attempt that just failed. Poison errors are
// exhausted immediately regardless of the attempt count: a malformed
// payload cannot be fixed by waiting.
func (p Policy) NextAttempt(attempt int, kind perrors.Kind) Decision {
	if kind == perrors.KindPoison {
		return Exhausted
	}
	if attempt+1 >= p.MaxAttempts {
		return Exhausted
	}
	return Decision{Retry: true, Delay: p.delay(attempt)}
}

// delay computes min(cap, base*2^attempt) plus jitter in
// [0, delay*JitterFraction).
func (p Policy) delay(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = DefaultPolicy.BackoffBase
	}
	limit := p.BackoffCap
	if limit <= 0 {
		limit = DefaultPolicy.BackoffCap
	}

	d := base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}

	if p.JitterFraction > 0 {
		randFn := p.rng
		if randFn == nil {
			randFn = rand.Float64
		}
		jitter := time.Duration(float64(d) * p.JitterFraction * randFn())
		d += jitter
	}
	return d
}

// PerStage maps stage names to policies, falling back to a default.
type PerStage struct {
	Default  Policy
	Override map[string]Policy
}

// For returns the policy for a stage.
func (s PerStage) For(stage string) Policy {
	if p, ok := s.Override[stage]; ok {
		return p
	}
	if s.Default.MaxAttempts > 0 {
		return s.Default
	}
	return DefaultPolicy
}
