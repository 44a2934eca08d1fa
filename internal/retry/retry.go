// Package retry classifies capability failures and decides whether and when a failed
// stage attempt is re-attempted.
//
// The policy distinguishes three families of failure:
//   - transient (including timeouts): retried with exponential backoff up to the
//     stage's maximum attempts, then failed for the entry-cycle
//   - validation: never retried at the same attempt count; failed, or turned into a
//     rework request when raised by the gate stage
//   - configuration: never retried; aborts the run. Raised by the gate stage it is
//     reported as a violation instead.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"certflow/internal/capability"
)

// Action is the outcome of a retry decision.
type Action int

const (
	// ActionRetry re-attempts the stage after Decision.Delay.
	ActionRetry Action = iota

	// ActionRework hands the gate's findings to the rework loop.
	ActionRework

	// ActionFailStage records the attempt as a fatal failure for its entry-cycle.
	ActionFailStage

	// ActionAbortRun stops the run immediately.
	ActionAbortRun
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRework:
		return "rework"
	case ActionFailStage:
		return "fail-stage"
	case ActionAbortRun:
		return "abort-run"
	default:
		return "unknown"
	}
}

// Decision is what the scheduler should do with a failed attempt.
type Decision struct {
	Action Action
	Kind   capability.FailureKind
	Delay  time.Duration
}

// Policy holds the backoff parameters shared by all stages.
//
// Maximum attempts are a property of each stage, not of the policy.
type Policy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
}

// DefaultPolicy returns the default backoff: 1s doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 1 * time.Second,
		BackoffFactor:   2.0,
		MaxInterval:     30 * time.Second,
	}
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialInterval <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.InitialInterval) * math.Pow(factor, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(delay)
}

// Decide classifies err and returns the action for an attempt that failed.
//
// attempt is the 1-based number of the failed attempt, maxAttempts the stage's limit.
// gate reports whether the failing stage is the rework source. idempotent=false
// disables retries entirely.
func (p Policy) Decide(err error, attempt, maxAttempts int, gate, idempotent bool) Decision {
	kind := Classify(err)
	d := Decision{Kind: kind}

	switch kind {
	case capability.KindTransient, capability.KindTimeout:
		if idempotent && attempt < maxAttempts {
			d.Action = ActionRetry
			d.Delay = p.Backoff(attempt)
			return d
		}
		d.Action = ActionFailStage
	case capability.KindValidation:
		if gate {
			d.Action = ActionRework
		} else {
			d.Action = ActionFailStage
		}
	case capability.KindConfiguration:
		if gate {
			d.Kind = capability.KindViolation
		}
		d.Action = ActionAbortRun
	default:
		d.Action = ActionFailStage
	}
	return d
}

// Classify maps a capability error onto the failure taxonomy.
//
// Errors that carry no classification are treated as transient.
func Classify(err error) capability.FailureKind {
	var (
		ve *capability.ValidationError
		fe *capability.FatalError
		te *capability.TransientError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return capability.KindValidation
	case errors.As(err, &fe):
		return capability.KindConfiguration
	case errors.Is(err, context.DeadlineExceeded):
		return capability.KindTimeout
	case errors.As(err, &te):
		return capability.KindTransient
	case errors.Is(err, context.Canceled):
		return capability.KindCancelled
	default:
		return capability.KindTransient
	}
}
