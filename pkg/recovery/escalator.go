// Package recovery decides how a failed step escalates through the recovery ladder.
package recovery

import (
	"fmt"
	"time"

	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/schema"
)

// Policy tunes the escalator.
type Policy struct {
	// MaxRetryAttempts is the attempt budget at level 0, including the first try.
	MaxRetryAttempts int
	BaseBackoff      time.Duration
	Factor           float64
	MaxBackoff       time.Duration
}

// DefaultPolicy allows three attempts at level 0 with 1s, 2s backoff.
func DefaultPolicy() Policy {
	return Policy{MaxRetryAttempts: 3, BaseBackoff: time.Second, Factor: 2}
}

// Backoff returns the wait before the n-th retry (0-based).
func (p Policy) Backoff(n int) time.Duration {
	return adapter.ComputeBackoff(p.BaseBackoff, p.Factor, p.MaxBackoff, n)
}

// State is the escalation position of a step at the moment it failed.
type State struct {
	Level         schema.RecoveryLevel
	LevelAttempts int
}

// Decision is the escalator's verdict for one failure.
type Decision struct {
	Level  schema.RecoveryLevel
	Action schema.RecoveryAction
	// Entered is true when the decision moves the step onto a level, which
	// is when a RecoveryDecision is recorded.
	Entered bool
	// Fatal means the ladder is exhausted for the step.
	Fatal     bool
	Backoff   time.Duration
	Rationale string
}

// Escalator maps failures to recovery decisions. It holds no per-step state.
type Escalator struct {
	policy Policy
}

// New creates an escalator with policy.
func New(policy Policy) *Escalator {
	if policy.MaxRetryAttempts <= 0 {
		policy.MaxRetryAttempts = DefaultPolicy().MaxRetryAttempts
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = DefaultPolicy().BaseBackoff
	}
	return &Escalator{policy: policy}
}

// Policy returns the escalator policy.
func (e *Escalator) Policy() Policy {
	return e.policy
}

// Decide returns the next recovery step for a failure of kind at state.
// The level never decreases and advances by exactly one per failure, except
// that level 0 retries until its attempt budget is spent, model and tool
// errors start at level 1, hallucinations start at level 2 and a missing
// provider goes straight to human escalation.
func (e *Escalator) Decide(st State, kind schema.FailureKind) Decision {
	if kind == schema.FailureBudgetExceeded {
		return Decision{Level: st.Level, Action: st.Level.Action(), Fatal: true, Rationale: "budget exhausted"}
	}
	if st.Level >= schema.MaxRecoveryLevel {
		return Decision{
			Level:     schema.MaxRecoveryLevel,
			Action:    schema.ActionHumanEscalation,
			Fatal:     true,
			Rationale: fmt.Sprintf("%s after human escalation, recovery exhausted", kind),
		}
	}

	if st.Level == schema.LevelRetry && retryable(kind) && st.LevelAttempts < e.policy.MaxRetryAttempts {
		n := st.LevelAttempts - 1
		if n < 0 {
			n = 0
		}
		return Decision{
			Level:     schema.LevelRetry,
			Action:    schema.ActionRetry,
			Entered:   st.LevelAttempts <= 1,
			Backoff:   e.policy.Backoff(n),
			Rationale: fmt.Sprintf("%s on attempt %d of %d, retrying", kind, st.LevelAttempts, e.policy.MaxRetryAttempts),
		}
	}

	next := st.Level + 1
	reason := fmt.Sprintf("%s at level %d", kind, st.Level)
	switch kind {
	case schema.FailureModelError, schema.FailureToolError:
		if next < schema.LevelAgentSwap {
			next = schema.LevelAgentSwap
		}
	case schema.FailureHallucination:
		if next < schema.LevelProviderSwap {
			next = schema.LevelProviderSwap
			reason = "hallucination detected, changing provider"
		}
	case schema.FailureNoProviderAvailable:
		next = schema.LevelHumanEscalation
		reason = "no provider available"
	}
	if st.Level == schema.LevelRetry && retryable(kind) {
		reason = fmt.Sprintf("%s, retries exhausted after %d attempts", kind, st.LevelAttempts)
	}
	if next > schema.MaxRecoveryLevel {
		next = schema.MaxRecoveryLevel
	}
	return Decision{Level: next, Action: next.Action(), Entered: true, Rationale: reason}
}

func retryable(kind schema.FailureKind) bool {
	switch kind {
	case schema.FailureTransient, schema.FailureTimeout:
		return true
	}
	return false
}
