// Package limits decides whether a credential may be used right now for a
// given (model, quota-group) request.
//
// Checkers run in a fixed order: concurrent, cooldowns, window limits
// (optional), custom caps, fair cycle. The first blocking result wins and
// later checkers are not consulted.
package limits

import (
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

// Verdict identifies which checker blocked a credential.
type Verdict string

const (
	VerdictAllowed   Verdict = "allowed"
	BlockedConcurrent Verdict = "blocked_concurrent"
	BlockedCooldown   Verdict = "blocked_cooldown"
	BlockedWindow     Verdict = "blocked_window"
	BlockedCustomCap  Verdict = "blocked_custom_cap"
	BlockedFairCycle  Verdict = "blocked_fair_cycle"
)

// CheckResult is the outcome of one limit check.
type CheckResult struct {
	Allowed bool
	Verdict Verdict
	Reason  string

	// BlockedUntil is when the block lifts, if knowable. Zero when the
	// block depends on external events (request completion, other
	// credentials exhausting).
	BlockedUntil time.Time
}

// Allowed is the passing result.
func Allowed() CheckResult {
	return CheckResult{Allowed: true, Verdict: VerdictAllowed}
}

// Blocked builds a blocking result.
func Blocked(verdict Verdict, reason string, until time.Time) CheckResult {
	return CheckResult{Verdict: verdict, Reason: reason, BlockedUntil: until}
}

// Checker is one limit type. Implementations must be safe to call under the
// tracking engine's lock and must not block.
type Checker interface {
	Name() string
	Check(state *usage.CredentialState, model, group string) CheckResult
}
