package limits

import (
	"fmt"

	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

// ConcurrentChecker blocks credentials that are at their max in-flight
// request cap. The block lifts when a request finishes, so no blocked-until
// is reported.
type ConcurrentChecker struct{}

func NewConcurrentChecker() *ConcurrentChecker {
	return &ConcurrentChecker{}
}

func (c *ConcurrentChecker) Name() string { return "concurrent" }

func (c *ConcurrentChecker) Check(state *usage.CredentialState, model, group string) CheckResult {
	if state.MaxConcurrent == 0 {
		return Allowed()
	}
	if state.ActiveRequests >= state.MaxConcurrent {
		return Blocked(BlockedConcurrent,
			fmt.Sprintf("at max concurrent: %d/%d", state.ActiveRequests, state.MaxConcurrent),
			zeroTime)
	}
	return Allowed()
}
