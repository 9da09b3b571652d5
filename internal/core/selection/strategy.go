// Package selection picks one credential out of many to service a request.
//
// The engine filters candidates through the limit engine, hands the
// survivors to a rotation strategy, and drives fair-cycle resets when the
// pool comes up empty.
package selection

import (
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

// Context carries everything a strategy needs for one selection.
type Context struct {
	Provider   string
	Model      string
	QuotaGroup string

	// Candidates are the stable IDs that passed all limit checks.
	Candidates []string

	// Priorities maps stable ID to priority (lower = higher tier).
	Priorities map[string]int

	// UsageCounts maps stable ID to the primary-window request count for
	// the relevant scope, used for rotation weighting.
	UsageCounts map[string]int64

	RotationMode      config.RotationMode
	RotationTolerance float64

	Deadline time.Time
}

// Strategy selects one stable ID from the context's candidates.
type Strategy interface {
	Name() string
	Select(ctx *Context, states map[string]*usage.CredentialState) string
}

// groupByPriority buckets candidates by priority tier.
func groupByPriority(candidates []string, priorities map[string]int) map[int][]string {
	groups := map[int][]string{}
	for _, id := range candidates {
		priority, ok := priorities[id]
		if !ok {
			priority = 999
		}
		groups[priority] = append(groups[priority], id)
	}
	return groups
}
