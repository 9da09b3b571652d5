package selection

import (
	"math/rand"
	"sort"

	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

// minWeight keeps every candidate selectable.
const minWeight = 0.1

// BalancedStrategy distributes load with weighted random selection: the
// less a credential has been used in the primary window, the more likely it
// is picked.
//
// Weight formula: (max_usage - usage) + tolerance + 1. Tolerance 0 keeps
// selection close to strictly least-used; larger values mix more.
type BalancedStrategy struct {
	tolerance float64
	rng       *rand.Rand
}

// NewBalancedStrategy creates a balanced strategy. rng may be nil, in which
// case the global source is used.
func NewBalancedStrategy(tolerance float64, rng *rand.Rand) *BalancedStrategy {
	return &BalancedStrategy{tolerance: tolerance, rng: rng}
}

func (s *BalancedStrategy) Name() string { return "balanced" }

func (s *BalancedStrategy) Select(ctx *Context, states map[string]*usage.CredentialState) string {
	if len(ctx.Candidates) == 0 {
		return ""
	}
	if len(ctx.Candidates) == 1 {
		return ctx.Candidates[0]
	}

	groups := groupByPriority(ctx.Candidates, ctx.Priorities)

	priorities := make([]int, 0, len(groups))
	for priority := range groups {
		priorities = append(priorities, priority)
	}
	sort.Ints(priorities)

	for _, priority := range priorities {
		candidates := groups[priority]
		if len(candidates) == 0 {
			continue
		}
		weights := s.weights(candidates, ctx.UsageCounts)
		if selected := s.weightedChoice(candidates, weights); selected != "" {
			return selected
		}
	}

	return ctx.Candidates[0]
}

func (s *BalancedStrategy) weights(candidates []string, usageCounts map[string]int64) []float64 {
	var maxUsage int64
	for _, id := range candidates {
		if u := usageCounts[id]; u > maxUsage {
			maxUsage = u
		}
	}

	weights := make([]float64, len(candidates))
	for i, id := range candidates {
		w := float64(maxUsage-usageCounts[id]) + s.tolerance + 1
		if w < minWeight {
			w = minWeight
		}
		weights[i] = w
	}
	return weights
}

func (s *BalancedStrategy) weightedChoice(candidates []string, weights []float64) string {
	if len(candidates) == 1 {
		return candidates[0]
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return candidates[s.intn(len(candidates))]
	}

	r := s.float64() * total
	var cumulative float64
	for i, candidate := range candidates {
		cumulative += weights[i]
		if r <= cumulative {
			return candidate
		}
	}
	return candidates[len(candidates)-1]
}

func (s *BalancedStrategy) intn(n int) int {
	if s.rng != nil {
		return s.rng.Intn(n)
	}
	return rand.Intn(n)
}

func (s *BalancedStrategy) float64() float64 {
	if s.rng != nil {
		return s.rng.Float64()
	}
	return rand.Float64()
}
