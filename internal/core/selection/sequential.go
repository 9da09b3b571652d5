package selection

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
	"github.com/vitaliisemenov/llm-rotator/pkg/logger"
)

// SequentialStrategy sticks to one credential until it stops being
// selectable, then moves on. Useful for providers where repeated requests
// against the same session benefit from upstream prompt caching.
//
// Note the tiebreak when picking a new sticky credential: within a tier the
// MOST-used credential wins, not the least-used. That maximizes cache hits
// but is deliberately not round-robin.
type SequentialStrategy struct {
	logger *slog.Logger

	mu sync.Mutex
	// current maps (provider, group-or-model) to the sticky stable ID.
	current map[[2]string]string
}

func NewSequentialStrategy(logger *slog.Logger) *SequentialStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &SequentialStrategy{
		logger:  logger,
		current: map[[2]string]string{},
	}
}

func (s *SequentialStrategy) Name() string { return "sequential" }

func (s *SequentialStrategy) Select(ctx *Context, states map[string]*usage.CredentialState) string {
	if len(ctx.Candidates) == 0 {
		return ""
	}
	if len(ctx.Candidates) == 1 {
		return ctx.Candidates[0]
	}

	key := s.key(ctx.Provider, ctx.QuotaGroup, ctx.Model)

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.current[key]; ok {
		for _, id := range ctx.Candidates {
			if id == current {
				return current
			}
		}
	}

	selected := selectByPriority(ctx.Candidates, ctx.Priorities, ctx.UsageCounts, states)
	if selected != "" {
		s.current[key] = selected
		accessor := selected
		if state, ok := states[selected]; ok {
			accessor = state.Accessor
		}
		s.logger.Debug("Sequential: switched sticky credential",
			"scope", key[1],
			logger.Provider(ctx.Provider),
			logger.Credential(accessor),
		)
	}
	return selected
}

// MarkExhausted evicts the sticky binding for a scope, forcing the next
// selection to pick a new credential.
func (s *SequentialStrategy) MarkExhausted(provider, modelOrGroup string) {
	key := [2]string{provider, modelOrGroup}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.current[key]; ok {
		delete(s.current, key)
		s.logger.Debug("Sequential: evicted sticky credential",
			"scope", modelOrGroup,
			logger.Provider(provider),
			logger.Credential(old),
		)
	}
}

// Current returns the sticky stable ID for a scope, or "".
func (s *SequentialStrategy) Current(provider, modelOrGroup string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[[2]string{provider, modelOrGroup}]
}

// ClearSticky drops sticky bindings, all of them or one provider's.
func (s *SequentialStrategy) ClearSticky(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if provider == "" {
		s.current = map[[2]string]string{}
		return
	}
	for key := range s.current {
		if key[0] == provider {
			delete(s.current, key)
		}
	}
}

func (s *SequentialStrategy) key(provider, group, model string) [2]string {
	scope := group
	if scope == "" {
		scope = model
	}
	return [2]string{provider, scope}
}

// selectByPriority orders candidates by tier, then highest usage, then most
// recent use, and returns the winner.
func selectByPriority(candidates []string, priorities map[string]int, usageCounts map[string]int64, states map[string]*usage.CredentialState) string {
	if len(candidates) == 0 {
		return ""
	}

	sorted := make([]string, len(candidates))
	copy(sorted, candidates)

	sort.SliceStable(sorted, func(i, j int) bool {
		pi, ok := priorities[sorted[i]]
		if !ok {
			pi = 999
		}
		pj, ok := priorities[sorted[j]]
		if !ok {
			pj = 999
		}
		if pi != pj {
			return pi < pj
		}

		if ui, uj := usageCounts[sorted[i]], usageCounts[sorted[j]]; ui != uj {
			return ui > uj
		}

		var li, lj int64
		if state, ok := states[sorted[i]]; ok {
			li = state.Totals.LastUsedAt.UnixNano()
		}
		if state, ok := states[sorted[j]]; ok {
			lj = state.Totals.LastUsedAt.UnixNano()
		}
		return li > lj
	})

	return sorted[0]
}
