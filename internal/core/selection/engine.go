package selection

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/limits"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

// AvailabilityStats summarises the credential pool for a model.
type AvailabilityStats struct {
	Total        int            `json:"total"`
	Available    int            `json:"available"`
	Blocked      int            `json:"blocked"`
	BlockedBy    map[string]int `json:"blocked_by"`
	RotationMode string         `json:"rotation_mode"`
}

// Engine orchestrates limit filtering, the rotation strategy, and
// fair-cycle reset decisions.
type Engine struct {
	cfg        *config.ProviderConfig
	limits     *limits.Engine
	windows    *usage.WindowManager
	logger     *slog.Logger
	now        func() time.Time
	balanced   *BalancedStrategy
	sequential *SequentialStrategy
	strategy   Strategy
}

// NewEngine creates a selection engine for one provider.
// now and rng may be nil for the real clock and global random source.
func NewEngine(cfg *config.ProviderConfig, limitEngine *limits.Engine, windows *usage.WindowManager, logger *slog.Logger, now func() time.Time, rng *rand.Rand) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:        cfg,
		limits:     limitEngine,
		windows:    windows,
		logger:     logger,
		now:        now,
		balanced:   NewBalancedStrategy(cfg.RotationTolerance, rng),
		sequential: NewSequentialStrategy(logger),
	}
	if cfg.RotationMode == config.RotationSequential {
		e.strategy = e.sequential
	} else {
		e.strategy = e.balanced
	}
	return e
}

// Select picks the best available credential, or "" when none is.
//
// Callers must hold the tracking engine's lock: the engine reads a snapshot
// of all candidate states at the moment of filtering. A state flipping from
// allowed to blocked after selection shows up as an acquire failure and is
// handled by rotation.
func (e *Engine) Select(provider, model string, states map[string]*usage.CredentialState, group string, exclude map[string]bool, priorities map[string]int, deadline time.Time) string {
	retried := false

	for {
		candidates := make([]string, 0, len(states))
		for id := range states {
			if !exclude[id] {
				candidates = append(candidates, id)
			}
		}
		if len(candidates) == 0 {
			return ""
		}

		available := make([]string, 0, len(candidates))
		for _, id := range candidates {
			if e.limits.Check(states[id], model, group).Allowed {
				available = append(available, id)
			}
		}

		if len(available) == 0 {
			if !retried && e.cfg.FairCycle.Enabled &&
				e.tryFairCycleReset(provider, model, group, states, candidates, priorities) {
				retried = true
				continue
			}
			e.logger.Debug("No available credentials",
				"provider", provider,
				"model", model,
				"candidates", len(candidates),
			)
			return ""
		}

		usageCounts := make(map[string]int64, len(available))
		for _, id := range available {
			usageCounts[id] = e.usageCount(states[id], model, group)
		}

		prios := priorities
		if prios == nil {
			prios = make(map[string]int, len(available))
			for _, id := range available {
				prios[id] = states[id].Priority
			}
		}

		if deadline.IsZero() {
			deadline = e.now().Add(config.DefaultGlobalTimeout)
		}

		ctx := &Context{
			Provider:          provider,
			Model:             model,
			QuotaGroup:        group,
			Candidates:        available,
			Priorities:        prios,
			UsageCounts:       usageCounts,
			RotationMode:      e.cfg.RotationMode,
			RotationTolerance: e.cfg.RotationTolerance,
			Deadline:          deadline,
		}

		return e.strategy.Select(ctx, states)
	}
}

// MarkExhausted forwards a quota failure to the sequential strategy so the
// sticky binding rotates.
func (e *Engine) MarkExhausted(provider, modelOrGroup string) {
	e.sequential.MarkExhausted(provider, modelOrGroup)
}

// SetRotationMode switches the active strategy at runtime.
func (e *Engine) SetRotationMode(mode config.RotationMode) {
	e.cfg.RotationMode = mode
	if mode == config.RotationSequential {
		e.strategy = e.sequential
	} else {
		e.strategy = e.balanced
	}
	e.logger.Info("Rotation mode changed", "mode", string(mode))
}

// Sequential exposes the sequential strategy for sticky-state inspection.
func (e *Engine) Sequential() *SequentialStrategy { return e.sequential }

// AvailabilityStats reports how many credentials are available and what
// blocks the rest.
func (e *Engine) AvailabilityStats(provider, model string, states map[string]*usage.CredentialState, group string) AvailabilityStats {
	stats := AvailabilityStats{
		Total:        len(states),
		RotationMode: string(e.cfg.RotationMode),
		BlockedBy: map[string]int{
			"cooldowns":     0,
			"window_limits": 0,
			"custom_caps":   0,
			"fair_cycle":    0,
			"concurrent":    0,
		},
	}

	for _, state := range states {
		result := e.limits.Check(state, model, group)
		if result.Allowed {
			stats.Available++
			continue
		}
		stats.Blocked++
		switch result.Verdict {
		case limits.BlockedCooldown:
			stats.BlockedBy["cooldowns"]++
		case limits.BlockedWindow:
			stats.BlockedBy["window_limits"]++
		case limits.BlockedCustomCap:
			stats.BlockedBy["custom_caps"]++
		case limits.BlockedFairCycle:
			stats.BlockedBy["fair_cycle"]++
		case limits.BlockedConcurrent:
			stats.BlockedBy["concurrent"]++
		}
	}
	return stats
}

// usageCount returns the rotation-weight usage for a candidate: the primary
// window's request count in its own scope, falling back to the credential
// total.
func (e *Engine) usageCount(state *usage.CredentialState, model, group string) int64 {
	def := e.windows.PrimaryDefinition()
	if def != nil {
		var windows map[string]*usage.WindowStats

		switch def.Scope {
		case config.ScopeModel:
			if stats := state.ModelStats(model, false); stats != nil {
				windows = stats.Windows
			}
		case config.ScopeGroup:
			groupKey := group
			if groupKey == "" {
				groupKey = model
			}
			if stats := state.GroupStats(groupKey, false); stats != nil {
				windows = stats.Windows
			}
		}

		if windows != nil {
			if w := e.windows.Active(windows, def.Name); w != nil {
				return w.RequestCount
			}
		}
	}
	return state.Totals.RequestCount
}

// tryFairCycleReset resets the fair cycle when a tier is fully exhausted
// and no short cooldown will free a credential sooner. Returns true when a
// reset fired.
func (e *Engine) tryFairCycleReset(provider, model, group string, states map[string]*usage.CredentialState, candidates []string, priorities map[string]int) bool {
	fairCycle := e.limits.FairCycle()
	trackingKey := fairCycle.TrackingKey(model, group)

	groupKey := group
	if groupKey == "" {
		groupKey = model
	}

	// The reset only helps when fair cycle is among the causes.
	fairCycleBlocked := 0
	for _, id := range candidates {
		result := e.limits.Check(states[id], model, group)
		if result.Allowed {
			return false
		}
		if result.Verdict == limits.BlockedFairCycle {
			fairCycleBlocked++
		}
	}
	if fairCycleBlocked == 0 {
		return false
	}

	candidateStates := make([]*usage.CredentialState, 0, len(candidates))
	for _, id := range candidates {
		candidateStates = append(candidateStates, states[id])
	}

	if e.cfg.FairCycle.CrossTier {
		if !fairCycle.AllExhausted(candidateStates, trackingKey) {
			return false
		}
		if id, remaining, short := e.shortestCooldown(candidateStates, groupKey); short {
			e.logger.Debug("Skipping fair cycle reset, short cooldown pending",
				"provider", provider,
				"model", model,
				"credential", id,
				"remaining", remaining,
			)
			return false
		}
		e.logger.Info("All credentials fair-cycle exhausted, resetting cycle",
			"provider", provider, "model", model)
		fairCycle.ResetCycle(provider, trackingKey, candidateStates)
		return true
	}

	// Per-tier: reset each tier that is fully exhausted.
	tiers := map[int][]*usage.CredentialState{}
	for _, state := range candidateStates {
		priority := state.Priority
		if priorities != nil {
			if p, ok := priorities[state.StableID]; ok {
				priority = p
			}
		}
		tiers[priority] = append(tiers[priority], state)
	}

	resetAny := false
	for priority, tierStates := range tiers {
		if !fairCycle.AllExhausted(tierStates, trackingKey) {
			continue
		}
		if id, remaining, short := e.shortestCooldown(tierStates, groupKey); short {
			e.logger.Debug("Skipping tier fair cycle reset, short cooldown pending",
				"provider", provider,
				"model", model,
				"tier", priority,
				"credential", id,
				"remaining", remaining,
			)
			continue
		}
		e.logger.Info("Tier fair-cycle exhausted, resetting tier cycle",
			"provider", provider, "model", model, "tier", priority)
		fairCycle.ResetCycle(provider, trackingKey, tierStates)
		resetAny = true
	}
	return resetAny
}

// shortestCooldown finds the shortest remaining cooldown among states for
// the scope or the credential-wide key. Returns short=true when it is below
// the reset threshold, meaning the natural expiry will come first.
func (e *Engine) shortestCooldown(states []*usage.CredentialState, groupKey string) (string, time.Duration, bool) {
	now := e.now()
	threshold := e.cfg.FairCycle.ResetCooldownThreshold

	var shortestID string
	var shortest time.Duration = -1

	consider := func(id string, cd *usage.Cooldown) {
		if cd == nil {
			return
		}
		remaining := cd.RemainingAt(now)
		if remaining <= 0 {
			return
		}
		if shortest < 0 || remaining < shortest {
			shortest = remaining
			shortestID = id
		}
	}

	for _, state := range states {
		consider(state.StableID, state.ActiveCooldown(groupKey, now))
		consider(state.StableID, state.ActiveCooldown(usage.CooldownGlobalKey, now))
	}

	if shortest >= 0 && shortest < threshold {
		return shortestID, shortest, true
	}
	return "", shortest, false
}
