package limits

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
	"github.com/vitaliisemenov/llm-rotator/pkg/logger"
)

// FairCycleChecker blocks credentials that have been exhausted (quota spent
// or long cooldown) until every credential in the pool is exhausted, then
// the cycle resets and the pool starts over. This stops one credential from
// being hammered while the others sit idle.
type FairCycleChecker struct {
	cfg     config.FairCycleConfig
	windows *usage.WindowManager
	logger  *slog.Logger
	now     func() time.Time

	// globalMu guards the provider-wide cycle records.
	globalMu sync.Mutex
	global   map[string]*usage.GlobalFairCycleState
}

func NewFairCycleChecker(cfg config.FairCycleConfig, windows *usage.WindowManager, logger *slog.Logger, now func() time.Time) *FairCycleChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &FairCycleChecker{
		cfg:     cfg,
		windows: windows,
		logger:  logger,
		now:     now,
		global:  map[string]*usage.GlobalFairCycleState{},
	}
}

func (c *FairCycleChecker) Name() string { return "fair_cycle" }

func (c *FairCycleChecker) Check(state *usage.CredentialState, model, group string) CheckResult {
	if !c.cfg.Enabled {
		return Allowed()
	}

	key := c.TrackingKey(model, group)
	fc := state.FairCycle[key]

	// Quota-threshold promotion: a credential that has burned its share of
	// the window during this cycle becomes exhausted in-band.
	if fc != nil && !fc.Exhausted {
		if limit := c.quotaLimit(state, model, group); limit > 0 {
			threshold := int64(float64(limit) * c.cfg.QuotaThreshold)
			if fc.CycleRequestCount >= threshold {
				now := c.now()
				fc.Exhausted = true
				fc.ExhaustedAt = now
				fc.ExhaustedReason = "quota_threshold"
				c.logger.Info("Credential fair-cycle exhausted at quota threshold",
					"key", key,
					"cycle_requests", fc.CycleRequestCount,
					"threshold", threshold,
					logger.Credential(state.Accessor),
				)
			}
		}
	}

	if fc == nil || !fc.Exhausted {
		return Allowed()
	}

	// Exhausted, but if the cycle timer has lapsed a reset is imminent.
	if c.cycleExpired(key) {
		return Allowed()
	}

	return Blocked(BlockedFairCycle,
		fmt.Sprintf("fair cycle: exhausted for %q, waiting for peer credentials", key),
		zeroTime) // depends on other credentials
}

// TrackingKey resolves the fair-cycle key for a request under the
// configured tracking mode.
func (c *FairCycleChecker) TrackingKey(model, group string) string {
	if c.cfg.TrackingMode == config.TrackCredential {
		return usage.FairCycleCredentialKey
	}
	if group != "" {
		return group
	}
	return model
}

// AllExhausted reports whether every state in the list is exhausted for the
// tracking key.
func (c *FairCycleChecker) AllExhausted(states []*usage.CredentialState, key string) bool {
	if len(states) == 0 {
		return true
	}
	for _, state := range states {
		if !state.FairCycleExhausted(key) {
			return false
		}
	}
	return true
}

// ResetCycle clears the fair-cycle record of every given credential and
// advances the provider-wide cycle record.
func (c *FairCycleChecker) ResetCycle(provider, key string, states []*usage.CredentialState) {
	now := c.now()

	for _, state := range states {
		if fc, ok := state.FairCycle[key]; ok {
			fc.Exhausted = false
			fc.ExhaustedAt = time.Time{}
			fc.ExhaustedReason = ""
			fc.CycleRequestCount = 0
		}
	}

	global := c.globalState(key)
	c.globalMu.Lock()
	global.CycleStart = now
	global.AllExhaustedAt = time.Time{}
	global.CycleCount++
	cycle := global.CycleCount
	c.globalMu.Unlock()

	c.logger.Info("Fair cycle reset",
		"provider", provider,
		"key", key,
		"cycle", cycle,
	)
}

// MarkAllExhausted records that the whole pool is exhausted for a key.
func (c *FairCycleChecker) MarkAllExhausted(provider, key string) {
	global := c.globalState(key)
	c.globalMu.Lock()
	global.AllExhaustedAt = c.now()
	c.globalMu.Unlock()

	c.logger.Info("All credentials exhausted", "provider", provider, "key", key)
}

// GlobalStates returns a copy of the provider-wide cycle records for
// persistence.
func (c *FairCycleChecker) GlobalStates() map[string]usage.GlobalFairCycleState {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	out := make(map[string]usage.GlobalFairCycleState, len(c.global))
	for key, state := range c.global {
		out[key] = *state
	}
	return out
}

// LoadGlobalStates restores provider-wide cycle records from a snapshot.
func (c *FairCycleChecker) LoadGlobalStates(states map[string]usage.GlobalFairCycleState) {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	c.global = make(map[string]*usage.GlobalFairCycleState, len(states))
	for key, state := range states {
		copied := state
		c.global[key] = &copied
	}
}

func (c *FairCycleChecker) globalState(key string) *usage.GlobalFairCycleState {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	if state, ok := c.global[key]; ok {
		return state
	}
	state := &usage.GlobalFairCycleState{CycleStart: c.now()}
	c.global[key] = state
	return state
}

func (c *FairCycleChecker) cycleExpired(key string) bool {
	global := c.globalState(key)
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	return !c.now().Before(global.CycleStart.Add(c.cfg.Duration))
}

// quotaLimit finds the limit used for the quota-threshold promotion: the
// primary window's limit for the matching scope, or the smallest known
// window limit as a fallback.
func (c *FairCycleChecker) quotaLimit(state *usage.CredentialState, model, group string) int64 {
	def := c.windows.PrimaryDefinition()
	if def == nil {
		return 0
	}

	var windows map[string]*usage.WindowStats
	if group != "" {
		if stats := state.GroupStats(group, false); stats != nil {
			windows = stats.Windows
		}
	}
	if windows == nil {
		if stats := state.ModelStats(model, false); stats != nil {
			windows = stats.Windows
		}
	}
	if windows == nil {
		return 0
	}

	if primary := c.windows.Active(windows, def.Name); primary != nil && primary.Limit > 0 {
		return primary.Limit
	}

	var smallest int64
	for _, window := range windows {
		if window.Limit > 0 && (smallest == 0 || window.Limit < smallest) {
			smallest = window.Limit
		}
	}
	return smallest
}
