package limits

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

// Scope labels for cap application.
const (
	scopeModel = "model"
	scopeGroup = "group"
)

// percentageFallbackMax is used when a percentage cap applies but the
// window limit is still unknown.
const percentageFallbackMax = 1000

// appliedCap pairs a cap with the scope it is checked against.
type appliedCap struct {
	cap      config.CustomCapConfig
	scope    string
	scopeKey string
}

// CustomCapChecker enforces user-defined limits tighter than the provider's
// own. Caps resolve by (tier, model) and (tier, group) with a fallback to
// the default tier; each cap is checked against its own scope's primary
// window, and the first blocked cap wins.
type CustomCapChecker struct {
	windows *usage.WindowManager
	now     func() time.Time

	// index maps (tier key, model-or-group) to a cap. Multi-tier caps are
	// registered once per tier.
	index map[[2]string]config.CustomCapConfig
}

func NewCustomCapChecker(caps []config.CustomCapConfig, windows *usage.WindowManager, now func() time.Time) *CustomCapChecker {
	if now == nil {
		now = time.Now
	}
	c := &CustomCapChecker{
		windows: windows,
		now:     now,
		index:   map[[2]string]config.CustomCapConfig{},
	}
	for _, cap := range caps {
		tiers := cap.Tiers()
		if tiers == nil {
			c.index[[2]string{config.TierDefault, cap.ModelOrGroup}] = cap
			continue
		}
		for _, tier := range tiers {
			c.index[[2]string{strconv.Itoa(tier), cap.ModelOrGroup}] = cap
		}
	}
	return c
}

func (c *CustomCapChecker) Name() string { return "custom_caps" }

func (c *CustomCapChecker) Check(state *usage.CredentialState, model, group string) CheckResult {
	if len(c.index) == 0 {
		return Allowed()
	}
	if c.windows.PrimaryDefinition() == nil {
		return Allowed()
	}

	for _, applied := range c.findCaps(strconv.Itoa(state.Priority), model, group) {
		if result := c.checkCap(state, applied); !result.Allowed {
			return result
		}
	}
	return Allowed()
}

// CapsFor returns all caps applicable to a credential for diagnostics.
func (c *CustomCapChecker) CapsFor(state *usage.CredentialState, model, group string) []config.CustomCapConfig {
	var caps []config.CustomCapConfig
	for _, applied := range c.findCaps(strconv.Itoa(state.Priority), model, group) {
		caps = append(caps, applied.cap)
	}
	return caps
}

// findCaps resolves the applicable caps for a request: the model cap and,
// when the group differs, the group cap, each falling back from the
// priority-specific tier to the default tier.
func (c *CustomCapChecker) findCaps(priorityKey, model, group string) []appliedCap {
	var result []appliedCap

	if cap, ok := c.lookup(priorityKey, model); ok {
		result = append(result, appliedCap{cap: cap, scope: scopeModel, scopeKey: model})
	}
	if group != "" && group != model {
		if cap, ok := c.lookup(priorityKey, group); ok {
			result = append(result, appliedCap{cap: cap, scope: scopeGroup, scopeKey: group})
		}
	}
	return result
}

func (c *CustomCapChecker) lookup(priorityKey, name string) (config.CustomCapConfig, bool) {
	if cap, ok := c.index[[2]string{priorityKey, name}]; ok {
		return cap, true
	}
	cap, ok := c.index[[2]string{config.TierDefault, name}]
	return cap, ok
}

// checkCap checks a single cap against its own scope's primary window.
func (c *CustomCapChecker) checkCap(state *usage.CredentialState, applied appliedCap) CheckResult {
	var windows map[string]*usage.WindowStats
	if applied.scope == scopeGroup {
		if stats := state.GroupStats(applied.scopeKey, false); stats != nil {
			windows = stats.Windows
		}
	} else {
		if stats := state.ModelStats(applied.scopeKey, false); stats != nil {
			windows = stats.Windows
		}
	}
	if windows == nil {
		return Allowed()
	}

	primary := c.windows.Primary(windows)
	if primary == nil {
		return Allowed()
	}

	maxRequests := resolveMaxRequests(applied.cap, primary.Limit)
	if primary.RequestCount < maxRequests {
		return Allowed()
	}

	return Blocked(BlockedCustomCap,
		fmt.Sprintf("custom cap for %s %q exceeded (%d/%d)",
			applied.scope, applied.scopeKey, primary.RequestCount, maxRequests),
		c.cooldownUntil(applied.cap, primary))
}

// resolveMaxRequests interprets the cap's max_requests under its mode.
// The result is clamped to >= 0.
func resolveMaxRequests(cap config.CustomCapConfig, windowLimit int64) int64 {
	switch cap.MaxRequestsMode {
	case config.CapAbsolute:
		return clampNonNegative(int64(cap.MaxRequests))
	case config.CapOffset:
		if windowLimit == 0 {
			// Offset against an unknown limit: fall back to the magnitude.
			n := int64(cap.MaxRequests)
			if n < 0 {
				n = -n
			}
			return n
		}
		return clampNonNegative(windowLimit + int64(cap.MaxRequests))
	case config.CapPercentage:
		if windowLimit == 0 {
			return percentageFallbackMax
		}
		return clampNonNegative(windowLimit * int64(cap.MaxRequests) / 100)
	}
	return clampNonNegative(int64(cap.MaxRequests))
}

// cooldownUntil computes when a custom-cap block lifts.
func (c *CustomCapChecker) cooldownUntil(cap config.CustomCapConfig, window *usage.WindowStats) time.Time {
	now := c.now()
	naturalReset := window.ResetAt

	switch cap.CooldownMode {
	case config.CooldownQuotaReset:
		return naturalReset
	case config.CooldownOffset:
		if naturalReset.IsZero() {
			offset := cap.CooldownValue
			if offset < 0 {
				offset = -offset
			}
			return now.Add(offset)
		}
		// A block can never end before the quota resets.
		until := naturalReset.Add(cap.CooldownValue)
		if until.Before(naturalReset) {
			return naturalReset
		}
		return until
	case config.CooldownFixed:
		return now.Add(cap.CooldownValue)
	}
	return zeroTime
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
