package limits

import (
	"fmt"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

var zeroTime time.Time

// CooldownChecker blocks credentials with an active cooldown. Keys are
// checked in order: group, model (when different), then the credential-wide
// key; the first active cooldown wins.
type CooldownChecker struct {
	now func() time.Time
}

func NewCooldownChecker(now func() time.Time) *CooldownChecker {
	if now == nil {
		now = time.Now
	}
	return &CooldownChecker{now: now}
}

func (c *CooldownChecker) Name() string { return "cooldowns" }

func (c *CooldownChecker) Check(state *usage.CredentialState, model, group string) CheckResult {
	now := c.now()

	groupKey := group
	if groupKey == "" {
		groupKey = model
	}

	keys := make([]string, 0, 3)
	if groupKey != "" {
		keys = append(keys, groupKey)
	}
	if group != "" && group != model {
		keys = append(keys, model)
	}
	keys = append(keys, usage.CooldownGlobalKey)

	for _, key := range keys {
		if cd := state.ActiveCooldown(key, now); cd != nil {
			scope := key
			if key == usage.CooldownGlobalKey {
				scope = "global"
			}
			return Blocked(BlockedCooldown,
				fmt.Sprintf("cooldown for %q: %s (expires in %.0fs)",
					scope, cd.Reason, cd.RemainingAt(now).Seconds()),
				cd.Until)
		}
	}

	return Allowed()
}

// End returns when the cooldown for a scope (or the credential-wide one)
// lifts, or zero when no cooldown is active.
func (c *CooldownChecker) End(state *usage.CredentialState, scope string) time.Time {
	now := c.now()
	if scope != "" {
		if cd := state.ActiveCooldown(scope, now); cd != nil {
			return cd.Until
		}
	}
	if cd := state.ActiveCooldown(usage.CooldownGlobalKey, now); cd != nil {
		return cd.Until
	}
	return zeroTime
}
