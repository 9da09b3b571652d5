package limits

import (
	"fmt"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

// WindowLimitChecker blocks credentials that have spent their request quota
// in any tracked window. Only active when window_limits_enabled is set;
// otherwise local windows observe but never block.
type WindowLimitChecker struct {
	windows *usage.WindowManager
}

func NewWindowLimitChecker(windows *usage.WindowManager) *WindowLimitChecker {
	return &WindowLimitChecker{windows: windows}
}

func (c *WindowLimitChecker) Name() string { return "window_limits" }

func (c *WindowLimitChecker) Check(state *usage.CredentialState, model, group string) CheckResult {
	groupKey := group
	if groupKey == "" {
		groupKey = model
	}

	for _, def := range c.windows.Definitions() {
		var windows map[string]*usage.WindowStats

		switch def.Scope {
		case config.ScopeModel:
			if stats := state.ModelStats(model, false); stats != nil {
				windows = stats.Windows
			}
		case config.ScopeGroup:
			if stats := state.GroupStats(groupKey, false); stats != nil {
				windows = stats.Windows
			}
		}
		if windows == nil {
			continue
		}

		window, ok := windows[def.Name]
		if !ok || window.Limit == 0 {
			continue
		}

		active := c.windows.Active(windows, def.Name)
		if active == nil {
			continue
		}

		if active.RequestCount >= active.Limit {
			return Blocked(BlockedWindow,
				fmt.Sprintf("window %q exhausted (%d/%d)",
					def.Name, active.RequestCount, active.Limit),
				active.ResetAt)
		}
	}

	return Allowed()
}

// Remaining returns the remaining requests in a named window for the
// matching scope, or -1 when unknown or unlimited.
func (c *WindowLimitChecker) Remaining(state *usage.CredentialState, windowName, model, group string) int64 {
	def, ok := c.windows.Definition(windowName)
	if !ok {
		return -1
	}

	groupKey := group
	if groupKey == "" {
		groupKey = model
	}

	var windows map[string]*usage.WindowStats
	switch def.Scope {
	case config.ScopeModel:
		if model != "" {
			if stats := state.ModelStats(model, false); stats != nil {
				windows = stats.Windows
			}
		}
	case config.ScopeGroup:
		if stats := state.GroupStats(groupKey, false); stats != nil {
			windows = stats.Windows
		}
	}
	if windows == nil {
		return -1
	}

	return c.windows.Remaining(windows, windowName)
}
