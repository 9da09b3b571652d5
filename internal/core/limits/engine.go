package limits

import (
	"log/slog"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
	"github.com/vitaliisemenov/llm-rotator/pkg/logger"
)

// Engine runs all limit checkers for a provider in their fixed order and
// returns the first blocking result.
type Engine struct {
	checkers []Checker
	logger   *slog.Logger

	concurrent *ConcurrentChecker
	cooldowns  *CooldownChecker
	windows    *WindowLimitChecker
	customCaps *CustomCapChecker
	fairCycle  *FairCycleChecker
}

// NewEngine builds the checker pipeline for a provider. The window-limit
// checker only blocks when enabled in config.
// now may be nil, in which case time.Now is used.
func NewEngine(cfg *config.ProviderConfig, windows *usage.WindowManager, logger *slog.Logger, now func() time.Time) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		logger:     logger,
		concurrent: NewConcurrentChecker(),
		cooldowns:  NewCooldownChecker(now),
		windows:    NewWindowLimitChecker(windows),
		customCaps: NewCustomCapChecker(cfg.CustomCaps, windows, now),
		fairCycle:  NewFairCycleChecker(cfg.FairCycle, windows, logger, now),
	}

	// Order matters: concurrent is the cheapest check, fair cycle the last
	// resort. First blocker wins.
	e.checkers = []Checker{e.concurrent, e.cooldowns}
	if cfg.WindowLimitsEnabled {
		e.checkers = append(e.checkers, e.windows)
	}
	e.checkers = append(e.checkers, e.customCaps, e.fairCycle)

	return e
}

// Check runs all checkers in order and returns the first failure, or the
// passing result when every checker allows.
func (e *Engine) Check(state *usage.CredentialState, model, group string) CheckResult {
	for _, checker := range e.checkers {
		result := checker.Check(state, model, group)
		if !result.Allowed {
			e.logger.Debug("Credential blocked",
				"checker", checker.Name(),
				"reason", result.Reason,
				logger.Credential(state.Accessor),
			)
			return result
		}
	}
	return Allowed()
}

// Available filters states to those passing all limits.
func (e *Engine) Available(states []*usage.CredentialState, model, group string) []*usage.CredentialState {
	var available []*usage.CredentialState
	for _, state := range states {
		if e.Check(state, model, group).Allowed {
			available = append(available, state)
		}
	}
	return available
}

// BlockingInfo returns each checker's result for diagnostics and status
// reporting.
func (e *Engine) BlockingInfo(state *usage.CredentialState, model, group string) map[string]CheckResult {
	info := make(map[string]CheckResult, len(e.checkers))
	for _, checker := range e.checkers {
		info[checker.Name()] = checker.Check(state, model, group)
	}
	return info
}

// CheckerNames returns the active checker names in evaluation order.
func (e *Engine) CheckerNames() []string {
	names := make([]string, len(e.checkers))
	for i, checker := range e.checkers {
		names[i] = checker.Name()
	}
	return names
}

// Cooldowns returns the cooldown checker.
func (e *Engine) Cooldowns() *CooldownChecker { return e.cooldowns }

// WindowLimits returns the window-limit checker (available for diagnostics
// even when not in the blocking pipeline).
func (e *Engine) WindowLimits() *WindowLimitChecker { return e.windows }

// CustomCaps returns the custom-cap checker.
func (e *Engine) CustomCaps() *CustomCapChecker { return e.customCaps }

// FairCycle returns the fair-cycle checker.
func (e *Engine) FairCycle() *FairCycleChecker { return e.fairCycle }
