package usage

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/pkg/logger"
)

// FailureOptions carries the extra state transitions attached to a recorded
// failure.
type FailureOptions struct {
	ErrorType string

	// CooldownDuration applies a cooldown for that long. Zero means none.
	CooldownDuration time.Duration

	// QuotaResetAt applies a cooldown until an explicit timestamp reported
	// by the API. Zero means none.
	QuotaResetAt time.Time

	// MarkExhausted also flags the scope exhausted for fair cycle.
	MarkExhausted bool
}

// TrackingEngine is the sole mutator of credential state.
//
// A single mutex serialises all mutations for the engine; mutations complete
// synchronously under the lock and the lock is never held across I/O. Safe
// to call from many concurrent request goroutines.
type TrackingEngine struct {
	mu      sync.Mutex
	windows *WindowManager
	cfg     *config.ProviderConfig
	logger  *slog.Logger
	now     func() time.Time

	// onMutate, when set, is called after every completed mutation.
	// The snapshotter uses it to coalesce flushes.
	onMutate func()
}

// NewTrackingEngine creates a tracking engine for one provider.
// now may be nil, in which case time.Now is used.
func NewTrackingEngine(cfg *config.ProviderConfig, windows *WindowManager, logger *slog.Logger, now func() time.Time) *TrackingEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &TrackingEngine{
		windows: windows,
		cfg:     cfg,
		logger:  logger,
		now:     now,
	}
}

// OnMutate registers a callback invoked after every completed mutation.
func (e *TrackingEngine) OnMutate(fn func()) {
	e.mu.Lock()
	e.onMutate = fn
	e.mu.Unlock()
}

// Windows returns the engine's window manager.
func (e *TrackingEngine) Windows() *WindowManager {
	return e.windows
}

// Locked runs fn under the engine's mutex. Limit and selection checks borrow
// state snapshots through this; fn must not block on I/O.
func (e *TrackingEngine) Locked(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// RecordUsage applies an update to the model windows, group windows, and
// credential totals of a state, atomically.
//
// When a group is given, the group windows are authoritative for timing:
// their started_at/reset_at are copied onto the corresponding model windows
// so that every model in a pool shares one reset clock.
func (e *TrackingEngine) RecordUsage(state *CredentialState, model string, update UsageUpdate, group string, responseHeaders map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordUsageLocked(state, model, update, group, responseHeaders)
	e.notifyMutation()
}

func (e *TrackingEngine) recordUsageLocked(state *CredentialState, model string, update UsageUpdate, group string, responseHeaders map[string]string) {
	now := e.now()

	outputTokens := update.CompletionTokens + update.ThinkingTokens
	totalTokens := update.PromptTokens + update.CompletionTokens + update.ThinkingTokens +
		update.CacheReadTokens + update.CacheWriteTokens

	defs := e.cfg.Windows
	if len(state.WindowOverrides) > 0 {
		defs = state.WindowOverrides
	}

	modelStats := state.ModelStats(model, true)
	e.applyToWindows(modelStats.Windows, defs, update, now, totalTokens, outputTokens)
	applyToTotals(&modelStats.Totals, update, now, totalTokens, outputTokens)

	if group != "" {
		groupStats := state.GroupStats(group, true)
		e.applyToWindows(groupStats.Windows, defs, update, now, totalTokens, outputTokens)
		applyToTotals(&groupStats.Totals, update, now, totalTokens, outputTokens)

		// Group timing is authoritative for every model in the pool.
		syncWindowTimingFromGroup(modelStats.Windows, groupStats.Windows)
	}

	applyToTotals(&state.Totals, update, now, totalTokens, outputTokens)

	if e.cfg.FairCycle.Enabled {
		key := e.fairCycleKey(model, group)
		fc, ok := state.FairCycle[key]
		if !ok {
			fc = &FairCycleState{Key: key}
			state.FairCycle[key] = fc
		}
		fc.CycleRequestCount += update.RequestCount
	}

	if len(responseHeaders) > 0 {
		e.updateFromHeaders(state, responseHeaders, model, group)
	}

	state.LastUpdated = now
}

// RecordSuccess records a successful request.
func (e *TrackingEngine) RecordSuccess(state *CredentialState, model, group string, update UsageUpdate, responseHeaders map[string]string) {
	update.Success = true
	if update.RequestCount == 0 {
		update.RequestCount = 1
	}
	e.RecordUsage(state, model, update, group, responseHeaders)
}

// RecordFailure records a failed request and applies the attached cooldown
// and exhaustion transitions.
func (e *TrackingEngine) RecordFailure(state *CredentialState, model, group string, update UsageUpdate, opts FailureOptions) {
	update.Success = false
	if update.RequestCount == 0 {
		update.RequestCount = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recordUsageLocked(state, model, update, group, nil)

	scope := group
	if scope == "" {
		scope = model
	}

	if opts.CooldownDuration > 0 {
		e.applyCooldownLocked(state, opts.ErrorType, opts.CooldownDuration, time.Time{}, scope, "error")
	}
	if !opts.QuotaResetAt.IsZero() {
		e.applyCooldownLocked(state, opts.ErrorType, 0, opts.QuotaResetAt, scope, "api_quota")
	}
	if opts.MarkExhausted {
		e.markExhaustedLocked(state, e.fairCycleKey(model, group), opts.ErrorType)
	}

	e.notifyMutation()
}

// Acquire atomically checks the concurrency cap and increments
// active_requests. Returns false when the credential is at its cap.
func (e *TrackingEngine) Acquire(state *CredentialState, model string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state.MaxConcurrent > 0 && state.ActiveRequests >= state.MaxConcurrent {
		return false
	}
	state.ActiveRequests++
	return true
}

// Release decrements active_requests. Every Acquire is paired with exactly
// one Release on all exit paths.
func (e *TrackingEngine) Release(state *CredentialState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state.ActiveRequests > 0 {
		state.ActiveRequests--
	}
}

// ApplyCooldown puts a credential scope on cooldown. Exactly one of duration
// or until should be set; scope may be empty for a credential-wide cooldown.
//
// If an active cooldown already exists at the key, its original reason,
// source, and started_at are preserved; only the expiry advances and the
// backoff count increments. The first cause is the true cause; later calls
// carry upstream's newest estimate of the reset time.
func (e *TrackingEngine) ApplyCooldown(state *CredentialState, reason string, duration time.Duration, until time.Time, scope, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyCooldownLocked(state, reason, duration, until, scope, source)
	e.notifyMutation()
}

func (e *TrackingEngine) applyCooldownLocked(state *CredentialState, reason string, duration time.Duration, until time.Time, scope, source string) {
	now := e.now()

	if until.IsZero() {
		if duration <= 0 {
			return
		}
		until = now.Add(duration)
	}

	key := scope
	if key == "" {
		key = CooldownGlobalKey
	}

	backoffCount := 0
	startedAt := now
	if existing, ok := state.Cooldowns[key]; ok && existing.ActiveAt(now) {
		backoffCount = existing.BackoffCount + 1
		reason = existing.Reason
		source = existing.Source
		startedAt = existing.StartedAt
	}

	state.Cooldowns[key] = &Cooldown{
		Reason:       reason,
		Until:        until,
		StartedAt:    startedAt,
		Source:       source,
		Scope:        scope,
		BackoffCount: backoffCount,
	}

	// A cooldown long enough is itself an exhaustion signal.
	if until.Sub(now) >= e.cfg.ExhaustionCooldownThreshold &&
		e.cfg.FairCycle.Enabled && scope != "" {
		e.markExhaustedLocked(state, e.fairCycleKey(scope, ""), "cooldown_"+reason)
	}

	state.LastUpdated = now
}

// ClearCooldown removes the cooldown at the given scope, or the
// credential-wide one when scope is empty.
func (e *TrackingEngine) ClearCooldown(state *CredentialState, scope string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := scope
	if key == "" {
		key = CooldownGlobalKey
	}
	delete(state.Cooldowns, key)
	e.notifyMutation()
}

// MarkExhausted flags a tracking key exhausted for fair cycle. Idempotent:
// a second call on an already-exhausted record is a no-op.
func (e *TrackingEngine) MarkExhausted(state *CredentialState, key, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markExhaustedLocked(state, key, reason)
	e.notifyMutation()
}

func (e *TrackingEngine) markExhaustedLocked(state *CredentialState, key, reason string) {
	fc, ok := state.FairCycle[key]
	if !ok {
		fc = &FairCycleState{Key: key}
		state.FairCycle[key] = fc
	}
	if fc.Exhausted {
		return
	}

	fc.Exhausted = true
	fc.ExhaustedAt = e.now()
	fc.ExhaustedReason = reason

	e.logger.Info("Credential marked fair-cycle exhausted",
		"key", key,
		"reason", reason,
		logger.Credential(state.Accessor),
	)
}

// ResetFairCycle clears the exhaustion record for a tracking key, or all
// keys when key is empty.
func (e *TrackingEngine) ResetFairCycle(state *CredentialState, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if key != "" {
		if fc, ok := state.FairCycle[key]; ok {
			resetFairCycleRecord(fc)
		}
	} else {
		for _, fc := range state.FairCycle {
			resetFairCycleRecord(fc)
		}
	}
	e.notifyMutation()
}

func resetFairCycleRecord(fc *FairCycleState) {
	fc.Exhausted = false
	fc.ExhaustedAt = time.Time{}
	fc.ExhaustedReason = ""
	fc.CycleRequestCount = 0
}

// WindowUsage returns the request count in a named window, preferring the
// group scope over the model scope.
func (e *TrackingEngine) WindowUsage(state *CredentialState, windowName, model, group string) int64 {
	if group != "" {
		if stats := state.GroupStats(group, false); stats != nil {
			if w := e.windows.Active(stats.Windows, windowName); w != nil {
				return w.RequestCount
			}
		}
	}
	if model != "" {
		if stats := state.ModelStats(model, false); stats != nil {
			if w := e.windows.Active(stats.Windows, windowName); w != nil {
				return w.RequestCount
			}
		}
	}
	return 0
}

// PrimaryWindowUsage returns the request count in the primary window, or 0
// when no primary window is configured.
func (e *TrackingEngine) PrimaryWindowUsage(state *CredentialState, model, group string) int64 {
	def := e.windows.PrimaryDefinition()
	if def == nil {
		return 0
	}
	return e.WindowUsage(state, def.Name, model, group)
}

// fairCycleKey resolves the fair-cycle tracking key for a request.
func (e *TrackingEngine) fairCycleKey(model, group string) string {
	if e.cfg.FairCycle.TrackingMode == config.TrackCredential {
		return FairCycleCredentialKey
	}
	if group != "" {
		return group
	}
	return model
}

func (e *TrackingEngine) applyToWindows(windows map[string]*WindowStats, defs []config.WindowDefinition, update UsageUpdate, now time.Time, totalTokens, outputTokens int64) {
	for _, def := range defs {
		window := e.windows.GetOrCreate(windows, def.Name, 0)
		e.applyToWindow(window, def, update, now, totalTokens, outputTokens)
	}
}

func (e *TrackingEngine) applyToWindow(window *WindowStats, def config.WindowDefinition, update UsageUpdate, now time.Time, totalTokens, outputTokens int64) {
	window.RequestCount += update.RequestCount
	if update.Success {
		window.SuccessCount += update.RequestCount
	} else {
		window.FailureCount += update.RequestCount
	}

	window.PromptTokens += update.PromptTokens
	window.CompletionTokens += update.CompletionTokens
	window.ThinkingTokens += update.ThinkingTokens
	window.OutputTokens += outputTokens
	window.CacheReadTokens += update.CacheReadTokens
	window.CacheWriteTokens += update.CacheWriteTokens
	window.TotalTokens += totalTokens
	window.ApproxCost += update.ApproxCost

	window.LastUsedAt = now
	if window.FirstUsedAt.IsZero() {
		window.FirstUsedAt = now
	}

	// First use starts the window clock.
	if window.StartedAt.IsZero() {
		window.StartedAt = now
		if window.ResetAt.IsZero() {
			window.ResetAt = e.windows.ResetTimeFor(def, now)
		}
	}

	if window.RequestCount > window.MaxRecordedRequests {
		window.MaxRecordedRequests = window.RequestCount
		window.MaxRecordedAt = now
	}
}

func applyToTotals(totals *TotalStats, update UsageUpdate, now time.Time, totalTokens, outputTokens int64) {
	totals.RequestCount += update.RequestCount
	if update.Success {
		totals.SuccessCount += update.RequestCount
	} else {
		totals.FailureCount += update.RequestCount
	}

	totals.PromptTokens += update.PromptTokens
	totals.CompletionTokens += update.CompletionTokens
	totals.ThinkingTokens += update.ThinkingTokens
	totals.OutputTokens += outputTokens
	totals.CacheReadTokens += update.CacheReadTokens
	totals.CacheWriteTokens += update.CacheWriteTokens
	totals.TotalTokens += totalTokens
	totals.ApproxCost += update.ApproxCost

	totals.LastUsedAt = now
	if totals.FirstUsedAt.IsZero() {
		totals.FirstUsedAt = now
	}
}

// syncWindowTimingFromGroup copies started_at/reset_at from group windows
// onto the matching model windows.
func syncWindowTimingFromGroup(modelWindows, groupWindows map[string]*WindowStats) {
	for name, groupWindow := range groupWindows {
		if modelWindow, ok := modelWindows[name]; ok {
			modelWindow.StartedAt = groupWindow.StartedAt
			modelWindow.ResetAt = groupWindow.ResetAt
		}
	}
}

// relativeResetCutoff separates relative seconds from absolute Unix
// timestamps in x-ratelimit-reset values. Anything below ~2001 epoch is
// treated as relative.
const relativeResetCutoff = 1_000_000_000

// updateFromHeaders learns limit and reset_at from rate-limit response
// headers, applying them to the primary window of both scopes.
func (e *TrackingEngine) updateFromHeaders(state *CredentialState, headers map[string]string, model, group string) {
	def := e.windows.PrimaryDefinition()
	if def == nil {
		return
	}

	var limit int64
	if v, ok := headers["x-ratelimit-limit"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			limit = n
		}
	}

	var resetAt time.Time
	if v, ok := headers["x-ratelimit-reset"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if f < relativeResetCutoff {
				resetAt = e.now().Add(time.Duration(f * float64(time.Second)))
			} else {
				sec := int64(f)
				nsec := int64((f - float64(sec)) * float64(time.Second))
				resetAt = time.Unix(sec, nsec)
			}
		}
	}

	if limit == 0 && resetAt.IsZero() {
		return
	}

	apply := func(stats *ScopeStats) {
		if stats == nil {
			return
		}
		window, ok := stats.Windows[def.Name]
		if !ok {
			return
		}
		if limit > 0 {
			window.Limit = limit
		}
		if !resetAt.IsZero() {
			window.ResetAt = resetAt
		}
	}

	if group != "" {
		apply(state.GroupStats(group, false))
	}
	apply(state.ModelStats(model, false))
}

func (e *TrackingEngine) notifyMutation() {
	if e.onMutate != nil {
		e.onMutate()
	}
}
