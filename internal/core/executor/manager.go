// Package executor binds the rotator core together: the per-provider usage
// manager owning all credential state, and the request executor driving the
// retry/rotation loop.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/identity"
	"github.com/vitaliisemenov/llm-rotator/internal/core/limits"
	"github.com/vitaliisemenov/llm-rotator/internal/core/selection"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
	"github.com/vitaliisemenov/llm-rotator/internal/infrastructure/persistence"
	"github.com/vitaliisemenov/llm-rotator/internal/metrics"
)

// Manager owns all credential state for one provider: the identity
// registry, the tracking/limit/selection engines, and the persistence hook.
//
// States are created lazily on first reference to a stable ID and survive
// restarts through snapshots. All mutations flow through the tracking
// engine; selection and limit checks borrow states under its lock.
type Manager struct {
	provider string
	cfg      *config.ProviderConfig

	registry  *identity.Registry
	windows   *usage.WindowManager
	tracking  *usage.TrackingEngine
	limits    *limits.Engine
	selection *selection.Engine

	states map[string]*usage.CredentialState

	snapshotter *persistence.Snapshotter
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// ManagerOptions tunes construction; zero values use production defaults.
type ManagerOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	Rand    *rand.Rand
}

// NewManager builds the engine stack for one provider.
func NewManager(cfg *config.ProviderConfig, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	windows := usage.NewWindowManager(cfg.Windows, cfg.DailyResetTimeUTC, now)
	tracking := usage.NewTrackingEngine(cfg, windows, logger, now)
	limitEngine := limits.NewEngine(cfg, windows, logger, now)
	selectionEngine := selection.NewEngine(cfg, limitEngine, windows, logger, now, opts.Rand)

	return &Manager{
		provider:  cfg.Name,
		cfg:       cfg,
		registry:  identity.NewRegistry(logger),
		windows:   windows,
		tracking:  tracking,
		limits:    limitEngine,
		selection: selectionEngine,
		states:    map[string]*usage.CredentialState{},
		logger:    logger,
		metrics:   m,
		now:       now,
	}
}

// Provider returns the provider name.
func (m *Manager) Provider() string { return m.provider }

// Config returns the provider configuration.
func (m *Manager) Config() *config.ProviderConfig { return m.cfg }

// Tracking returns the tracking engine.
func (m *Manager) Tracking() *usage.TrackingEngine { return m.tracking }

// Limits returns the limit engine.
func (m *Manager) Limits() *limits.Engine { return m.limits }

// Selection returns the selection engine.
func (m *Manager) Selection() *selection.Engine { return m.selection }

// Registry returns the identity registry.
func (m *Manager) Registry() *identity.Registry { return m.registry }

// AttachStore loads persisted state from a store and starts the coalescing
// snapshotter against it.
func (m *Manager) AttachStore(ctx context.Context, store persistence.Store, flushInterval time.Duration, flushMutations int) error {
	snapshot, err := store.Load(ctx, m.provider)
	if err != nil {
		return err
	}
	if snapshot != nil {
		m.restore(snapshot)
	}

	m.snapshotter = persistence.NewSnapshotter(store, m.provider, m.CaptureSnapshot, flushInterval, flushMutations, m.logger)
	m.tracking.OnMutate(m.snapshotter.Notify)
	m.snapshotter.Start(ctx)
	return nil
}

// Close flushes pending snapshots.
func (m *Manager) Close() {
	if m.snapshotter != nil {
		m.snapshotter.Close()
	}
}

// EnsureCredentials registers accessors and creates states lazily. An
// accessor whose stable ID is already known under a different accessor is
// rebound (file rename) rather than split into a new state.
func (m *Manager) EnsureCredentials(accessors []string) {
	for _, accessor := range accessors {
		stableID := m.registry.StableID(accessor, m.provider)
		info := m.registry.Lookup(accessor, m.provider)

		m.tracking.Locked(func() {
			state, ok := m.states[stableID]
			if !ok {
				state = usage.NewCredentialState(stableID, m.provider, accessor, m.now())
				m.states[stableID] = state
			}
			if state.Accessor != accessor {
				m.registry.Rebind(stableID, accessor)
				state.Accessor = accessor
			}
			if info != nil {
				state.Priority = info.Priority
				state.Tier = info.Tier
				if info.DisplayName != "" {
					state.DisplayName = info.DisplayName
				}
			}
			state.MaxConcurrent = m.cfg.EffectiveMaxConcurrent(state.Priority)
		})
	}
}

// RemoveCredential deletes the state and registry binding of a removed
// accessor.
func (m *Manager) RemoveCredential(accessor string) {
	stableID := m.registry.StableID(accessor, m.provider)
	m.tracking.Locked(func() {
		delete(m.states, stableID)
	})
	m.registry.Forget(accessor)
}

// State returns the credential state for an accessor, or nil.
func (m *Manager) State(accessor string) *usage.CredentialState {
	return m.StateByID(m.registry.StableID(accessor, m.provider))
}

// StateByID returns the credential state for a stable ID, or nil.
func (m *Manager) StateByID(stableID string) *usage.CredentialState {
	var state *usage.CredentialState
	m.tracking.Locked(func() {
		state = m.states[stableID]
	})
	return state
}

// StableIDs returns all known stable IDs.
func (m *Manager) StableIDs() []string {
	var ids []string
	m.tracking.Locked(func() {
		ids = make([]string, 0, len(m.states))
		for id := range m.states {
			ids = append(ids, id)
		}
	})
	return ids
}

// Select picks a credential for a request, excluding already-tried stable
// IDs. Runs under the tracking lock so the limit engine sees a consistent
// snapshot.
func (m *Manager) Select(model, group string, exclude map[string]bool, deadline time.Time) string {
	var selected string
	m.tracking.Locked(func() {
		selected = m.selection.Select(m.provider, model, m.states, group, exclude, nil, deadline)
	})
	if selected == "" {
		m.metrics.SelectionEmptyTotal.WithLabelValues(m.provider).Inc()
	} else {
		m.metrics.SelectionsTotal.WithLabelValues(m.provider, string(m.cfg.RotationMode)).Inc()
	}
	return selected
}

// BlockingReasons reports the first blocking reason per candidate, keyed by
// masked credential, for the terminal no-credentials error.
func (m *Manager) BlockingReasons(model, group string) map[string]string {
	reasons := map[string]string{}
	m.tracking.Locked(func() {
		for _, state := range m.states {
			result := m.limits.Check(state, model, group)
			if !result.Allowed {
				reasons[identity.Mask(state.Accessor)] = result.Reason
			}
		}
	})
	return reasons
}

// ShortestBlockedUntil returns the earliest time any candidate's block
// lifts, or zero when no block carries a known expiry.
func (m *Manager) ShortestBlockedUntil(model, group string) time.Time {
	var shortest time.Time
	m.tracking.Locked(func() {
		for _, state := range m.states {
			result := m.limits.Check(state, model, group)
			if result.Allowed || result.BlockedUntil.IsZero() {
				continue
			}
			if shortest.IsZero() || result.BlockedUntil.Before(shortest) {
				shortest = result.BlockedUntil
			}
		}
	})
	return shortest
}

// AvailabilityStats summarises pool availability for a model.
func (m *Manager) AvailabilityStats(model, group string) selection.AvailabilityStats {
	var stats selection.AvailabilityStats
	m.tracking.Locked(func() {
		stats = m.selection.AvailabilityStats(m.provider, model, m.states, group)
	})
	return stats
}

// ApplyCooldown puts an accessor's credential on cooldown (admin API).
func (m *Manager) ApplyCooldown(accessor string, duration time.Duration, reason, modelOrGroup string) {
	state := m.State(accessor)
	if state == nil {
		return
	}
	m.tracking.ApplyCooldown(state, reason, duration, time.Time{}, modelOrGroup, "admin")
	m.metrics.CooldownsAppliedTotal.WithLabelValues(m.provider, reason).Inc()
}

// ClearCooldown clears a cooldown on an accessor's credential (admin API).
func (m *Manager) ClearCooldown(accessor, modelOrGroup string) {
	state := m.State(accessor)
	if state == nil {
		return
	}
	m.tracking.ClearCooldown(state, modelOrGroup)
}

// MarkExhausted flags an accessor's credential exhausted for fair cycle
// (admin API).
func (m *Manager) MarkExhausted(accessor, modelOrGroup, reason string) {
	state := m.State(accessor)
	if state == nil {
		return
	}
	m.tracking.MarkExhausted(state, modelOrGroup, reason)
}

// WindowRemaining reports remaining quota in a named window for an
// accessor, or -1 when unknown.
func (m *Manager) WindowRemaining(accessor, windowName, model, group string) int64 {
	state := m.State(accessor)
	if state == nil {
		return -1
	}
	var remaining int64
	m.tracking.Locked(func() {
		remaining = m.limits.WindowLimits().Remaining(state, windowName, model, group)
	})
	return remaining
}

// UpdateWindowLimit implements the refresher's quota updater.
func (m *Manager) UpdateWindowLimit(accessor, windowName, modelOrGroup string, limit int64) {
	state := m.State(accessor)
	if state == nil {
		return
	}
	m.tracking.Locked(func() {
		if stats := state.GroupStats(modelOrGroup, false); stats != nil {
			m.windows.UpdateLimit(stats.Windows, windowName, limit)
		}
		if stats := state.ModelStats(modelOrGroup, false); stats != nil {
			m.windows.UpdateLimit(stats.Windows, windowName, limit)
		}
	})
}

// UpdateWindowReset implements the refresher's quota updater.
func (m *Manager) UpdateWindowReset(accessor, windowName, modelOrGroup string, resetAt time.Time) {
	state := m.State(accessor)
	if state == nil {
		return
	}
	m.tracking.Locked(func() {
		if stats := state.GroupStats(modelOrGroup, false); stats != nil {
			m.windows.UpdateResetTime(stats.Windows, windowName, resetAt)
		}
		if stats := state.ModelStats(modelOrGroup, false); stats != nil {
			m.windows.UpdateResetTime(stats.Windows, windowName, resetAt)
		}
	})
}

// CaptureSnapshot deep-copies current state into a persistable snapshot.
// Safe to call concurrently with request traffic.
func (m *Manager) CaptureSnapshot() *persistence.Snapshot {
	snapshot := persistence.NewSnapshot()
	snapshot.AccessorIndex = m.registry.AccessorIndex()

	m.tracking.Locked(func() {
		for id, state := range m.states {
			snapshot.Credentials[id] = deepCopyState(state)
		}
	})

	snapshot.FairCycleGlobal = m.limits.FairCycle().GlobalStates()
	return snapshot
}

// restore loads a snapshot into the manager. Called once before traffic.
func (m *Manager) restore(snapshot *persistence.Snapshot) {
	m.registry.LoadAccessorIndex(snapshot.AccessorIndex, m.provider)

	m.tracking.Locked(func() {
		for id, state := range snapshot.Credentials {
			state.ActiveRequests = 0
			m.states[id] = state
		}
	})

	m.limits.FairCycle().LoadGlobalStates(snapshot.FairCycleGlobal)

	m.logger.Info("Restored usage snapshot",
		"provider", m.provider,
		"credentials", len(snapshot.Credentials),
	)
}

// deepCopyState clones a state through JSON so the snapshotter can marshal
// outside the tracking lock.
func deepCopyState(state *usage.CredentialState) *usage.CredentialState {
	data, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	var copied usage.CredentialState
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil
	}
	return &copied
}
