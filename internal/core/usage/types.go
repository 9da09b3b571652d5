// Package usage contains the credential usage data model and the engines
// that mutate it: the window manager and the tracking engine.
//
// All state in this package is owned by the TrackingEngine. Other components
// (limit checkers, selection) borrow read-only references under the engine's
// lock for the duration of a check.
package usage

import (
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
)

// CooldownGlobalKey indexes a credential-wide cooldown in
// CredentialState.Cooldowns. Distinct from the fair-cycle credential
// sentinel; the two namespaces never mix.
const CooldownGlobalKey = "_global_"

// FairCycleCredentialKey is the fair-cycle tracking key used when the
// provider tracks exhaustion per credential instead of per model/group.
const FairCycleCredentialKey = "_credential_"

// UsageUpdate carries the deltas of one recorded request.
type UsageUpdate struct {
	RequestCount     int64
	Success          bool
	PromptTokens     int64
	CompletionTokens int64
	ThinkingTokens   int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	ApproxCost       float64
}

// TotalStats are monotonic lifetime counters. They never decrease except on
// an explicit external override.
type TotalStats struct {
	RequestCount     int64   `json:"request_count"`
	SuccessCount     int64   `json:"success_count"`
	FailureCount     int64   `json:"failure_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ThinkingTokens   int64   `json:"thinking_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"prompt_tokens_cache_read"`
	CacheWriteTokens int64   `json:"prompt_tokens_cache_write"`
	TotalTokens      int64   `json:"total_tokens"`
	ApproxCost       float64 `json:"approx_cost"`

	FirstUsedAt time.Time `json:"first_used_at,omitzero"`
	LastUsedAt  time.Time `json:"last_used_at,omitzero"`
}

// WindowStats is one named counter bucket with a reset policy taken from its
// WindowDefinition.
//
// Invariant: started_at <= last_used_at <= reset_at when all are set. On
// reset, counters are zeroed but MaxRecordedRequests is preserved.
type WindowStats struct {
	Name string `json:"name"`

	RequestCount     int64   `json:"request_count"`
	SuccessCount     int64   `json:"success_count"`
	FailureCount     int64   `json:"failure_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ThinkingTokens   int64   `json:"thinking_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"prompt_tokens_cache_read"`
	CacheWriteTokens int64   `json:"prompt_tokens_cache_write"`
	TotalTokens      int64   `json:"total_tokens"`
	ApproxCost       float64 `json:"approx_cost"`

	// Limit is the request limit learned from the API or config.
	// Zero means unknown.
	Limit int64 `json:"limit,omitempty"`

	FirstUsedAt time.Time `json:"first_used_at,omitzero"`
	LastUsedAt  time.Time `json:"last_used_at,omitzero"`

	// StartedAt and ResetAt stay zero until the first recorded use so that
	// unused windows never report fabricated reset times.
	StartedAt time.Time `json:"started_at,omitzero"`
	ResetAt   time.Time `json:"reset_at,omitzero"`

	// MaxRecordedRequests is the historical high-water mark, carried
	// forward across resets.
	MaxRecordedRequests int64     `json:"max_recorded_requests,omitempty"`
	MaxRecordedAt       time.Time `json:"max_recorded_at,omitzero"`
}

// Remaining returns limit - request_count, or -1 when the limit is unknown.
func (w *WindowStats) Remaining() int64 {
	if w.Limit <= 0 {
		return -1
	}
	remaining := w.Limit - w.RequestCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ScopeStats is the usage bucket for one model or one quota group.
type ScopeStats struct {
	Windows map[string]*WindowStats `json:"windows"`
	Totals  TotalStats              `json:"totals"`
}

func newScopeStats() *ScopeStats {
	return &ScopeStats{Windows: map[string]*WindowStats{}}
}

// Cooldown blocks a credential for a scope until a point in time.
type Cooldown struct {
	Reason    string    `json:"reason"`
	Until     time.Time `json:"until"`
	StartedAt time.Time `json:"started_at"`
	Source    string    `json:"source"`

	// Scope is the model or group the cooldown applies to;
	// empty for credential-wide.
	Scope string `json:"model_or_group,omitempty"`

	// BackoffCount is incremented each time an active cooldown is extended.
	BackoffCount int `json:"backoff_count"`
}

// ActiveAt reports whether the cooldown is still in force at the given time.
func (c *Cooldown) ActiveAt(now time.Time) bool {
	return now.Before(c.Until)
}

// RemainingAt returns how long the cooldown has left at the given time.
func (c *Cooldown) RemainingAt(now time.Time) time.Duration {
	if !c.ActiveAt(now) {
		return 0
	}
	return c.Until.Sub(now)
}

// FairCycleState is the per-credential exhaustion record for one tracking
// key.
type FairCycleState struct {
	Key               string    `json:"model_or_group"`
	Exhausted         bool      `json:"exhausted"`
	ExhaustedAt       time.Time `json:"exhausted_at,omitzero"`
	ExhaustedReason   string    `json:"exhausted_reason,omitempty"`
	CycleRequestCount int64     `json:"cycle_request_count"`
}

// GlobalFairCycleState is the provider-wide cycle record for one tracking
// key.
type GlobalFairCycleState struct {
	CycleStart     time.Time `json:"cycle_start"`
	AllExhaustedAt time.Time `json:"all_exhausted_at,omitzero"`
	CycleCount     int64     `json:"cycle_count"`
}

// CredentialState is the full persistent accounting for one credential,
// keyed by stable ID. Created lazily on first reference and owned
// exclusively by the TrackingEngine.
type CredentialState struct {
	StableID    string `json:"stable_id"`
	Provider    string `json:"provider"`
	Accessor    string `json:"accessor"`
	DisplayName string `json:"display_name,omitempty"`
	Tier        string `json:"tier,omitempty"`

	// Priority orders tiers; lower is higher tier.
	Priority int `json:"priority"`

	ActiveRequests int `json:"-"`

	// MaxConcurrent caps in-flight requests. Zero means unlimited.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	CreatedAt   time.Time `json:"created_at,omitzero"`
	LastUpdated time.Time `json:"last_updated,omitzero"`

	Totals     TotalStats                 `json:"totals"`
	ModelUsage map[string]*ScopeStats     `json:"model_usage"`
	GroupUsage map[string]*ScopeStats     `json:"group_usage"`
	Cooldowns  map[string]*Cooldown       `json:"cooldowns"`
	FairCycle  map[string]*FairCycleState `json:"fair_cycle"`

	// WindowOverrides replaces the provider's window definitions for this
	// credential when non-empty (tier-specific window shapes).
	WindowOverrides []config.WindowDefinition `json:"window_overrides,omitempty"`
}

// NewCredentialState creates an empty state for a stable ID.
func NewCredentialState(stableID, provider, accessor string, now time.Time) *CredentialState {
	return &CredentialState{
		StableID:   stableID,
		Provider:   provider,
		Accessor:   accessor,
		Priority:   999,
		CreatedAt:  now,
		ModelUsage: map[string]*ScopeStats{},
		GroupUsage: map[string]*ScopeStats{},
		Cooldowns:  map[string]*Cooldown{},
		FairCycle:  map[string]*FairCycleState{},
	}
}

// ModelStats returns the usage bucket for a model, creating it when create
// is true.
func (s *CredentialState) ModelStats(model string, create bool) *ScopeStats {
	if stats, ok := s.ModelUsage[model]; ok {
		return stats
	}
	if !create {
		return nil
	}
	if s.ModelUsage == nil {
		s.ModelUsage = map[string]*ScopeStats{}
	}
	stats := newScopeStats()
	s.ModelUsage[model] = stats
	return stats
}

// GroupStats returns the usage bucket for a quota group, creating it when
// create is true.
func (s *CredentialState) GroupStats(group string, create bool) *ScopeStats {
	if stats, ok := s.GroupUsage[group]; ok {
		return stats
	}
	if !create {
		return nil
	}
	if s.GroupUsage == nil {
		s.GroupUsage = map[string]*ScopeStats{}
	}
	stats := newScopeStats()
	s.GroupUsage[group] = stats
	return stats
}

// FairCycleExhausted reports whether the credential is marked exhausted for
// a tracking key.
func (s *CredentialState) FairCycleExhausted(key string) bool {
	fc, ok := s.FairCycle[key]
	return ok && fc.Exhausted
}

// ActiveCooldown returns the active cooldown for a key at the given time,
// or nil.
func (s *CredentialState) ActiveCooldown(key string, now time.Time) *Cooldown {
	cd, ok := s.Cooldowns[key]
	if !ok || !cd.ActiveAt(now) {
		return nil
	}
	return cd
}
