// Package config holds provider configuration for the credential rotator.
//
// Configuration is resolved in three layers, later layers overriding earlier:
//  1. System defaults (the Default* constants below)
//  2. Values loaded from a YAML config file (viper)
//  3. Environment variable overrides (always win)
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RotationMode selects how the selection engine rotates credentials.
type RotationMode string

const (
	// RotationBalanced distributes load with weighted random selection.
	RotationBalanced RotationMode = "balanced"

	// RotationSequential sticks to one credential until it is exhausted.
	// Maximizes prompt-cache hits at the cost of uneven load.
	RotationSequential RotationMode = "sequential"
)

// TrackingMode selects how fair-cycle exhaustion is keyed.
type TrackingMode string

const (
	// TrackModelGroup tracks exhaustion per model or quota group.
	TrackModelGroup TrackingMode = "model_group"

	// TrackCredential tracks exhaustion once per credential.
	TrackCredential TrackingMode = "credential"
)

// ResetMode determines when a usage window rolls over.
type ResetMode string

const (
	// ResetRolling resets a fixed duration after first use.
	ResetRolling ResetMode = "rolling"

	// ResetFixedDaily resets at a configured UTC time each day.
	ResetFixedDaily ResetMode = "fixed_daily"

	// ResetCalendarWeekly resets Sunday 03:00 UTC.
	ResetCalendarWeekly ResetMode = "calendar_weekly"

	// ResetCalendarMonthly resets on the 1st 03:00 UTC.
	ResetCalendarMonthly ResetMode = "calendar_monthly"

	// ResetAPIAuthoritative resets only when the upstream API reports a
	// reset timestamp.
	ResetAPIAuthoritative ResetMode = "api_authoritative"
)

// WindowScope determines which usage bucket a window definition applies to.
type WindowScope string

const (
	ScopeCredential WindowScope = "credential"
	ScopeModel      WindowScope = "model"
	ScopeGroup      WindowScope = "group"
)

// CapMode determines how a custom cap's max_requests value is interpreted.
type CapMode string

const (
	// CapAbsolute uses the literal number.
	CapAbsolute CapMode = "absolute"

	// CapOffset adds the (signed) value to the primary window's limit.
	CapOffset CapMode = "offset"

	// CapPercentage takes that percentage of the primary window's limit.
	CapPercentage CapMode = "percentage"
)

// CooldownMode determines when a custom-cap block lifts.
type CooldownMode string

const (
	// CooldownQuotaReset waits for the natural window reset.
	CooldownQuotaReset CooldownMode = "quota_reset"

	// CooldownOffset waits until reset plus an offset (clamped to >= reset).
	CooldownOffset CooldownMode = "offset"

	// CooldownFixed waits a fixed duration from now.
	CooldownFixed CooldownMode = "fixed"
)

// TierDefault is the tier key matching any priority not covered by a
// priority-specific cap.
const TierDefault = "default"

// System defaults. Env overrides and file config layer on top of these.
const (
	DefaultRotationMode                 = RotationBalanced
	DefaultRotationTolerance            = 3.0
	DefaultSequentialFallbackMultiplier = 1
	DefaultFairCycleEnabled             = false
	DefaultFairCycleTrackingMode        = TrackModelGroup
	DefaultFairCycleCrossTier           = false
	DefaultFairCycleDuration            = 6 * time.Hour
	DefaultFairCycleQuotaThreshold      = 0.95
	DefaultResetCooldownThreshold       = 5 * time.Minute
	DefaultExhaustionCooldownThreshold  = 30 * time.Minute
	DefaultGlobalTimeout                = 120 * time.Second
	DefaultMaxSameCredentialRetries     = 3
	DefaultMaxConsecutiveQuotaFailures  = 10
	DefaultSmallCooldownRetryThreshold  = 2 * time.Second
	DefaultDailyResetTimeUTC            = "03:00"
)

// WindowDefinition describes one time-bucketed usage counter.
type WindowDefinition struct {
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Duration of the window for rolling mode. Zero means infinite.
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`

	ResetMode ResetMode `mapstructure:"reset_mode" yaml:"reset_mode" validate:"oneof=rolling fixed_daily calendar_weekly calendar_monthly api_authoritative"`

	// Primary marks the window that drives rotation weighting and
	// custom-cap evaluation. At most one per provider.
	Primary bool `mapstructure:"primary" yaml:"primary"`

	Scope WindowScope `mapstructure:"scope" yaml:"scope" validate:"oneof=credential model group"`
}

// FairCycleConfig controls the fair-cycle rotation mechanism.
type FairCycleConfig struct {
	Enabled      bool         `mapstructure:"enabled" yaml:"enabled"`
	TrackingMode TrackingMode `mapstructure:"tracking_mode" yaml:"tracking_mode" validate:"oneof=model_group credential"`
	CrossTier    bool         `mapstructure:"cross_tier" yaml:"cross_tier"`

	// Duration of one cycle. Once elapsed, exhausted credentials are
	// allowed again pending a reset.
	Duration time.Duration `mapstructure:"duration" yaml:"duration" validate:"min=0"`

	// QuotaThreshold is the fraction of the window limit at which a
	// credential is considered exhausted for the cycle.
	QuotaThreshold float64 `mapstructure:"quota_threshold" yaml:"quota_threshold" validate:"gte=0,lte=1"`

	// ResetCooldownThreshold: if the shortest remaining cooldown in a fully
	// exhausted tier is below this, the natural expiry wins over a reset.
	ResetCooldownThreshold time.Duration `mapstructure:"reset_cooldown_threshold" yaml:"reset_cooldown_threshold" validate:"min=0"`
}

// CustomCapConfig is a user-defined limit tighter than the provider's own.
type CustomCapConfig struct {
	// TierKey is "default" or one-or-more priority numbers joined by "_"
	// (e.g. "2" or "2_3").
	TierKey string `mapstructure:"tier" yaml:"tier" validate:"required"`

	ModelOrGroup string `mapstructure:"model_or_group" yaml:"model_or_group" validate:"required"`

	MaxRequests     int     `mapstructure:"max_requests" yaml:"max_requests"`
	MaxRequestsMode CapMode `mapstructure:"max_requests_mode" yaml:"max_requests_mode" validate:"oneof=absolute offset percentage"`

	CooldownMode  CooldownMode  `mapstructure:"cooldown_mode" yaml:"cooldown_mode" validate:"oneof=quota_reset offset fixed"`
	CooldownValue time.Duration `mapstructure:"cooldown_value" yaml:"cooldown_value"`
}

// Tiers expands the TierKey into individual priority numbers.
// Returns nil for the default tier.
func (c CustomCapConfig) Tiers() []int {
	if c.TierKey == TierDefault || c.TierKey == "" {
		return nil
	}
	var tiers []int
	for _, part := range strings.Split(c.TierKey, "_") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil
		}
		tiers = append(tiers, n)
	}
	return tiers
}

// ProviderConfig is the full, resolved configuration for one provider.
type ProviderConfig struct {
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	RotationMode      RotationMode `mapstructure:"rotation_mode" yaml:"rotation_mode" validate:"oneof=balanced sequential"`
	RotationTolerance float64      `mapstructure:"rotation_tolerance" yaml:"rotation_tolerance" validate:"gte=0"`

	// PriorityMultipliers maps a priority level to a per-credential
	// concurrency multiplier.
	PriorityMultipliers map[int]int `mapstructure:"priority_multipliers" yaml:"priority_multipliers"`

	// PriorityMultipliersByMode narrows a multiplier to one rotation mode.
	PriorityMultipliersByMode map[RotationMode]map[int]int `mapstructure:"priority_multipliers_by_mode" yaml:"priority_multipliers_by_mode"`

	SequentialFallbackMultiplier int `mapstructure:"sequential_fallback_multiplier" yaml:"sequential_fallback_multiplier" validate:"min=0"`

	FairCycle FairCycleConfig `mapstructure:"fair_cycle" yaml:"fair_cycle"`

	CustomCaps []CustomCapConfig `mapstructure:"custom_caps" yaml:"custom_caps" validate:"dive"`

	// ExhaustionCooldownThreshold: a cooldown at or beyond this duration
	// also marks the scope exhausted for fair cycle.
	ExhaustionCooldownThreshold time.Duration `mapstructure:"exhaustion_cooldown_threshold" yaml:"exhaustion_cooldown_threshold" validate:"min=0"`

	// WindowLimitsEnabled turns local window limits into blockers. Off by
	// default: only upstream errors block.
	WindowLimitsEnabled bool `mapstructure:"window_limits_enabled" yaml:"window_limits_enabled"`

	Windows []WindowDefinition `mapstructure:"windows" yaml:"windows" validate:"dive"`

	// DailyResetTimeUTC is the HH:MM reset time for fixed_daily windows.
	DailyResetTimeUTC string `mapstructure:"daily_reset_time_utc" yaml:"daily_reset_time_utc"`

	// MaxConcurrent is the base per-credential in-flight cap before
	// priority multipliers. Zero means unlimited.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent" validate:"min=0"`

	GlobalTimeout               time.Duration `mapstructure:"global_timeout" yaml:"global_timeout" validate:"min=0"`
	MaxSameCredentialRetries    int           `mapstructure:"max_same_credential_retries" yaml:"max_same_credential_retries" validate:"min=0"`
	MaxConsecutiveQuotaFailures int           `mapstructure:"max_consecutive_quota_failures" yaml:"max_consecutive_quota_failures" validate:"min=0"`

	// SmallCooldownRetryThreshold: when every candidate is blocked but the
	// shortest block expires within this, the executor waits it out once.
	SmallCooldownRetryThreshold time.Duration `mapstructure:"small_cooldown_retry_threshold" yaml:"small_cooldown_retry_threshold" validate:"min=0"`
}

// DefaultProviderConfig returns a ProviderConfig with all system defaults.
func DefaultProviderConfig(name string) ProviderConfig {
	return ProviderConfig{
		Name:                         name,
		RotationMode:                 DefaultRotationMode,
		RotationTolerance:            DefaultRotationTolerance,
		PriorityMultipliers:          map[int]int{},
		PriorityMultipliersByMode:    map[RotationMode]map[int]int{},
		SequentialFallbackMultiplier: DefaultSequentialFallbackMultiplier,
		FairCycle: FairCycleConfig{
			Enabled:                DefaultFairCycleEnabled,
			TrackingMode:           DefaultFairCycleTrackingMode,
			CrossTier:              DefaultFairCycleCrossTier,
			Duration:               DefaultFairCycleDuration,
			QuotaThreshold:         DefaultFairCycleQuotaThreshold,
			ResetCooldownThreshold: DefaultResetCooldownThreshold,
		},
		ExhaustionCooldownThreshold: DefaultExhaustionCooldownThreshold,
		DailyResetTimeUTC:           DefaultDailyResetTimeUTC,
		GlobalTimeout:               DefaultGlobalTimeout,
		MaxSameCredentialRetries:    DefaultMaxSameCredentialRetries,
		MaxConsecutiveQuotaFailures: DefaultMaxConsecutiveQuotaFailures,
		SmallCooldownRetryThreshold: DefaultSmallCooldownRetryThreshold,
	}
}

// PrimaryWindow returns the window definition marked primary, if any.
func (c *ProviderConfig) PrimaryWindow() *WindowDefinition {
	for i := range c.Windows {
		if c.Windows[i].Primary {
			return &c.Windows[i]
		}
	}
	return nil
}

// EffectiveMaxConcurrent resolves the per-credential concurrency cap for a
// priority level under the active rotation mode. Zero means unlimited.
func (c *ProviderConfig) EffectiveMaxConcurrent(priority int) int {
	if c.MaxConcurrent == 0 {
		return 0
	}

	if byMode, ok := c.PriorityMultipliersByMode[c.RotationMode]; ok {
		if m, ok := byMode[priority]; ok {
			return c.MaxConcurrent * m
		}
	}
	if m, ok := c.PriorityMultipliers[priority]; ok {
		return c.MaxConcurrent * m
	}
	if c.RotationMode == RotationSequential && c.SequentialFallbackMultiplier > 0 {
		return c.MaxConcurrent * c.SequentialFallbackMultiplier
	}
	return c.MaxConcurrent
}

// Validate checks the configuration for structural errors.
func (c *ProviderConfig) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("provider %q: %w", c.Name, err)
	}

	primaries := 0
	for _, w := range c.Windows {
		if w.Primary {
			primaries++
		}
		if w.ResetMode == ResetRolling && w.Duration < 0 {
			return fmt.Errorf("provider %q: window %q has negative duration", c.Name, w.Name)
		}
	}
	if primaries > 1 {
		return fmt.Errorf("provider %q: more than one primary window", c.Name)
	}

	if _, err := ParseDailyResetTime(c.DailyResetTimeUTC); err != nil {
		return fmt.Errorf("provider %q: %w", c.Name, err)
	}

	return nil
}

// ParseDailyResetTime parses an HH:MM string into an offset from midnight.
func ParseDailyResetTime(s string) (time.Duration, error) {
	if s == "" {
		s = DefaultDailyResetTimeUTC
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid daily reset time %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid daily reset hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid daily reset minute in %q", s)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

// ParseMaxRequests parses a custom-cap max_requests value string.
//
//	"130"  -> 130, absolute
//	"-50"  -> -50, offset (subtracted from the window limit)
//	"+20"  -> +20, offset
//	"80%"  -> 80, percentage
func ParseMaxRequests(s string) (int, CapMode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, CapAbsolute, fmt.Errorf("empty max_requests value")
	}

	if strings.HasSuffix(s, "%") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "%"))
		if err != nil {
			return 0, CapPercentage, fmt.Errorf("invalid percentage cap %q: %w", s, err)
		}
		return n, CapPercentage, nil
	}

	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, CapOffset, fmt.Errorf("invalid offset cap %q: %w", s, err)
		}
		return n, CapOffset, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, CapAbsolute, fmt.Errorf("invalid cap %q: %w", s, err)
	}
	return n, CapAbsolute, nil
}
