package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrideRotationMode(t *testing.T) {
	t.Setenv("ROTATION_MODE_GEMINI", "sequential")

	cfg := DefaultProviderConfig("gemini")
	ApplyEnvOverrides(&cfg, nil)

	assert.Equal(t, RotationSequential, cfg.RotationMode)
}

func TestEnvOverrideRotationModeInvalidFallsBack(t *testing.T) {
	t.Setenv("ROTATION_MODE_GEMINI", "roundrobin")

	cfg := DefaultProviderConfig("gemini")
	cfg.RotationMode = RotationSequential
	ApplyEnvOverrides(&cfg, nil)

	assert.Equal(t, RotationBalanced, cfg.RotationMode)
}

func TestEnvOverrideFairCycle(t *testing.T) {
	t.Setenv("FAIR_CYCLE_GEMINI", "true")
	t.Setenv("FAIR_CYCLE_TRACKING_MODE_GEMINI", "credential")
	t.Setenv("FAIR_CYCLE_CROSS_TIER_GEMINI", "1")
	t.Setenv("FAIR_CYCLE_DURATION_GEMINI", "7200")

	cfg := DefaultProviderConfig("gemini")
	ApplyEnvOverrides(&cfg, nil)

	assert.True(t, cfg.FairCycle.Enabled)
	assert.Equal(t, TrackCredential, cfg.FairCycle.TrackingMode)
	assert.True(t, cfg.FairCycle.CrossTier)
	assert.Equal(t, 2*time.Hour, cfg.FairCycle.Duration)
}

func TestEnvOverrideExhaustionThreshold(t *testing.T) {
	t.Setenv("EXHAUSTION_COOLDOWN_THRESHOLD_GEMINI", "900")

	cfg := DefaultProviderConfig("gemini")
	ApplyEnvOverrides(&cfg, nil)
	assert.Equal(t, 15*time.Minute, cfg.ExhaustionCooldownThreshold)
}

func TestEnvOverrideExhaustionThresholdGlobalFallback(t *testing.T) {
	t.Setenv("EXHAUSTION_COOLDOWN_THRESHOLD", "600")

	cfg := DefaultProviderConfig("gemini")
	ApplyEnvOverrides(&cfg, nil)
	assert.Equal(t, 10*time.Minute, cfg.ExhaustionCooldownThreshold)
}

func TestEnvConcurrencyMultipliers(t *testing.T) {
	t.Setenv("CONCURRENCY_MULTIPLIER_GEMINI_PRIORITY_1", "4")
	t.Setenv("CONCURRENCY_MULTIPLIER_GEMINI_PRIORITY_2_SEQUENTIAL", "8")
	t.Setenv("CONCURRENCY_MULTIPLIER_GEMINI_PRIORITY_3", "0") // invalid, < 1

	cfg := DefaultProviderConfig("gemini")
	ApplyEnvOverrides(&cfg, nil)

	assert.Equal(t, 4, cfg.PriorityMultipliers[1])
	assert.Equal(t, 8, cfg.PriorityMultipliersByMode[RotationSequential][2])
	_, ok := cfg.PriorityMultipliers[3]
	assert.False(t, ok, "multipliers below 1 are rejected")
}

func TestEnvCustomCaps(t *testing.T) {
	t.Setenv("CUSTOM_CAP_GEMINI_T2_GEMINI_PRO", "-50")
	t.Setenv("CUSTOM_CAP_COOLDOWN_GEMINI_T2_GEMINI_PRO", "offset:300")
	t.Setenv("CUSTOM_CAP_GEMINI_TDEFAULT_FLASH", "80%")

	cfg := DefaultProviderConfig("gemini")
	ApplyEnvOverrides(&cfg, nil)

	require.Len(t, cfg.CustomCaps, 2)

	var proCap, flashCap *CustomCapConfig
	for i := range cfg.CustomCaps {
		switch cfg.CustomCaps[i].ModelOrGroup {
		case "gemini-pro":
			proCap = &cfg.CustomCaps[i]
		case "flash":
			flashCap = &cfg.CustomCaps[i]
		}
	}

	require.NotNil(t, proCap)
	assert.Equal(t, "2", proCap.TierKey)
	assert.Equal(t, -50, proCap.MaxRequests)
	assert.Equal(t, CapOffset, proCap.MaxRequestsMode)
	assert.Equal(t, CooldownOffset, proCap.CooldownMode)
	assert.Equal(t, 5*time.Minute, proCap.CooldownValue)

	require.NotNil(t, flashCap)
	assert.Equal(t, TierDefault, flashCap.TierKey)
	assert.Equal(t, 80, flashCap.MaxRequests)
	assert.Equal(t, CapPercentage, flashCap.MaxRequestsMode)
	assert.Equal(t, CooldownQuotaReset, flashCap.CooldownMode)
}

func TestEnvCustomCapMultiTier(t *testing.T) {
	t.Setenv("CUSTOM_CAP_GEMINI_T2_3_PRO", "100")

	cfg := DefaultProviderConfig("gemini")
	ApplyEnvOverrides(&cfg, nil)

	require.Len(t, cfg.CustomCaps, 1)
	assert.Equal(t, "2_3", cfg.CustomCaps[0].TierKey)
	assert.Equal(t, "pro", cfg.CustomCaps[0].ModelOrGroup)
	assert.Equal(t, []int{2, 3}, cfg.CustomCaps[0].Tiers())
}

func TestEnvCustomCapCooldownWithoutCapIgnored(t *testing.T) {
	t.Setenv("CUSTOM_CAP_COOLDOWN_GEMINI_T1_PRO", "fixed:60")

	cfg := DefaultProviderConfig("gemini")
	ApplyEnvOverrides(&cfg, nil)
	assert.Empty(t, cfg.CustomCaps)
}

func TestParseTierAndName(t *testing.T) {
	tests := []struct {
		remainder string
		wantTier  string
		wantName  string
		wantOK    bool
	}{
		{"2_CLAUDE", "2", "claude", true},
		{"2_3_CLAUDE_OPUS", "2_3", "claude-opus", true},
		{"DEFAULT_GPT4", "default", "gpt4", true},
		{"CLAUDE", "", "", false}, // no tier
		{"2", "", "", false},      // no name
		{"", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.remainder, func(t *testing.T) {
			tier, name, ok := parseTierAndName(tt.remainder)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantTier, tier)
				assert.Equal(t, tt.wantName, name)
			}
		})
	}
}
