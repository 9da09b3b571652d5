package selection

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/limits"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	cfg      *config.ProviderConfig
	clock    *testClock
	windows  *usage.WindowManager
	tracking *usage.TrackingEngine
	limits   *limits.Engine
	engine   *Engine
	states   map[string]*usage.CredentialState
}

func newFixture(t *testing.T, mutate func(*config.ProviderConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultProviderConfig("testprov")
	cfg.Windows = []config.WindowDefinition{
		{Name: "5h", Duration: 5 * time.Hour, ResetMode: config.ResetRolling, Primary: true, Scope: config.ScopeGroup},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	clock := &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	wm := usage.NewWindowManager(cfg.Windows, cfg.DailyResetTimeUTC, clock.now)
	limitEngine := limits.NewEngine(&cfg, wm, nil, clock.now)
	rng := rand.New(rand.NewSource(7))

	return &fixture{
		cfg:      &cfg,
		clock:    clock,
		windows:  wm,
		tracking: usage.NewTrackingEngine(&cfg, wm, nil, clock.now),
		limits:   limitEngine,
		engine:   NewEngine(&cfg, limitEngine, wm, nil, clock.now, rng),
		states:   map[string]*usage.CredentialState{},
	}
}

func (f *fixture) addState(id string, priority int) *usage.CredentialState {
	state := usage.NewCredentialState(id, "testprov", "sk-"+id, f.clock.now())
	state.Priority = priority
	f.states[id] = state
	return state
}

func (f *fixture) selectOne(model, group string, exclude map[string]bool) string {
	return f.engine.Select("testprov", model, f.states, group, exclude, nil, time.Time{})
}

// Scenario: three equal credentials, tolerance 0, thirty requests spread
// near-evenly.
func TestBalancedRotationUnderEqualLoad(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProviderConfig) {
		cfg.RotationTolerance = 0
	})
	for _, id := range []string{"a", "b", "c"} {
		f.addState(id, 1)
	}

	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		id := f.selectOne("gpt-4o", "gpt4", nil)
		require.NotEmpty(t, id)
		counts[id]++
		f.tracking.RecordSuccess(f.states[id], "gpt-4o", "gpt4", usage.UsageUpdate{}, nil)
	}

	for id, n := range counts {
		assert.InDelta(t, 10, n, 2, "credential %s served %d of 30", id, n)
	}
}

func TestSelectRespectsExclude(t *testing.T) {
	f := newFixture(t, nil)
	f.addState("a", 1)
	f.addState("b", 1)

	exclude := map[string]bool{}
	first := f.selectOne("gpt-4o", "gpt4", exclude)
	require.NotEmpty(t, first)
	exclude[first] = true

	second := f.selectOne("gpt-4o", "gpt4", exclude)
	require.NotEmpty(t, second)
	assert.NotEqual(t, first, second, "excluded credential must not be returned")

	exclude[second] = true
	assert.Empty(t, f.selectOne("gpt-4o", "gpt4", exclude))
}

func TestSelectPrefersHigherTier(t *testing.T) {
	f := newFixture(t, nil)
	f.addState("low", 2)
	f.addState("high", 1)

	for i := 0; i < 10; i++ {
		assert.Equal(t, "high", f.selectOne("gpt-4o", "gpt4", nil))
	}
}

func TestSelectSkipsBlockedCredentials(t *testing.T) {
	f := newFixture(t, nil)
	f.addState("a", 1)
	f.addState("b", 1)

	f.tracking.ApplyCooldown(f.states["a"], "rate_limit", time.Hour, time.Time{}, "gpt4", "error")

	for i := 0; i < 5; i++ {
		assert.Equal(t, "b", f.selectOne("gpt-4o", "gpt4", nil))
	}
}

// Scenario: sequential stickiness with failover on quota exhaustion.
func TestSequentialStickiness(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProviderConfig) {
		cfg.RotationMode = config.RotationSequential
	})
	f.addState("a", 1)
	f.addState("b", 1)

	// Bias the initial pick toward a via recency.
	f.tracking.RecordSuccess(f.states["a"], "gpt-4o", "gpt4", usage.UsageUpdate{}, nil)

	first := f.selectOne("gpt-4o", "gpt4", nil)
	assert.Equal(t, "a", first)

	for i := 0; i < 5; i++ {
		assert.Equal(t, "a", f.selectOne("gpt-4o", "gpt4", nil), "sticky on a")
		f.tracking.RecordSuccess(f.states["a"], "gpt-4o", "gpt4", usage.UsageUpdate{}, nil)
	}

	// Quota failure: cooldown plus sticky eviction.
	f.tracking.RecordFailure(f.states["a"], "gpt-4o", "gpt4", usage.UsageUpdate{}, usage.FailureOptions{
		ErrorType:        "quota_exceeded",
		CooldownDuration: time.Hour,
	})
	f.engine.MarkExhausted("testprov", "gpt4")

	for i := 0; i < 5; i++ {
		assert.Equal(t, "b", f.selectOne("gpt-4o", "gpt4", nil), "failed over to b")
		f.tracking.RecordSuccess(f.states["b"], "gpt-4o", "gpt4", usage.UsageUpdate{}, nil)
	}
}

func TestSequentialPrefersHighestUsageOnSwitch(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProviderConfig) {
		cfg.RotationMode = config.RotationSequential
	})
	f.addState("cold", 1)
	f.addState("warm", 1)

	// warm has more primary-window usage: it keeps the prompt cache warm.
	for i := 0; i < 5; i++ {
		f.tracking.RecordSuccess(f.states["warm"], "gpt-4o", "gpt4", usage.UsageUpdate{}, nil)
	}

	assert.Equal(t, "warm", f.selectOne("gpt-4o", "gpt4", nil))
}

// Scenario: every credential in the tier is fair-cycle exhausted and no
// pending cooldown will free one soon, so selection resets the cycle and
// serves a credential in the same call.
func TestFairCycleExhaustionThenReset(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProviderConfig) {
		cfg.FairCycle.Enabled = true
		cfg.FairCycle.Duration = time.Hour
		cfg.FairCycle.ResetCooldownThreshold = 120 * time.Second
	})
	f.addState("a", 1)
	f.addState("b", 1)

	f.tracking.MarkExhausted(f.states["a"], "gpt4", "quota_exceeded")
	f.tracking.MarkExhausted(f.states["b"], "gpt4", "quota_exceeded")
	f.states["a"].FairCycle["gpt4"].CycleRequestCount = 40
	f.states["b"].FairCycle["gpt4"].CycleRequestCount = 55

	id := f.selectOne("gpt-4o", "gpt4", nil)
	require.NotEmpty(t, id, "reset should fire and serve a credential")

	fc := f.limits.FairCycle()
	assert.Equal(t, int64(1), fc.GlobalStates()["gpt4"].CycleCount)
	assert.False(t, f.states["a"].FairCycleExhausted("gpt4"))
	assert.False(t, f.states["b"].FairCycleExhausted("gpt4"))
	assert.Equal(t, int64(0), f.states["a"].FairCycle["gpt4"].CycleRequestCount)
}

// After the cycle duration lapses, the checker lets exhausted credentials
// through even before a reset clears the records.
func TestFairCycleExpiryAllowsWithoutReset(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProviderConfig) {
		cfg.FairCycle.Enabled = true
		cfg.FairCycle.Duration = 60 * time.Second
		cfg.FairCycle.ResetCooldownThreshold = 120 * time.Second
	})
	f.addState("a", 1)
	f.tracking.MarkExhausted(f.states["a"], "gpt4", "quota_exceeded")
	// Long cooldown on an unrelated scope leaves the credential otherwise
	// selectable for gpt4.
	f.tracking.ApplyCooldown(f.states["a"], "quota_exceeded", 900*time.Second, time.Time{}, "other-scope", "error")

	// Materialize the global cycle record, then let the cycle lapse.
	f.limits.Check(f.states["a"], "gpt-4o", "gpt4")
	f.clock.advance(61 * time.Second)

	assert.NotEmpty(t, f.selectOne("gpt-4o", "gpt4", nil))
}

// When a short cooldown will free a credential before the reset threshold,
// selection returns nothing and leaves the cycle alone: the natural expiry
// comes first.
func TestNoResetWhenCooldownShort(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProviderConfig) {
		cfg.FairCycle.Enabled = true
		cfg.FairCycle.Duration = time.Hour
		cfg.FairCycle.ResetCooldownThreshold = 120 * time.Second
	})
	f.addState("a", 1)
	f.addState("b", 1)

	f.tracking.MarkExhausted(f.states["a"], "gpt4", "quota_exceeded")
	f.tracking.MarkExhausted(f.states["b"], "gpt4", "quota_exceeded")
	// b will free up in 60s, well under the 120s threshold.
	f.tracking.ApplyCooldown(f.states["b"], "rate_limit", 60*time.Second, time.Time{}, "gpt4", "error")

	assert.Empty(t, f.selectOne("gpt-4o", "gpt4", nil))
	assert.Equal(t, int64(0), f.limits.FairCycle().GlobalStates()["gpt4"].CycleCount,
		"cycle must not reset while a short cooldown is pending")
	assert.True(t, f.states["a"].FairCycleExhausted("gpt4"))

	// Once the short cooldown lapses, the guard no longer applies and the
	// next selection recovers the tier.
	f.clock.advance(61 * time.Second)
	assert.NotEmpty(t, f.selectOne("gpt-4o", "gpt4", nil))
}

func TestNoResetWhenBlockedByOtherCauses(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProviderConfig) {
		cfg.FairCycle.Enabled = true
		cfg.FairCycle.Duration = time.Hour
	})
	f.addState("a", 1)

	// Blocked by cooldown only, not fair cycle: no reset, no selection.
	f.tracking.ApplyCooldown(f.states["a"], "rate_limit", 10*time.Minute, time.Time{}, "gpt4", "error")

	assert.Empty(t, f.selectOne("gpt-4o", "gpt4", nil))
	assert.Equal(t, int64(0), f.limits.FairCycle().GlobalStates()["gpt4"].CycleCount)
}

func TestAvailabilityStats(t *testing.T) {
	f := newFixture(t, nil)
	f.addState("ok", 1)
	cooled := f.addState("cooled", 1)
	busy := f.addState("busy", 1)

	f.tracking.ApplyCooldown(cooled, "rate_limit", time.Hour, time.Time{}, "gpt4", "error")
	busy.MaxConcurrent = 1
	busy.ActiveRequests = 1

	stats := f.engine.AvailabilityStats("testprov", "gpt-4o", f.states, "gpt4")
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 2, stats.Blocked)
	assert.Equal(t, 1, stats.BlockedBy["cooldowns"])
	assert.Equal(t, 1, stats.BlockedBy["concurrent"])
	assert.Equal(t, "balanced", stats.RotationMode)
}

func TestSetRotationMode(t *testing.T) {
	f := newFixture(t, nil)
	f.addState("a", 1)

	f.engine.SetRotationMode(config.RotationSequential)
	assert.Equal(t, "sequential", f.engine.AvailabilityStats("testprov", "m", f.states, "").RotationMode)
}

func TestUsageCountFallsBackToTotals(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProviderConfig) {
		cfg.Windows = nil // no primary window
		cfg.RotationTolerance = 0
	})
	a := f.addState("a", 1)
	f.addState("b", 1)

	// Weight by credential totals when no primary window exists.
	a.Totals.RequestCount = 100

	counts := map[string]int{}
	for i := 0; i < 20; i++ {
		counts[f.selectOne("gpt-4o", "", nil)]++
	}
	assert.Greater(t, counts["b"], counts["a"], "less-used credential preferred")
}
