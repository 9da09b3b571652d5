package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable prefixes. Each is followed by the upper-cased
// provider name.
const (
	envPrefixRotationMode        = "ROTATION_MODE_"
	envPrefixFairCycle           = "FAIR_CYCLE_"
	envPrefixFairCycleTracking   = "FAIR_CYCLE_TRACKING_MODE_"
	envPrefixFairCycleCrossTier  = "FAIR_CYCLE_CROSS_TIER_"
	envPrefixFairCycleDuration   = "FAIR_CYCLE_DURATION_"
	envPrefixExhaustionThreshold = "EXHAUSTION_COOLDOWN_THRESHOLD_"
	envPrefixConcurrencyMult     = "CONCURRENCY_MULTIPLIER_"
	envPrefixCustomCap           = "CUSTOM_CAP_"
	envPrefixCustomCapCooldown   = "CUSTOM_CAP_COOLDOWN_"
)

// ApplyEnvOverrides applies environment variable overrides to cfg.
// Environment variables always win over file and default values.
func ApplyEnvOverrides(cfg *ProviderConfig, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToUpper(cfg.Name)

	if v := os.Getenv(envPrefixRotationMode + provider); v != "" {
		mode := RotationMode(strings.ToLower(v))
		if mode != RotationBalanced && mode != RotationSequential {
			logger.Warn("Invalid rotation mode override, using balanced",
				"provider", cfg.Name, "value", v)
			mode = RotationBalanced
		}
		cfg.RotationMode = mode
	}

	// FAIR_CYCLE_<P> is a prefix of the more specific FAIR_CYCLE_* keys, so
	// only accept the exact enabled toggle here.
	if v, ok := os.LookupEnv(envPrefixFairCycle + provider); ok {
		cfg.FairCycle.Enabled = parseBool(v)
	}

	if v := os.Getenv(envPrefixFairCycleTracking + provider); v != "" {
		mode := TrackingMode(strings.ToLower(v))
		if mode == TrackModelGroup || mode == TrackCredential {
			cfg.FairCycle.TrackingMode = mode
		} else {
			logger.Warn("Invalid fair-cycle tracking mode override",
				"provider", cfg.Name, "value", v)
		}
	}

	if v, ok := os.LookupEnv(envPrefixFairCycleCrossTier + provider); ok {
		cfg.FairCycle.CrossTier = parseBool(v)
	}

	if v := os.Getenv(envPrefixFairCycleDuration + provider); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			cfg.FairCycle.Duration = time.Duration(secs) * time.Second
		} else {
			logger.Warn("Invalid fair-cycle duration override",
				"provider", cfg.Name, "value", v)
		}
	}

	v := os.Getenv(envPrefixExhaustionThreshold + provider)
	if v == "" {
		v = os.Getenv("EXHAUSTION_COOLDOWN_THRESHOLD")
	}
	if v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			cfg.ExhaustionCooldownThreshold = time.Duration(secs) * time.Second
		} else {
			logger.Warn("Invalid exhaustion threshold override",
				"provider", cfg.Name, "value", v)
		}
	}

	applyConcurrencyMultiplierEnv(cfg, provider, logger)
	applyCustomCapEnv(cfg, provider, logger)
}

// applyConcurrencyMultiplierEnv parses
// CONCURRENCY_MULTIPLIER_<P>_PRIORITY_<N>[_<MODE>] variables.
func applyConcurrencyMultiplierEnv(cfg *ProviderConfig, provider string, logger *slog.Logger) {
	prefix := envPrefixConcurrencyMult + provider + "_PRIORITY_"

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		remainder := key[len(prefix):]

		multiplier, err := strconv.Atoi(value)
		if err != nil || multiplier < 1 {
			logger.Warn("Invalid concurrency multiplier, must be >= 1",
				"key", key, "value", value)
			continue
		}

		if priorityStr, modeStr, found := strings.Cut(remainder, "_"); found {
			priority, err := strconv.Atoi(priorityStr)
			if err != nil {
				logger.Warn("Invalid priority in concurrency multiplier", "key", key)
				continue
			}
			mode := RotationMode(strings.ToLower(modeStr))
			if mode != RotationBalanced && mode != RotationSequential {
				logger.Warn("Unknown rotation mode in concurrency multiplier",
					"key", key, "mode", modeStr)
				continue
			}
			if cfg.PriorityMultipliersByMode == nil {
				cfg.PriorityMultipliersByMode = map[RotationMode]map[int]int{}
			}
			if cfg.PriorityMultipliersByMode[mode] == nil {
				cfg.PriorityMultipliersByMode[mode] = map[int]int{}
			}
			cfg.PriorityMultipliersByMode[mode][priority] = multiplier
		} else {
			priority, err := strconv.Atoi(remainder)
			if err != nil {
				logger.Warn("Invalid priority in concurrency multiplier", "key", key)
				continue
			}
			if cfg.PriorityMultipliers == nil {
				cfg.PriorityMultipliers = map[int]int{}
			}
			cfg.PriorityMultipliers[priority] = multiplier
		}
	}
}

// applyCustomCapEnv parses CUSTOM_CAP_<P>_T<TIER>_<NAME>=<value> and
// CUSTOM_CAP_COOLDOWN_<P>_T<TIER>_<NAME>=<mode>:<seconds> variables and
// merges them into cfg.CustomCaps.
func applyCustomCapEnv(cfg *ProviderConfig, provider string, logger *slog.Logger) {
	capPrefix := envPrefixCustomCap + provider + "_T"
	cooldownPrefix := envPrefixCustomCapCooldown + provider + "_T"

	type pending struct {
		maxRequests   string
		hasMax        bool
		cooldownMode  CooldownMode
		cooldownValue time.Duration
		hasCooldown   bool
	}
	caps := map[[2]string]*pending{}

	get := func(tier, name string) *pending {
		key := [2]string{tier, name}
		if caps[key] == nil {
			caps[key] = &pending{}
		}
		return caps[key]
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}

		switch {
		case strings.HasPrefix(key, cooldownPrefix):
			tier, name, ok := parseTierAndName(key[len(cooldownPrefix):])
			if !ok {
				logger.Warn("Unparseable custom cap cooldown key", "key", key)
				continue
			}
			modeStr, valueStr, hasValue := strings.Cut(value, ":")
			mode := CooldownMode(strings.ToLower(modeStr))
			if mode != CooldownQuotaReset && mode != CooldownOffset && mode != CooldownFixed {
				logger.Warn("Unknown custom cap cooldown mode", "key", key, "mode", modeStr)
				continue
			}
			var secs int
			if hasValue {
				n, err := strconv.Atoi(valueStr)
				if err != nil {
					logger.Warn("Invalid custom cap cooldown value", "key", key, "value", value)
					continue
				}
				secs = n
			}
			p := get(tier, name)
			p.cooldownMode = mode
			p.cooldownValue = time.Duration(secs) * time.Second
			p.hasCooldown = true

		case strings.HasPrefix(key, capPrefix):
			tier, name, ok := parseTierAndName(key[len(capPrefix):])
			if !ok {
				logger.Warn("Unparseable custom cap key", "key", key)
				continue
			}
			p := get(tier, name)
			p.maxRequests = value
			p.hasMax = true
		}
	}

	for key, p := range caps {
		if !p.hasMax {
			// A cooldown without a cap is meaningless.
			continue
		}
		maxRequests, mode, err := ParseMaxRequests(p.maxRequests)
		if err != nil {
			logger.Warn("Invalid custom cap value",
				"tier", key[0], "name", key[1], "err", err)
			continue
		}
		cap := CustomCapConfig{
			TierKey:         key[0],
			ModelOrGroup:    key[1],
			MaxRequests:     maxRequests,
			MaxRequestsMode: mode,
			CooldownMode:    CooldownQuotaReset,
		}
		if p.hasCooldown {
			cap.CooldownMode = p.cooldownMode
			cap.CooldownValue = p.cooldownValue
		}
		cfg.CustomCaps = append(cfg.CustomCaps, cap)
	}
}

// parseTierAndName splits the remainder after "CUSTOM_CAP_<P>_T" into a tier
// key and a model-or-group name. The tier is DEFAULT or one-or-more numbers
// separated by underscores; the rest is the name, lower-cased with dashes.
//
//	"2_CLAUDE_OPUS" -> ("2", "claude-opus")
//	"2_3_GEMINI"    -> ("2_3", "gemini")
//	"DEFAULT_GPT4"  -> ("default", "gpt4")
func parseTierAndName(remainder string) (string, string, bool) {
	if remainder == "" {
		return "", "", false
	}
	parts := strings.Split(remainder, "_")
	if len(parts) < 2 {
		return "", "", false
	}

	if parts[0] == "DEFAULT" {
		name := normalizeCapName(parts[1:])
		if name == "" {
			return "", "", false
		}
		return TierDefault, name, true
	}

	var tierParts []string
	i := 0
	for ; i < len(parts); i++ {
		if _, err := strconv.Atoi(parts[i]); err != nil {
			break
		}
		tierParts = append(tierParts, parts[i])
	}
	if len(tierParts) == 0 || i >= len(parts) {
		return "", "", false
	}
	name := normalizeCapName(parts[i:])
	if name == "" {
		return "", "", false
	}
	return strings.Join(tierParts, "_"), name, true
}

func normalizeCapName(parts []string) string {
	return strings.ToLower(strings.Join(parts, "-"))
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
