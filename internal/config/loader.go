package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the rotator library.
type Config struct {
	Log      LogConfig                 `mapstructure:"log"`
	Storage  StorageConfig             `mapstructure:"storage"`
	Provider map[string]ProviderConfig `mapstructure:"providers"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// StorageConfig holds usage snapshot persistence configuration.
type StorageConfig struct {
	// Backend selects the snapshot store: "file" or "redis".
	Backend string `mapstructure:"backend"`

	// Dir is the directory for file-backed snapshots
	// (one usage_<provider>.json per provider).
	Dir string `mapstructure:"dir"`

	// Redis connection for the redis backend.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// FlushInterval and FlushMutations bound snapshot coalescing: a flush
	// happens after the interval or after that many mutations, whichever
	// comes first.
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	FlushMutations int           `mapstructure:"flush_mutations"`
}

// Load reads configuration from an optional YAML file, applies defaults and
// environment overrides, and validates the result.
func Load(configPath string, logger *slog.Logger) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Provider == nil {
		cfg.Provider = map[string]ProviderConfig{}
	}

	for name, pc := range cfg.Provider {
		resolved := mergeWithDefaults(name, pc)
		ApplyEnvOverrides(&resolved, logger)
		if err := resolved.Validate(); err != nil {
			return nil, err
		}
		cfg.Provider[name] = resolved
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dir", "data/usage")
	v.SetDefault("storage.flush_interval", 5*time.Second)
	v.SetDefault("storage.flush_mutations", 50)
}

// mergeWithDefaults fills zero-valued fields of a file-loaded provider
// config with system defaults.
func mergeWithDefaults(name string, pc ProviderConfig) ProviderConfig {
	def := DefaultProviderConfig(name)

	if pc.Name == "" {
		pc.Name = name
	}
	if pc.RotationMode == "" {
		pc.RotationMode = def.RotationMode
	}
	if pc.RotationTolerance == 0 {
		pc.RotationTolerance = def.RotationTolerance
	}
	if pc.PriorityMultipliers == nil {
		pc.PriorityMultipliers = map[int]int{}
	}
	if pc.PriorityMultipliersByMode == nil {
		pc.PriorityMultipliersByMode = map[RotationMode]map[int]int{}
	}
	if pc.SequentialFallbackMultiplier == 0 {
		pc.SequentialFallbackMultiplier = def.SequentialFallbackMultiplier
	}
	if pc.FairCycle.TrackingMode == "" {
		pc.FairCycle.TrackingMode = def.FairCycle.TrackingMode
	}
	if pc.FairCycle.Duration == 0 {
		pc.FairCycle.Duration = def.FairCycle.Duration
	}
	if pc.FairCycle.QuotaThreshold == 0 {
		pc.FairCycle.QuotaThreshold = def.FairCycle.QuotaThreshold
	}
	if pc.FairCycle.ResetCooldownThreshold == 0 {
		pc.FairCycle.ResetCooldownThreshold = def.FairCycle.ResetCooldownThreshold
	}
	if pc.ExhaustionCooldownThreshold == 0 {
		pc.ExhaustionCooldownThreshold = def.ExhaustionCooldownThreshold
	}
	if pc.DailyResetTimeUTC == "" {
		pc.DailyResetTimeUTC = def.DailyResetTimeUTC
	}
	if pc.GlobalTimeout == 0 {
		pc.GlobalTimeout = def.GlobalTimeout
	}
	if pc.MaxSameCredentialRetries == 0 {
		pc.MaxSameCredentialRetries = def.MaxSameCredentialRetries
	}
	if pc.MaxConsecutiveQuotaFailures == 0 {
		pc.MaxConsecutiveQuotaFailures = def.MaxConsecutiveQuotaFailures
	}
	if pc.SmallCooldownRetryThreshold == 0 {
		pc.SmallCooldownRetryThreshold = def.SmallCooldownRetryThreshold
	}

	for i := range pc.Windows {
		if pc.Windows[i].ResetMode == "" {
			pc.Windows[i].ResetMode = ResetRolling
		}
		if pc.Windows[i].Scope == "" {
			pc.Windows[i].Scope = ScopeGroup
		}
	}

	for i := range pc.CustomCaps {
		if pc.CustomCaps[i].TierKey == "" {
			pc.CustomCaps[i].TierKey = TierDefault
		}
		if pc.CustomCaps[i].MaxRequestsMode == "" {
			pc.CustomCaps[i].MaxRequestsMode = CapAbsolute
		}
		if pc.CustomCaps[i].CooldownMode == "" {
			pc.CustomCaps[i].CooldownMode = CooldownQuotaReset
		}
	}

	return pc
}
