// Package rotator is the public entry point of the credential rotator: a
// client that accepts requests for a model, transparently distributes them
// across a provider's credentials, and recovers from per-credential rate
// limits, quota exhaustion, auth failures, and transient upstream faults.
//
// Basic use:
//
//	cfg, _ := config.Load("rotator.yaml", logger)
//	client, _ := rotator.New(ctx, cfg, map[string]rotator.ProviderFactory{
//	    "gemini": func() providers.Provider { return gemini.New() },
//	}, rotator.Options{Logger: logger})
//	defer client.Close()
//
//	resp, err := client.Execute(ctx, "gemini", "gemini-pro", payload)
package rotator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/executor"
	"github.com/vitaliisemenov/llm-rotator/internal/core/selection"
	"github.com/vitaliisemenov/llm-rotator/internal/infrastructure/cache"
	"github.com/vitaliisemenov/llm-rotator/internal/infrastructure/persistence"
	"github.com/vitaliisemenov/llm-rotator/internal/metrics"
	"github.com/vitaliisemenov/llm-rotator/internal/providers"
)

// ProviderFactory builds a provider plugin instance. Instantiated lazily,
// once per process.
type ProviderFactory func() providers.Provider

// Options tunes client construction; zero values use production defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Store overrides the snapshot store built from config (tests).
	Store persistence.Store

	// DisableBackgroundRefresh skips provider refresh loops.
	DisableBackgroundRefresh bool
}

// Client is the rotator facade. Safe for concurrent use.
type Client struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	dispatcher *providers.HookDispatcher
	refresher  *providers.Refresher
	store      persistence.Store

	managers  map[string]*executor.Manager
	executors map[string]*executor.Executor

	cancel context.CancelFunc
}

// New builds a client for the configured providers. Only providers present
// in both the configuration and the factories map are activated.
func New(ctx context.Context, cfg *config.Config, factories map[string]ProviderFactory, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = buildStore(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
	}

	rawFactories := make(map[string]func() providers.Provider, len(factories))
	for name, factory := range factories {
		rawFactories[name] = factory
	}
	dispatcher := providers.NewHookDispatcher(rawFactories, logger)

	runCtx, cancel := context.WithCancel(context.Background())

	client := &Client{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		dispatcher: dispatcher,
		store:      store,
		managers:   map[string]*executor.Manager{},
		executors:  map[string]*executor.Executor{},
		cancel:     cancel,
	}

	for name := range factories {
		providerCfg, ok := cfg.Provider[name]
		if !ok {
			defaults := config.DefaultProviderConfig(name)
			config.ApplyEnvOverrides(&defaults, logger)
			providerCfg = defaults
		}

		instance := dispatcher.Instance(name)
		if instance == nil {
			cancel()
			return nil, fmt.Errorf("provider factory for %q returned nil", name)
		}

		manager := executor.NewManager(&providerCfg, executor.ManagerOptions{
			Logger:  logger,
			Metrics: m,
		})
		if err := manager.AttachStore(runCtx, store, cfg.Storage.FlushInterval, cfg.Storage.FlushMutations); err != nil {
			cancel()
			return nil, fmt.Errorf("loading usage state for %q: %w", name, err)
		}
		manager.EnsureCredentials(instance.CredentialAccessors())

		client.managers[name] = manager
		client.executors[name] = executor.NewExecutor(manager, instance, dispatcher, logger, m)
	}

	client.refresher = providers.NewRefresher(dispatcher, &multiUpdater{client: client}, logger)
	if !opts.DisableBackgroundRefresh {
		for name := range client.managers {
			client.refresher.Start(runCtx, name)
		}
	}

	return client, nil
}

func buildStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (persistence.Store, error) {
	switch cfg.Backend {
	case "", "file":
		return persistence.NewFileStore(cfg.Dir, logger), nil
	case "redis":
		return cache.NewRedisStore(ctx, cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Execute performs one request against a provider's model.
func (c *Client) Execute(ctx context.Context, provider, model string, payload any) (*providers.Response, error) {
	ex, ok := c.executors[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return ex.Execute(ctx, model, payload)
}

// ExecuteStreaming performs one streaming request against a provider's
// model.
func (c *Client) ExecuteStreaming(ctx context.Context, provider, model string, payload any) (<-chan providers.Chunk, error) {
	ex, ok := c.executors[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return ex.ExecuteStreaming(ctx, model, payload)
}

// AvailabilityStats reports pool availability for a provider's model.
func (c *Client) AvailabilityStats(provider, model, group string) (selection.AvailabilityStats, error) {
	manager, ok := c.managers[provider]
	if !ok {
		return selection.AvailabilityStats{}, fmt.Errorf("unknown provider %q", provider)
	}
	return manager.AvailabilityStats(model, group), nil
}

// ApplyCooldown puts a credential on cooldown (admin API).
func (c *Client) ApplyCooldown(provider, accessor string, duration time.Duration, reason, modelOrGroup string) error {
	manager, ok := c.managers[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	manager.ApplyCooldown(accessor, duration, reason, modelOrGroup)
	return nil
}

// ClearCooldown clears a credential's cooldown (admin API).
func (c *Client) ClearCooldown(provider, accessor, modelOrGroup string) error {
	manager, ok := c.managers[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	manager.ClearCooldown(accessor, modelOrGroup)
	return nil
}

// MarkExhausted flags a credential exhausted for fair cycle (admin API).
func (c *Client) MarkExhausted(provider, accessor, modelOrGroup, reason string) error {
	manager, ok := c.managers[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	manager.MarkExhausted(accessor, modelOrGroup, reason)
	return nil
}

// UsageManager exposes a provider's usage manager for inspection and
// integration (admin endpoints, background jobs, tooling).
func (c *Client) UsageManager(provider string) *executor.Manager {
	return c.managers[provider]
}

// Close stops background work and flushes pending snapshots.
func (c *Client) Close() {
	c.refresher.Stop()
	c.cancel()
	for _, manager := range c.managers {
		manager.Close()
	}
	if closer, ok := c.store.(interface{ Close() error }); ok {
		closer.Close()
	}
}

// multiUpdater routes refresh updates to the right provider's manager by
// accessor.
type multiUpdater struct {
	client *Client
}

func (u *multiUpdater) UpdateWindowLimit(accessor, windowName, modelOrGroup string, limit int64) {
	for _, manager := range u.client.managers {
		manager.UpdateWindowLimit(accessor, windowName, modelOrGroup, limit)
	}
}

func (u *multiUpdater) UpdateWindowReset(accessor, windowName, modelOrGroup string, resetAt time.Time) {
	for _, manager := range u.client.managers {
		manager.UpdateWindowReset(accessor, windowName, modelOrGroup, resetAt)
	}
}
