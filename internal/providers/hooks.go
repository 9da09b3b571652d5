package providers

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vitaliisemenov/llm-rotator/pkg/logger"
)

// HookDispatcher invokes optional provider hooks during the request
// lifecycle. Provider instances are supplied by factories and instantiated
// lazily, once per process.
type HookDispatcher struct {
	logger *slog.Logger

	mu        sync.Mutex
	factories map[string]func() Provider
	instances map[string]Provider
}

// NewHookDispatcher creates a dispatcher over provider factories.
func NewHookDispatcher(factories map[string]func() Provider, logger *slog.Logger) *HookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if factories == nil {
		factories = map[string]func() Provider{}
	}
	return &HookDispatcher{
		logger:    logger,
		factories: factories,
		instances: map[string]Provider{},
	}
}

// Register adds or replaces a provider factory.
func (d *HookDispatcher) Register(name string, factory func() Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[name] = factory
	delete(d.instances, name)
}

// Instance returns the lazily created provider instance, or nil when the
// provider is unknown.
func (d *HookDispatcher) Instance(name string) Provider {
	d.mu.Lock()
	defer d.mu.Unlock()
	if instance, ok := d.instances[name]; ok {
		return instance
	}
	factory, ok := d.factories[name]
	if !ok {
		return nil
	}
	instance := factory()
	d.instances[name] = instance
	return instance
}

// DispatchRequestComplete calls the provider's on-request-complete hook, if
// implemented. Hook errors and panics are caught and logged; the executor
// falls back to default counting.
func (d *HookDispatcher) DispatchRequestComplete(ctx context.Context, provider, credential, model string, success bool, response *Response, classifiedErr error) (result *RequestCompleteResult) {
	instance := d.Instance(provider)
	if instance == nil {
		return nil
	}
	hook, ok := instance.(RequestCompleteHook)
	if !ok {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Provider hook panicked, using default counting",
				"panic", r,
				logger.Provider(provider),
				logger.Credential(credential),
			)
			result = nil
		}
	}()

	result, err := hook.OnRequestComplete(ctx, credential, model, success, response, classifiedErr)
	if err != nil {
		d.logger.Warn("Provider hook failed, using default counting",
			"err", err,
			logger.Provider(provider),
			logger.Credential(credential),
		)
		return nil
	}
	return result
}
