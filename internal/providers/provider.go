// Package providers defines the plugin contract between the rotator core
// and provider implementations, plus the hook dispatch and background
// refresh plumbing around it.
package providers

import (
	"context"
	"time"
)

// Response is the opaque result of an upstream call. The core never parses
// wire protocols; it only forwards token accounting and rate-limit headers.
type Response struct {
	// Body is the provider's response payload, opaque to the core.
	Body any

	// Tokens is the normalised token accounting extracted by the provider.
	Tokens TokenUsage

	// Headers are rate-limit-relevant response headers, lower-cased keys.
	Headers map[string]string
}

// TokenUsage is the normalised token accounting for one response.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	ThinkingTokens   int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	ApproxCost       float64
}

// Chunk is one piece of a streamed response.
type Chunk struct {
	Body any

	// Final marks the last chunk; Tokens and Headers are only populated
	// here.
	Final   bool
	Tokens  TokenUsage
	Headers map[string]string
}

// RequestCompleteResult lets a provider override how a completed request is
// counted and cooled down.
type RequestCompleteResult struct {
	// CountOverride sets how many requests to record. Zero records
	// nothing (e.g. a cancelled attempt); nil uses the default of one.
	CountOverride *int64

	// CooldownOverride applies an additional cooldown on the credential.
	CooldownOverride time.Duration

	// ForceExhausted marks the credential exhausted for fair cycle.
	ForceExhausted bool
}

// Provider is the plugin contract a provider implementation fulfils.
//
// Execute and ExecuteStreaming perform the upstream effect with one
// credential. They return either a Response or an error the classifier can
// map to the taxonomy (providers may return pre-classified errors).
type Provider interface {
	// Name is the provider identifier used in config, storage, and logs.
	Name() string

	// CredentialAccessors lists the configured credential accessors.
	CredentialAccessors() []string

	// Execute performs one upstream call with the given credential.
	Execute(ctx context.Context, credential string, model string, payload any) (*Response, error)

	// ExecuteStreaming performs one streaming upstream call. The returned
	// channel is closed after the final chunk or on error; a non-nil error
	// is delivered via the second channel.
	ExecuteStreaming(ctx context.Context, credential string, model string, payload any) (<-chan Chunk, <-chan error)

	// QuotaGroup maps a model to its quota group, or "" when the model has
	// no shared pool.
	QuotaGroup(model string) string
}

// RequestCompleteHook is implemented by providers that want to adjust
// counting, cooldowns, or exhaustion after each request.
type RequestCompleteHook interface {
	OnRequestComplete(ctx context.Context, credential, model string, success bool, response *Response, classifiedErr error) (*RequestCompleteResult, error)
}

// RefreshJob is implemented by providers with externally-known quota
// baselines that should be refreshed in the background.
type RefreshJob interface {
	// RefreshInterval is how often Refresh runs.
	RefreshInterval() time.Duration

	// Refresh updates quota baselines through the given updater.
	Refresh(ctx context.Context, updater QuotaUpdater) error
}

// QuotaUpdater is the narrow surface the background refresher hands to a
// provider's refresh job.
type QuotaUpdater interface {
	// UpdateWindowLimit sets the learned request limit on a window for a
	// credential scope.
	UpdateWindowLimit(accessor, windowName, modelOrGroup string, limit int64)

	// UpdateWindowReset sets the learned reset time on a window for a
	// credential scope.
	UpdateWindowReset(accessor, windowName, modelOrGroup string, resetAt time.Time)
}
