package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/core/resilience"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
	"github.com/vitaliisemenov/llm-rotator/internal/metrics"
	"github.com/vitaliisemenov/llm-rotator/internal/providers"
	"github.com/vitaliisemenov/llm-rotator/pkg/logger"
)

// Executor drives the retry/rotation loop for one provider: pick a
// credential, perform the upstream call, classify the outcome, record it,
// and either retry on another credential or give up.
type Executor struct {
	manager  *Manager
	provider providers.Provider
	hooks    *providers.HookDispatcher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor binds a provider implementation to its usage manager.
func NewExecutor(manager *Manager, provider providers.Provider, hooks *providers.HookDispatcher, log *slog.Logger, m *metrics.Metrics) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Executor{
		manager:  manager,
		provider: provider,
		hooks:    hooks,
		logger:   log,
		metrics:  m,
		now:      manager.now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute performs one request, rotating across credentials until it
// succeeds, becomes unrecoverable, or the deadline expires.
func (e *Executor) Execute(ctx context.Context, model string, payload any) (*providers.Response, error) {
	ctx, cancel, log := e.begin(ctx)
	defer cancel()

	group := e.provider.QuotaGroup(model)
	tried := map[string]bool{}
	consecutiveQuota := 0
	waitedForCooldown := false
	started := e.now()
	var lastClassified *resilience.ClassifiedError

	for {
		if err := ctx.Err(); err != nil {
			e.observe(started, "deadline")
			return nil, fmt.Errorf("%w: %v", resilience.ErrDeadlineExhausted, err)
		}

		deadline, _ := ctx.Deadline()
		stableID := e.manager.Select(model, group, tried, deadline)
		if stableID == "" {
			// A block about to lift is cheaper to wait out than to fail.
			if !waitedForCooldown {
				if wait, ok := e.smallCooldownWait(model, group); ok {
					waitedForCooldown = true
					log.Debug("All credentials blocked, waiting out short cooldown",
						"wait", wait)
					if err := e.sleep(ctx, wait); err != nil {
						e.observe(started, "deadline")
						return nil, fmt.Errorf("%w: %v", resilience.ErrDeadlineExhausted, err)
					}
					continue
				}
			}
			e.observe(started, "no_credentials")
			return nil, &resilience.NoAvailableCredentialsError{
				Provider: e.manager.Provider(),
				Model:    model,
				Reasons:  e.manager.BlockingReasons(model, group),
			}
		}

		state := e.manager.StateByID(stableID)
		if state == nil {
			tried[stableID] = true
			continue
		}

		if !e.manager.Tracking().Acquire(state, model) {
			// Raced with another request past the concurrency cap.
			tried[stableID] = true
			continue
		}

		response, classified := e.attemptWithCredential(ctx, log, state, model, group, payload)
		if classified == nil {
			e.observe(started, "success")
			return response, nil
		}
		lastClassified = classified

		if deadlineErr := ctx.Err(); deadlineErr != nil {
			e.observe(started, "deadline")
			return nil, fmt.Errorf("%w: %v", resilience.ErrDeadlineExhausted, deadlineErr)
		}

		if !classified.ShouldRotate {
			e.observe(started, "unrecoverable")
			return nil, classified
		}

		tried[stableID] = true
		e.metrics.RotationsTotal.WithLabelValues(e.manager.Provider(), string(classified.Kind)).Inc()

		if classified.IsQuotaLike() {
			consecutiveQuota++
			scope := group
			if scope == "" {
				scope = model
			}
			e.manager.Selection().MarkExhausted(e.manager.Provider(), scope)
		} else {
			consecutiveQuota = 0
		}

		if consecutiveQuota > e.manager.Config().MaxConsecutiveQuotaFailures {
			log.Warn("Giving up after consecutive quota failures",
				"model", model,
				"failures", consecutiveQuota,
			)
			e.observe(started, "quota_exhausted")
			return nil, lastClassified
		}

		log.Debug("Rotating to another credential",
			"model", model,
			"kind", string(classified.Kind),
			logger.Credential(state.Accessor),
		)
	}
}

// attemptWithCredential runs the bounded same-credential retry loop for one
// acquired credential. The acquisition is released on every exit path.
// Returns (response, nil) on success or (nil, classified) on failure.
func (e *Executor) attemptWithCredential(ctx context.Context, log *slog.Logger, state *usage.CredentialState, model, group string, payload any) (*providers.Response, *resilience.ClassifiedError) {
	tracking := e.manager.Tracking()
	e.metrics.ActiveRequests.WithLabelValues(e.manager.Provider()).Inc()
	defer func() {
		tracking.Release(state)
		e.metrics.ActiveRequests.WithLabelValues(e.manager.Provider()).Dec()
	}()

	accessor := state.Accessor
	maxSame := e.manager.Config().MaxSameCredentialRetries

	var classified *resilience.ClassifiedError
	for attempt := 0; ; attempt++ {
		response, err := e.provider.Execute(ctx, accessor, model, payload)

		if err == nil {
			e.recordSuccess(ctx, state, model, group, response)
			e.metrics.RequestsTotal.WithLabelValues(e.manager.Provider(), model, "success").Inc()
			return response, nil
		}

		// A cancelled or expired attempt is not recorded either way.
		if ctx.Err() != nil {
			log.Debug("Attempt abandoned at deadline", "model", model, logger.Credential(accessor))
			return nil, &resilience.ClassifiedError{Kind: resilience.KindServerError, Err: ctx.Err()}
		}

		classified = resilience.Classify(err)
		e.metrics.RequestsTotal.WithLabelValues(e.manager.Provider(), model, string(classified.Kind)).Inc()

		e.recordFailure(ctx, state, model, group, classified)

		log.Debug("Attempt failed",
			"model", model,
			"kind", string(classified.Kind),
			"attempt", attempt+1,
			logger.Credential(accessor),
		)

		if !classified.ShouldRetrySame || attempt+1 >= maxSame {
			return nil, classified
		}

		if err := e.sleep(ctx, resilience.BackoffForAttempt(attempt)); err != nil {
			return nil, &resilience.ClassifiedError{Kind: resilience.KindServerError, Err: err}
		}
	}
}

// recordSuccess applies token accounting from a response, honoring hook
// overrides.
func (e *Executor) recordSuccess(ctx context.Context, state *usage.CredentialState, model, group string, response *providers.Response) {
	update := usage.UsageUpdate{
		RequestCount:     1,
		PromptTokens:     response.Tokens.PromptTokens,
		CompletionTokens: response.Tokens.CompletionTokens,
		ThinkingTokens:   response.Tokens.ThinkingTokens,
		CacheReadTokens:  response.Tokens.CacheReadTokens,
		CacheWriteTokens: response.Tokens.CacheWriteTokens,
		ApproxCost:       response.Tokens.ApproxCost,
	}

	var hookResult *providers.RequestCompleteResult
	if e.hooks != nil {
		hookResult = e.hooks.DispatchRequestComplete(ctx, e.manager.Provider(), state.Accessor, model, true, response, nil)
	}
	if hookResult != nil {
		if hookResult.CountOverride != nil {
			update.RequestCount = *hookResult.CountOverride
		}
		if hookResult.CooldownOverride > 0 {
			scope := group
			if scope == "" {
				scope = model
			}
			e.manager.Tracking().ApplyCooldown(state, "provider_hook", hookResult.CooldownOverride, time.Time{}, scope, "provider_hook")
		}
		if hookResult.ForceExhausted {
			e.markExhaustedByHook(state, model, group)
		}
	}

	if update.RequestCount == 0 {
		return
	}
	e.manager.Tracking().RecordSuccess(state, model, group, update, response.Headers)
}

// recordFailure applies failure accounting and the classified cooldown and
// exhaustion transitions, honoring hook overrides.
func (e *Executor) recordFailure(ctx context.Context, state *usage.CredentialState, model, group string, classified *resilience.ClassifiedError) {
	count := int64(1)
	cooldown := classified.CooldownDuration
	exhausted := classified.Kind == resilience.KindQuotaExceeded

	var hookResult *providers.RequestCompleteResult
	if e.hooks != nil {
		hookResult = e.hooks.DispatchRequestComplete(ctx, e.manager.Provider(), state.Accessor, model, false, nil, classified)
	}
	if hookResult != nil {
		if hookResult.CountOverride != nil {
			count = *hookResult.CountOverride
		}
		if hookResult.CooldownOverride > 0 {
			cooldown = hookResult.CooldownOverride
		}
		if hookResult.ForceExhausted {
			exhausted = true
		}
	}

	if cooldown > 0 {
		e.metrics.CooldownsAppliedTotal.WithLabelValues(e.manager.Provider(), string(classified.Kind)).Inc()
	}

	if count == 0 {
		// Not counted, but the cooldown and exhaustion still apply.
		scope := group
		if scope == "" {
			scope = model
		}
		if cooldown > 0 {
			e.manager.Tracking().ApplyCooldown(state, string(classified.Kind), cooldown, time.Time{}, scope, "error")
		}
		if !classified.QuotaResetAt.IsZero() {
			e.manager.Tracking().ApplyCooldown(state, string(classified.Kind), 0, classified.QuotaResetAt, scope, "api_quota")
		}
		if exhausted {
			e.markExhaustedByHook(state, model, group)
		}
		return
	}

	e.manager.Tracking().RecordFailure(state, model, group, usage.UsageUpdate{RequestCount: count}, usage.FailureOptions{
		ErrorType:        string(classified.Kind),
		CooldownDuration: cooldown,
		QuotaResetAt:     classified.QuotaResetAt,
		MarkExhausted:    exhausted,
	})
}

func (e *Executor) markExhaustedByHook(state *usage.CredentialState, model, group string) {
	key := e.manager.Limits().FairCycle().TrackingKey(model, group)
	e.manager.Tracking().MarkExhausted(state, key, "provider_hook")
}

// smallCooldownWait reports whether the earliest block expiry is close
// enough to wait out instead of failing.
func (e *Executor) smallCooldownWait(model, group string) (time.Duration, bool) {
	threshold := e.manager.Config().SmallCooldownRetryThreshold
	if threshold <= 0 {
		return 0, false
	}
	until := e.manager.ShortestBlockedUntil(model, group)
	if until.IsZero() {
		return 0, false
	}
	wait := until.Sub(e.now())
	if wait <= 0 {
		return time.Millisecond, true
	}
	if wait > threshold {
		return 0, false
	}
	return wait + 10*time.Millisecond, true
}

// begin stamps the request with an ID and the global deadline.
func (e *Executor) begin(ctx context.Context) (context.Context, context.CancelFunc, *slog.Logger) {
	requestID := logger.NewRequestID()
	ctx = logger.WithRequestID(ctx, requestID)
	log := e.logger.With("request_id", requestID, "provider", e.manager.Provider())

	timeout := e.manager.Config().GlobalTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, log
}

// observe records the end-to-end latency for one request outcome.
func (e *Executor) observe(started time.Time, outcome string) {
	e.metrics.RequestDuration.WithLabelValues(e.manager.Provider(), outcome).
		Observe(e.now().Sub(started).Seconds())
}

// ExecuteStreaming performs one streaming request. Rotation happens until
// the upstream stream is established; once chunks flow, errors propagate to
// the consumer untouched. Usage is recorded from the final chunk.
func (e *Executor) ExecuteStreaming(ctx context.Context, model string, payload any) (<-chan providers.Chunk, error) {
	ctx, cancel, log := e.begin(ctx)

	group := e.provider.QuotaGroup(model)
	tried := map[string]bool{}

	for {
		if err := ctx.Err(); err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %v", resilience.ErrDeadlineExhausted, err)
		}

		deadline, _ := ctx.Deadline()
		stableID := e.manager.Select(model, group, tried, deadline)
		if stableID == "" {
			reasons := e.manager.BlockingReasons(model, group)
			cancel()
			return nil, &resilience.NoAvailableCredentialsError{
				Provider: e.manager.Provider(),
				Model:    model,
				Reasons:  reasons,
			}
		}

		state := e.manager.StateByID(stableID)
		if state == nil || !e.manager.Tracking().Acquire(state, model) {
			tried[stableID] = true
			continue
		}

		chunks, errs := e.provider.ExecuteStreaming(ctx, state.Accessor, model, payload)

		// Wait for the first event to decide between rotation and
		// streaming.
		select {
		case <-ctx.Done():
			e.manager.Tracking().Release(state)
			cancel()
			return nil, fmt.Errorf("%w: %v", resilience.ErrDeadlineExhausted, ctx.Err())

		case err := <-errs:
			e.manager.Tracking().Release(state)
			classified := resilience.Classify(err)
			e.recordFailure(ctx, state, model, group, classified)
			if !classified.ShouldRotate {
				cancel()
				return nil, classified
			}
			tried[stableID] = true
			e.metrics.RotationsTotal.WithLabelValues(e.manager.Provider(), string(classified.Kind)).Inc()
			continue

		case chunk, ok := <-chunks:
			out := make(chan providers.Chunk)
			go e.pumpStream(ctx, cancel, log, state, model, group, chunk, ok, chunks, errs, out)
			return out, nil
		}
	}
}

// pumpStream forwards chunks to the consumer, records usage at the final
// chunk, and releases the credential when the stream ends.
func (e *Executor) pumpStream(ctx context.Context, cancel context.CancelFunc, log *slog.Logger, state *usage.CredentialState, model, group string, first providers.Chunk, firstOK bool, chunks <-chan providers.Chunk, errs <-chan error, out chan<- providers.Chunk) {
	defer cancel()
	defer close(out)
	defer e.manager.Tracking().Release(state)

	deliver := func(chunk providers.Chunk) bool {
		select {
		case out <- chunk:
		case <-ctx.Done():
			return false
		}
		if chunk.Final {
			e.recordSuccess(ctx, state, model, group, &providers.Response{
				Tokens:  chunk.Tokens,
				Headers: chunk.Headers,
			})
		}
		return !chunk.Final
	}

	if firstOK {
		if !deliver(first) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err != nil {
				classified := resilience.Classify(err)
				e.recordFailure(ctx, state, model, group, classified)
				log.Debug("Stream failed mid-flight",
					"kind", string(classified.Kind),
					logger.Credential(state.Accessor),
				)
			}
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if !deliver(chunk) {
				return
			}
		}
	}
}
