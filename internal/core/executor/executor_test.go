package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/resilience"
	"github.com/vitaliisemenov/llm-rotator/internal/metrics"
	"github.com/vitaliisemenov/llm-rotator/internal/providers"
)

// scriptedProvider returns queued results per call and records which
// credential served each call.
type scriptedProvider struct {
	name      string
	group     string
	accessors []string

	mu      sync.Mutex
	results []func(credential string) (*providers.Response, error)
	served  []string
}

func (p *scriptedProvider) Name() string                   { return p.name }
func (p *scriptedProvider) CredentialAccessors() []string  { return p.accessors }
func (p *scriptedProvider) QuotaGroup(model string) string { return p.group }

func (p *scriptedProvider) Execute(ctx context.Context, credential, model string, payload any) (*providers.Response, error) {
	p.mu.Lock()
	p.served = append(p.served, credential)
	var next func(string) (*providers.Response, error)
	if len(p.results) > 0 {
		next = p.results[0]
		p.results = p.results[1:]
	}
	p.mu.Unlock()

	if next == nil {
		return &providers.Response{}, nil
	}
	return next(credential)
}

func (p *scriptedProvider) ExecuteStreaming(ctx context.Context, credential, model string, payload any) (<-chan providers.Chunk, <-chan error) {
	chunks := make(chan providers.Chunk, 2)
	errs := make(chan error, 1)
	chunks <- providers.Chunk{Body: "hello"}
	chunks <- providers.Chunk{Final: true, Tokens: providers.TokenUsage{PromptTokens: 3, CompletionTokens: 4}}
	close(chunks)
	return chunks, errs
}

func (p *scriptedProvider) push(fns ...func(string) (*providers.Response, error)) {
	p.mu.Lock()
	p.results = append(p.results, fns...)
	p.mu.Unlock()
}

func ok(tokens providers.TokenUsage) func(string) (*providers.Response, error) {
	return func(string) (*providers.Response, error) {
		return &providers.Response{Tokens: tokens}, nil
	}
}

func fail(err error) func(string) (*providers.Response, error) {
	return func(string) (*providers.Response, error) {
		return nil, err
	}
}

type harness struct {
	cfg      *config.ProviderConfig
	manager  *Manager
	provider *scriptedProvider
	executor *Executor
}

func newHarness(t *testing.T, accessors []string, mutate func(*config.ProviderConfig)) *harness {
	t.Helper()
	cfg := config.DefaultProviderConfig("testprov")
	cfg.Windows = []config.WindowDefinition{
		{Name: "5h", Duration: 5 * time.Hour, ResetMode: config.ResetRolling, Primary: true, Scope: config.ScopeGroup},
	}
	cfg.GlobalTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	m := NewManager(&cfg, ManagerOptions{Metrics: metrics.NewUnregistered()})
	m.EnsureCredentials(accessors)

	provider := &scriptedProvider{name: "testprov", group: "g1", accessors: accessors}
	hooks := providers.NewHookDispatcher(map[string]func() providers.Provider{
		"testprov": func() providers.Provider { return provider },
	}, nil)

	ex := NewExecutor(m, provider, hooks, nil, metrics.NewUnregistered())
	ex.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	return &harness{cfg: &cfg, manager: m, provider: provider, executor: ex}
}

func TestExecuteSuccessRecordsTokens(t *testing.T) {
	h := newHarness(t, []string{"sk-a"}, nil)
	h.provider.push(ok(providers.TokenUsage{PromptTokens: 100, CompletionTokens: 40, ThinkingTokens: 10}))

	resp, err := h.executor.Execute(context.Background(), "m1", nil)
	require.NoError(t, err)
	require.NotNil(t, resp)

	state := h.manager.State("sk-a")
	assert.Equal(t, int64(1), state.Totals.SuccessCount)
	assert.Equal(t, int64(100), state.Totals.PromptTokens)
	assert.Equal(t, int64(50), state.Totals.OutputTokens)
	assert.Equal(t, 0, state.ActiveRequests, "acquire paired with release")
}

func TestExecuteRotatesOnRateLimit(t *testing.T) {
	h := newHarness(t, []string{"sk-a", "sk-b"}, nil)
	rateLimited := &resilience.HTTPError{StatusCode: 429}
	// Whichever credential goes first fails; the other succeeds.
	h.provider.push(fail(rateLimited), ok(providers.TokenUsage{}))

	resp, err := h.executor.Execute(context.Background(), "m1", nil)
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.Len(t, h.provider.served, 2)
	assert.NotEqual(t, h.provider.served[0], h.provider.served[1], "rotated to a different credential")

	failed := h.manager.State(h.provider.served[0])
	assert.Equal(t, int64(1), failed.Totals.FailureCount)
	assert.NotNil(t, failed.ActiveCooldown("g1", time.Now()), "rate limit cooldown applied")
}

func TestExecuteBadRequestDoesNotRotate(t *testing.T) {
	h := newHarness(t, []string{"sk-a", "sk-b"}, nil)
	h.provider.push(fail(&resilience.HTTPError{StatusCode: 400, Message: "bad schema"}))

	_, err := h.executor.Execute(context.Background(), "m1", nil)
	require.Error(t, err)

	var classified *resilience.ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, resilience.KindBadRequest, classified.Kind)
	assert.Len(t, h.provider.served, 1, "bad requests never rotate")
}

// Scenario: empty responses retry the same credential up to the configured
// bound, then rotate.
func TestExecuteRetrySameOnEmptyResponse(t *testing.T) {
	h := newHarness(t, []string{"sk-a", "sk-b"}, func(cfg *config.ProviderConfig) {
		cfg.MaxSameCredentialRetries = 3
	})
	h.provider.push(
		fail(resilience.ErrEmptyResponse),
		fail(resilience.ErrEmptyResponse),
		fail(resilience.ErrEmptyResponse),
		ok(providers.TokenUsage{}),
	)

	resp, err := h.executor.Execute(context.Background(), "m1", nil)
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.Len(t, h.provider.served, 4)
	first := h.provider.served[0]
	assert.Equal(t, first, h.provider.served[1], "retry-same keeps the credential")
	assert.Equal(t, first, h.provider.served[2])
	assert.NotEqual(t, first, h.provider.served[3], "rotated after retries exhausted")

	failed := h.manager.State(first)
	assert.Equal(t, int64(3), failed.Totals.FailureCount, "each attempt recorded")
}

func TestExecuteNoAvailableCredentials(t *testing.T) {
	h := newHarness(t, []string{"sk-a"}, func(cfg *config.ProviderConfig) {
		cfg.SmallCooldownRetryThreshold = 0 // no wait-out
	})
	h.manager.ApplyCooldown("sk-a", time.Hour, "maintenance", "")

	_, err := h.executor.Execute(context.Background(), "m1", nil)
	require.Error(t, err)

	var noCreds *resilience.NoAvailableCredentialsError
	require.ErrorAs(t, err, &noCreds)
	assert.Equal(t, "testprov", noCreds.Provider)
	assert.NotEmpty(t, noCreds.Reasons, "per-candidate reasons embedded")
	for masked := range noCreds.Reasons {
		assert.NotContains(t, masked, "sk-a", "reasons are keyed by masked credentials")
	}
}

// Scenario: a global deadline cuts the request short; the attempt is not
// recorded and active_requests drops back to zero.
func TestExecuteDeadline(t *testing.T) {
	h := newHarness(t, []string{"sk-a"}, func(cfg *config.ProviderConfig) {
		cfg.GlobalTimeout = 100 * time.Millisecond
	})
	h.provider.push(func(string) (*providers.Response, error) {
		time.Sleep(300 * time.Millisecond)
		return nil, context.DeadlineExceeded
	})

	started := time.Now()
	_, err := h.executor.Execute(context.Background(), "m1", nil)
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrDeadlineExhausted)
	assert.Less(t, elapsed, 2*time.Second)

	state := h.manager.State("sk-a")
	assert.Equal(t, int64(0), state.Totals.RequestCount, "cancelled attempts are not recorded")
	assert.Equal(t, 0, state.ActiveRequests, "acquisition released on the deadline path")
}

func TestExecuteConsecutiveQuotaFailuresGiveUp(t *testing.T) {
	h := newHarness(t, []string{"sk-a", "sk-b", "sk-c"}, func(cfg *config.ProviderConfig) {
		cfg.MaxConsecutiveQuotaFailures = 2
	})
	quota := &resilience.HTTPError{StatusCode: 429, Body: `{"error": "quota exceeded"}`}
	h.provider.push(fail(quota), fail(quota), fail(quota))

	_, err := h.executor.Execute(context.Background(), "m1", nil)
	require.Error(t, err)

	var classified *resilience.ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, resilience.KindQuotaExceeded, classified.Kind)
	assert.LessOrEqual(t, len(h.provider.served), 3)
}

// hookedProvider overrides counting via the request-complete hook.
type hookedProvider struct {
	scriptedProvider
	result *providers.RequestCompleteResult
}

func (p *hookedProvider) OnRequestComplete(ctx context.Context, credential, model string, success bool, response *providers.Response, classifiedErr error) (*providers.RequestCompleteResult, error) {
	return p.result, nil
}

func TestExecuteHookCountOverrideZero(t *testing.T) {
	cfg := config.DefaultProviderConfig("testprov")
	cfg.Windows = []config.WindowDefinition{
		{Name: "5h", Duration: 5 * time.Hour, ResetMode: config.ResetRolling, Primary: true, Scope: config.ScopeGroup},
	}
	cfg.GlobalTimeout = 5 * time.Second

	m := NewManager(&cfg, ManagerOptions{Metrics: metrics.NewUnregistered()})
	m.EnsureCredentials([]string{"sk-a", "sk-b"})

	zero := int64(0)
	provider := &hookedProvider{
		scriptedProvider: scriptedProvider{name: "testprov", group: "g1", accessors: []string{"sk-a", "sk-b"}},
		result:           &providers.RequestCompleteResult{CountOverride: &zero},
	}
	hooks := providers.NewHookDispatcher(map[string]func() providers.Provider{
		"testprov": func() providers.Provider { return provider },
	}, nil)
	ex := NewExecutor(m, provider, hooks, nil, metrics.NewUnregistered())
	ex.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	provider.push(fail(&resilience.HTTPError{StatusCode: 503}), ok(providers.TokenUsage{}))

	_, err := ex.Execute(context.Background(), "m1", nil)
	require.NoError(t, err)

	failed := m.State(provider.served[0])
	assert.Equal(t, int64(0), failed.Totals.FailureCount, "count override zero skips recording")
	// The server-error cooldown still lands.
	assert.NotNil(t, failed.ActiveCooldown("g1", time.Now()))
}

func TestExecuteSequentialQuotaEvictsSticky(t *testing.T) {
	h := newHarness(t, []string{"sk-a", "sk-b"}, func(cfg *config.ProviderConfig) {
		cfg.RotationMode = config.RotationSequential
	})

	// Two successes stick to one credential.
	h.provider.push(ok(providers.TokenUsage{}), ok(providers.TokenUsage{}))
	_, err := h.executor.Execute(context.Background(), "m1", nil)
	require.NoError(t, err)
	_, err = h.executor.Execute(context.Background(), "m1", nil)
	require.NoError(t, err)
	require.Equal(t, h.provider.served[0], h.provider.served[1], "sequential mode is sticky")

	// Quota failure evicts the binding; the next request lands elsewhere.
	quota := &resilience.HTTPError{StatusCode: 429, Body: `{"error": "quota exceeded"}`}
	h.provider.push(fail(quota), ok(providers.TokenUsage{}))
	_, err = h.executor.Execute(context.Background(), "m1", nil)
	require.NoError(t, err)

	last := h.provider.served[len(h.provider.served)-1]
	assert.NotEqual(t, h.provider.served[0], last)
}

func TestExecuteStreaming(t *testing.T) {
	h := newHarness(t, []string{"sk-a"}, nil)

	chunks, err := h.executor.ExecuteStreaming(context.Background(), "m1", nil)
	require.NoError(t, err)

	var received []providers.Chunk
	for chunk := range chunks {
		received = append(received, chunk)
	}
	require.Len(t, received, 2)
	assert.True(t, received[1].Final)

	require.Eventually(t, func() bool {
		state := h.manager.State("sk-a")
		return state.Totals.SuccessCount == 1 && state.ActiveRequests == 0
	}, 2*time.Second, 10*time.Millisecond, "final chunk records usage and releases")
	assert.Equal(t, int64(3), h.manager.State("sk-a").Totals.PromptTokens)
}

func TestExecuteAuthErrorAppliesLongCooldown(t *testing.T) {
	h := newHarness(t, []string{"sk-a", "sk-b"}, nil)
	h.provider.push(fail(&resilience.HTTPError{StatusCode: 401}), ok(providers.TokenUsage{}))

	_, err := h.executor.Execute(context.Background(), "m1", nil)
	require.NoError(t, err)

	failed := h.manager.State(h.provider.served[0])
	cd := failed.ActiveCooldown("g1", time.Now())
	require.NotNil(t, cd)
	assert.Equal(t, string(resilience.KindAuthError), cd.Reason)
	assert.Greater(t, time.Until(cd.Until), 25*time.Minute, "auth errors cool down long")
}

func TestExecuteUnknownErrorRotatesOnce(t *testing.T) {
	h := newHarness(t, []string{"sk-a", "sk-b"}, nil)
	h.provider.push(fail(errors.New("weird upstream explosion")), ok(providers.TokenUsage{}))

	resp, err := h.executor.Execute(context.Background(), "m1", nil)
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Len(t, h.provider.served, 2)
}
