// Package resilience provides the error taxonomy and classification that
// drive the executor's retry and cooldown decisions.
package resilience

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorKind is the classified outcome of an upstream failure. Kinds are
// exhaustive of outcomes, not of causes.
type ErrorKind string

const (
	// KindAuthError: 401, expired or revoked token. Rotate, long cooldown.
	KindAuthError ErrorKind = "auth_error"

	// KindNeedsReauth: token refresh failed. Rotate, long cooldown.
	KindNeedsReauth ErrorKind = "needs_reauth"

	// KindRateLimit: 429 with Retry-After. Rotate, cooldown from header.
	KindRateLimit ErrorKind = "rate_limit"

	// KindQuotaExceeded: daily/monthly quota spent. Rotate, cooldown until
	// the quota reset.
	KindQuotaExceeded ErrorKind = "quota_exceeded"

	// KindServerError: 5xx. Rotate after bounded same-credential retries.
	KindServerError ErrorKind = "server_error"

	// KindTransientQuota: flaky quota signals. Bounded retry-same, rotate.
	KindTransientQuota ErrorKind = "transient_quota"

	// KindEmptyResponse: successful status with no content. Bounded
	// retry-same, rotate.
	KindEmptyResponse ErrorKind = "empty_response"

	// KindBadRequest: 400 or schema errors. Unrecoverable.
	KindBadRequest ErrorKind = "bad_request"

	// KindPreRequestCallbackFail: a caller-supplied pre-hook refused.
	// Unrecoverable.
	KindPreRequestCallbackFail ErrorKind = "pre_request_callback_fail"
)

// Cooldown defaults per kind.
const (
	CooldownAuthError        = 30 * time.Minute
	CooldownRateLimitDefault = 60 * time.Second
	CooldownTransientError   = 1 * time.Second
)

// serverErrorBackoffTiers is the tiered backoff for server errors and other
// bounded-retry kinds, indexed by prior consecutive failures.
var serverErrorBackoffTiers = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// BackoffForAttempt returns the tiered backoff for the nth consecutive
// failure (0-based), capped at the last tier.
func BackoffForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(serverErrorBackoffTiers) {
		return serverErrorBackoffTiers[len(serverErrorBackoffTiers)-1]
	}
	return serverErrorBackoffTiers[attempt]
}

// ClassifiedError is an upstream failure mapped to the taxonomy, plus the
// decisions derived from it.
type ClassifiedError struct {
	Kind            ErrorKind
	ShouldRotate    bool
	ShouldRetrySame bool

	// CooldownDuration applies a cooldown on the failed credential.
	// Zero means none.
	CooldownDuration time.Duration

	// RetryAfter is the parsed Retry-After value, when present.
	RetryAfter time.Duration

	// QuotaResetAt is the upstream-reported quota reset time, when known.
	QuotaResetAt time.Time

	// StatusCode is the HTTP status, when the failure was HTTP-shaped.
	StatusCode int

	Err error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// IsQuotaLike reports whether the error should count toward the
// consecutive-quota-failure budget and evict sticky bindings.
func (e *ClassifiedError) IsQuotaLike() bool {
	return e.Kind == KindQuotaExceeded || e.Kind == KindRateLimit || e.Kind == KindTransientQuota
}

// HTTPError is an upstream HTTP failure with enough context to classify.
type HTTPError struct {
	StatusCode int
	Message    string

	// Headers are the response headers, lower-cased keys.
	Headers map[string]string

	// Body is the raw response body, consulted for provider-specific
	// retry and quota fields.
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Sentinel errors raised by the core itself.
var (
	// ErrEmptyResponse marks a successful status with no usable content.
	ErrEmptyResponse = errors.New("empty response from upstream")

	// ErrNeedsReauth marks a failed token refresh.
	ErrNeedsReauth = errors.New("credential needs re-authentication")

	// ErrTransientQuota marks a flaky quota signal worth retrying.
	ErrTransientQuota = errors.New("transient quota error")

	// ErrDeadlineExhausted marks a request abandoned at its deadline.
	ErrDeadlineExhausted = errors.New("request deadline exhausted")
)

// PreRequestCallbackError wraps a refusal from a caller-supplied pre-hook.
type PreRequestCallbackError struct {
	Err error
}

func (e *PreRequestCallbackError) Error() string {
	return fmt.Sprintf("pre-request callback failed: %v", e.Err)
}

func (e *PreRequestCallbackError) Unwrap() error { return e.Err }

// NoAvailableCredentialsError is the terminal failure when every candidate
// is blocked. It carries the most recent blocking reason per candidate.
type NoAvailableCredentialsError struct {
	Provider string
	Model    string

	// Reasons maps masked credential identifiers to their blocking reason.
	Reasons map[string]string
}

func (e *NoAvailableCredentialsError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no available credentials for %s/%s", e.Provider, e.Model)
	}

	keys := make([]string, 0, len(e.Reasons))
	for k := range e.Reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "no available credentials for %s/%s:", e.Provider, e.Model)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s;", k, e.Reasons[k])
	}
	return strings.TrimSuffix(b.String(), ";")
}
