package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// Classify maps an upstream failure to the error taxonomy.
//
// An error that is already a *ClassifiedError passes through unchanged, so
// provider plugins may classify their own failures.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	// Context errors are handled by the executor's deadline path, but a
	// classification must still be safe.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{
			Kind:            KindServerError,
			ShouldRotate:    false,
			ShouldRetrySame: false,
			Err:             err,
		}
	}

	if errors.Is(err, ErrEmptyResponse) {
		return &ClassifiedError{
			Kind:             KindEmptyResponse,
			ShouldRotate:     true,
			ShouldRetrySame:  true,
			CooldownDuration: CooldownTransientError,
			Err:              err,
		}
	}

	if errors.Is(err, ErrNeedsReauth) {
		return &ClassifiedError{
			Kind:             KindNeedsReauth,
			ShouldRotate:     true,
			CooldownDuration: CooldownAuthError,
			Err:              err,
		}
	}

	if errors.Is(err, ErrTransientQuota) {
		return &ClassifiedError{
			Kind:             KindTransientQuota,
			ShouldRotate:     true,
			ShouldRetrySame:  true,
			CooldownDuration: CooldownTransientError,
			Err:              err,
		}
	}

	var preReq *PreRequestCallbackError
	if errors.As(err, &preReq) {
		return &ClassifiedError{
			Kind: KindPreRequestCallbackFail,
			Err:  err,
		}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}

	if isNetworkError(err) {
		return &ClassifiedError{
			Kind:             KindServerError,
			ShouldRotate:     true,
			ShouldRetrySame:  true,
			CooldownDuration: CooldownTransientError,
			Err:              err,
		}
	}

	// Fall back to message heuristics the way upstream SDK errors arrive.
	return classifyByMessage(err)
}

func classifyHTTP(httpErr *HTTPError) *ClassifiedError {
	ce := &ClassifiedError{
		StatusCode: httpErr.StatusCode,
		Err:        httpErr,
	}

	switch {
	case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
		ce.Kind = KindAuthError
		ce.ShouldRotate = true
		ce.CooldownDuration = CooldownAuthError

	case httpErr.StatusCode == 429:
		retryAfter := RetryAfter(httpErr)
		if isQuotaExhaustion(httpErr) {
			ce.Kind = KindQuotaExceeded
			ce.ShouldRotate = true
			ce.QuotaResetAt = quotaResetTime(httpErr)
			if retryAfter > 0 {
				ce.RetryAfter = retryAfter
				ce.CooldownDuration = retryAfter
			}
		} else {
			ce.Kind = KindRateLimit
			ce.ShouldRotate = true
			if retryAfter > 0 {
				ce.RetryAfter = retryAfter
				ce.CooldownDuration = retryAfter
			} else {
				ce.CooldownDuration = CooldownRateLimitDefault
			}
		}

	case httpErr.StatusCode >= 500:
		ce.Kind = KindServerError
		ce.ShouldRotate = true
		ce.ShouldRetrySame = true
		ce.CooldownDuration = CooldownTransientError

	case httpErr.StatusCode >= 400:
		ce.Kind = KindBadRequest

	default:
		ce.Kind = KindServerError
		ce.ShouldRotate = true
		ce.ShouldRetrySame = true
	}

	return ce
}

// isQuotaExhaustion distinguishes quota exhaustion from plain throttling in
// a 429 body.
func isQuotaExhaustion(httpErr *HTTPError) bool {
	body := strings.ToLower(httpErr.Body)
	for _, marker := range []string{
		"quota exceeded",
		"quota_exceeded",
		"resource_exhausted",
		"daily limit",
		"monthly limit",
		"billing",
	} {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

func classifyByMessage(err error) *ClassifiedError {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "401"):
		return &ClassifiedError{
			Kind:             KindAuthError,
			ShouldRotate:     true,
			CooldownDuration: CooldownAuthError,
			Err:              err,
		}

	case strings.Contains(msg, "quota"):
		return &ClassifiedError{
			Kind:         KindQuotaExceeded,
			ShouldRotate: true,
			Err:          err,
		}

	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429"):
		return &ClassifiedError{
			Kind:             KindRateLimit,
			ShouldRotate:     true,
			CooldownDuration: CooldownRateLimitDefault,
			Err:              err,
		}

	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "unavailable"):
		return &ClassifiedError{
			Kind:             KindServerError,
			ShouldRotate:     true,
			ShouldRetrySame:  true,
			CooldownDuration: CooldownTransientError,
			Err:              err,
		}
	}

	// Unknown failure: rotate once, no retry-same.
	return &ClassifiedError{
		Kind:         KindServerError,
		ShouldRotate: true,
		Err:          err,
	}
}

func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ENETUNREACH) ||
			errors.Is(opErr.Err, syscall.EHOSTUNREACH) {
			return true
		}
		return true
	}

	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok && te.Timeout() {
		return true
	}
	return false
}

// quotaResetTime extracts an explicit quota reset timestamp from a 429
// response, preferring headers over body fields.
func quotaResetTime(httpErr *HTTPError) time.Time {
	if v, ok := httpErr.Headers["x-ratelimit-reset"]; ok {
		if t := parseResetValue(v); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}
