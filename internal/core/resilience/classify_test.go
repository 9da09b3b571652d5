package resilience

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestClassifyNil(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) should return nil")
	}
}

func TestClassifyHTTPStatuses(t *testing.T) {
	tests := []struct {
		name          string
		err           *HTTPError
		wantKind      ErrorKind
		wantRotate    bool
		wantRetrySame bool
	}{
		{
			name:       "401 auth error",
			err:        &HTTPError{StatusCode: 401, Message: "invalid key"},
			wantKind:   KindAuthError,
			wantRotate: true,
		},
		{
			name:       "403 auth error",
			err:        &HTTPError{StatusCode: 403, Message: "forbidden"},
			wantKind:   KindAuthError,
			wantRotate: true,
		},
		{
			name:       "429 rate limit",
			err:        &HTTPError{StatusCode: 429, Message: "slow down"},
			wantKind:   KindRateLimit,
			wantRotate: true,
		},
		{
			name:       "429 quota exhaustion",
			err:        &HTTPError{StatusCode: 429, Message: "quota", Body: `{"error": "quota exceeded for today"}`},
			wantKind:   KindQuotaExceeded,
			wantRotate: true,
		},
		{
			name:          "500 server error",
			err:           &HTTPError{StatusCode: 500, Message: "boom"},
			wantKind:      KindServerError,
			wantRotate:    true,
			wantRetrySame: true,
		},
		{
			name:          "503 server error",
			err:           &HTTPError{StatusCode: 503, Message: "overloaded"},
			wantKind:      KindServerError,
			wantRotate:    true,
			wantRetrySame: true,
		},
		{
			name:     "400 bad request",
			err:      &HTTPError{StatusCode: 400, Message: "schema"},
			wantKind: KindBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Classify(tt.err)
			if ce.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ce.Kind, tt.wantKind)
			}
			if ce.ShouldRotate != tt.wantRotate {
				t.Errorf("ShouldRotate = %v, want %v", ce.ShouldRotate, tt.wantRotate)
			}
			if ce.ShouldRetrySame != tt.wantRetrySame {
				t.Errorf("ShouldRetrySame = %v, want %v", ce.ShouldRetrySame, tt.wantRetrySame)
			}
		})
	}
}

func TestClassifyRateLimitUsesRetryAfterHeader(t *testing.T) {
	ce := Classify(&HTTPError{
		StatusCode: 429,
		Headers:    map[string]string{"retry-after": "30"},
	})
	if ce.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", ce.RetryAfter)
	}
	if ce.CooldownDuration != 30*time.Second {
		t.Errorf("CooldownDuration = %v, want 30s", ce.CooldownDuration)
	}
}

func TestClassifyRateLimitDefaultCooldown(t *testing.T) {
	ce := Classify(&HTTPError{StatusCode: 429})
	if ce.CooldownDuration != CooldownRateLimitDefault {
		t.Errorf("CooldownDuration = %v, want %v", ce.CooldownDuration, CooldownRateLimitDefault)
	}
}

func TestClassifySentinels(t *testing.T) {
	tests := []struct {
		err           error
		wantKind      ErrorKind
		wantRetrySame bool
	}{
		{ErrEmptyResponse, KindEmptyResponse, true},
		{ErrNeedsReauth, KindNeedsReauth, false},
		{ErrTransientQuota, KindTransientQuota, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.wantKind), func(t *testing.T) {
			ce := Classify(fmt.Errorf("wrapped: %w", tt.err))
			if ce.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ce.Kind, tt.wantKind)
			}
			if ce.ShouldRetrySame != tt.wantRetrySame {
				t.Errorf("ShouldRetrySame = %v, want %v", ce.ShouldRetrySame, tt.wantRetrySame)
			}
		})
	}
}

func TestClassifyPreRequestCallback(t *testing.T) {
	ce := Classify(&PreRequestCallbackError{Err: errors.New("refused")})
	if ce.Kind != KindPreRequestCallbackFail {
		t.Errorf("Kind = %s, want %s", ce.Kind, KindPreRequestCallbackFail)
	}
	if ce.ShouldRotate || ce.ShouldRetrySame {
		t.Error("pre-request callback failures are unrecoverable")
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	original := &ClassifiedError{Kind: KindQuotaExceeded, ShouldRotate: true}
	if got := Classify(original); got != original {
		t.Error("already-classified errors must pass through unchanged")
	}
}

func TestClassifyMessageHeuristics(t *testing.T) {
	tests := []struct {
		msg      string
		wantKind ErrorKind
	}{
		{"Unauthorized: invalid api key provided", KindAuthError},
		{"rate limit reached for requests", KindRateLimit},
		{"quota exceeded for project", KindQuotaExceeded},
		{"connection reset by peer", KindServerError},
		{"request timed out", KindServerError},
		{"something entirely unexpected", KindServerError},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			ce := Classify(errors.New(tt.msg))
			if ce.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ce.Kind, tt.wantKind)
			}
		})
	}
}

func TestBackoffForAttempt(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 5 * time.Second},
		{2, 15 * time.Second},
		{3, 60 * time.Second},
		{10, 60 * time.Second}, // capped
		{-1, time.Second},
	}
	for _, tt := range tests {
		if got := BackoffForAttempt(tt.attempt); got != tt.want {
			t.Errorf("BackoffForAttempt(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNoAvailableCredentialsError(t *testing.T) {
	err := &NoAvailableCredentialsError{
		Provider: "gemini",
		Model:    "gemini-pro",
		Reasons: map[string]string{
			"alice@...": "cooldown for \"pro\": rate_limit",
			"bob@...":   "fair cycle: exhausted",
		},
	}
	msg := err.Error()
	for _, want := range []string{"gemini/gemini-pro", "alice@...", "bob@..."} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message missing %q: %s", want, msg)
		}
	}
}
