package resilience

import (
	"net/http"
	"testing"
	"time"
)

func TestRetryAfterHeaderSeconds(t *testing.T) {
	d := RetryAfter(&HTTPError{
		StatusCode: 429,
		Headers:    map[string]string{"retry-after": "12"},
	})
	if d != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", d)
	}
}

func TestRetryAfterHeaderFractionalSeconds(t *testing.T) {
	d := RetryAfter(&HTTPError{
		Headers: map[string]string{"retry-after": "1.5"},
	})
	if d != 1500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 1.5s", d)
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC()
	d := RetryAfter(&HTTPError{
		Headers: map[string]string{"retry-after": future.Format(http.TimeFormat)},
	})
	if d < 85*time.Second || d > 95*time.Second {
		t.Errorf("RetryAfter = %v, want ~90s", d)
	}
}

func TestRetryAfterPastHTTPDate(t *testing.T) {
	past := time.Now().Add(-time.Minute).UTC()
	d := RetryAfter(&HTTPError{
		Headers: map[string]string{"retry-after": past.Format(http.TimeFormat)},
	})
	if d != 0 {
		t.Errorf("RetryAfter = %v, want 0 for past dates", d)
	}
}

func TestRetryAfterBodyRetryDelay(t *testing.T) {
	d := RetryAfter(&HTTPError{
		Body: `{"retry_delay": {"seconds": 7}}`,
	})
	if d != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", d)
	}
}

func TestRetryAfterBodyGoogleDetails(t *testing.T) {
	d := RetryAfter(&HTTPError{
		Body: `{"error": {"details": [{"retryDelay": "21s"}]}}`,
	})
	if d != 21*time.Second {
		t.Errorf("RetryAfter = %v, want 21s", d)
	}
}

func TestRetryAfterBodyErrorRetryAfter(t *testing.T) {
	d := RetryAfter(&HTTPError{
		Body: `{"error": {"retry_after": 45}}`,
	})
	if d != 45*time.Second {
		t.Errorf("RetryAfter = %v, want 45s", d)
	}
}

func TestRetryAfterHeaderWinsOverBody(t *testing.T) {
	d := RetryAfter(&HTTPError{
		Headers: map[string]string{"retry-after": "5"},
		Body:    `{"retry_delay": {"seconds": 60}}`,
	})
	if d != 5*time.Second {
		t.Errorf("RetryAfter = %v, want header value 5s", d)
	}
}

func TestRetryAfterNothingUsable(t *testing.T) {
	if d := RetryAfter(&HTTPError{Body: "not json"}); d != 0 {
		t.Errorf("RetryAfter = %v, want 0", d)
	}
	if d := RetryAfter(nil); d != 0 {
		t.Errorf("RetryAfter(nil) = %v, want 0", d)
	}
}
