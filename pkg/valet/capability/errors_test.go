package capability

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		expected ErrorKind
	}{
		{"rate limit 429", 429, `{"error": "Rate limit exceeded"}`, KindRateLimited},
		{"rate limit in body", 400, `{"error": {"code": "rate_limited"}}`, KindRateLimited},
		{"server error 500", 500, "", KindTransient},
		{"bad gateway 502", 502, "", KindTransient},
		{"service unavailable 503", 503, "", KindTransient},
		{"auth 401", 401, `{"error": "Invalid API key"}`, KindAuthRequired},
		{"forbidden 403", 403, "", KindAuthRequired},
		{"auth code in body", 400, `{"error": {"code": "auth_required"}}`, KindAuthRequired},
		{"timeout in body", 400, `{"error": "upstream timed out"}`, KindTimeout},
		{"plain bad request", 400, `{"error": "invalid recipient"}`, KindPermanent},
		{"not found", 404, "", KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyStatus(tt.status, tt.body); got != tt.expected {
				t.Errorf("classifyStatus(%d, %q) = %s, want %s", tt.status, tt.body, got, tt.expected)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	classified := NewError("mail", KindRateLimited, "slow down", nil)
	wrapped := fmt.Errorf("perform action: %w", classified)
	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("KindOf(wrapped) = %s, want rate_limited", got)
	}

	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("KindOf(DeadlineExceeded) = %s, want timeout", got)
	}

	if got := KindOf(errors.New("something else")); got != KindPermanent {
		t.Errorf("KindOf(unclassified) = %s, want permanent", got)
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind      ErrorKind
		retryable bool
	}{
		{KindTransient, true},
		{KindRateLimited, true},
		{KindTimeout, true},
		{KindAuthRequired, false},
		{KindMalformed, false},
		{KindPermanent, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.retryable {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.retryable)
		}
	}
}
