package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"rate limit", &RateLimitError{Provider: "openai", Reason: "429"}, true},
		{"wrapped rate limit", fmt.Errorf("attempt 1: %w", &RateLimitError{Provider: "openai"}), true},
		{"server error", &ProviderError{Provider: "gemini", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}, true},
		{"bad request", &ProviderError{Provider: "gemini", StatusCode: 400, Err: errors.New("bad")}, false},
		{"unsupported", &UnsupportedCapabilityError{Provider: "openai", Capability: "url_context"}, false},
		{"deadline", fmt.Errorf("invoke: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"network timeout", timeoutErr{}, true},
		{"other", errors.New("boom"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.transient, IsTransient(c.err))
		})
	}
}

func TestMessages(t *testing.T) {
	err := &ProviderError{Provider: "zhipu", Model: "glm-4", StatusCode: 500, Attempts: 3, Transient: true, Err: errors.New("overloaded")}
	require.Equal(t, "zhipu/glm-4: status 500: failed after 3 attempts: overloaded", err.Error())

	rl := &RateLimitError{Provider: "gemini", Reason: "quota", RetryAfter: 2 * time.Second}
	require.Equal(t, "gemini: rate limited: quota (retry after 2s)", rl.Error())
	require.Equal(t, 2*time.Second, RetryAfter(fmt.Errorf("x: %w", rl)))
	require.Zero(t, RetryAfter(errors.New("x")))
}
