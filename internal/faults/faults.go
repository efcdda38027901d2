// Package faults holds the errors shared by providers, the rate limiter and the extraction orchestrator, and
// the one classifier that decides what is worth retrying.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RateLimitError means a provider refused the call, either because its own limit answered 429 or because the
// local limiter or breaker would not allow it.
type RateLimitError struct {
	Provider string
	// RetryAfter is how long the provider or limiter asked to wait, zero when unknown.
	RetryAfter time.Duration
	Reason     string
	Cause      error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s: rate limited: %s", e.Provider, e.Reason)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error {
	return e.Cause
}

// ProviderError is a failed provider call. Transient errors are worth retrying, the others are not.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	// Attempts is set once the orchestrator has given up, it is zero for errors straight from an adapter.
	Attempts  int
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := e.Provider
	if e.Model != "" {
		msg += "/" + e.Model
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(": failed after %d attempts", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// UnsupportedCapabilityError means a request asked a provider for something it cannot do.
type UnsupportedCapabilityError struct {
	Provider   string
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Provider, e.Capability)
}

// IsTransient reports whether retrying the call that produced err may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var unsupported *UnsupportedCapabilityError
	if errors.As(err, &unsupported) {
		return false
	}
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return true
	}
	var provider *ProviderError
	if errors.As(err, &provider) {
		return provider.Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// RetryAfter returns the wait a rate limit error asked for, if any.
func RetryAfter(err error) time.Duration {
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return rateLimited.RetryAfter
	}
	return 0
}
