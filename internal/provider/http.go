package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/faults"

	"github.com/go-resty/resty/v2"
)

func newHTTPClient(baseURL string, timeout time.Duration, tel telemetry.API) *resty.Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("content-type", "application/json")
	telemetry.InstrumentResty(client, tel)
	return client
}

// classify turns a failed call into the shared error taxonomy: 429 is a rate limit, 5xx and transport
// failures are transient, other 4xx are permanent. Caller cancellation is passed through untouched.
func classify(provider, model string, res *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &faults.ProviderError{
			Provider:  provider,
			Model:     model,
			Transient: true,
			Err:       err,
		}
	}

	status := res.StatusCode()
	if status < 400 {
		return nil
	}
	message := errorMessage(res.Body())
	if status == http.StatusTooManyRequests {
		return &faults.RateLimitError{
			Provider:   provider,
			RetryAfter: retryAfter(res.Header().Get("Retry-After"), time.Now()),
			Reason:     message,
		}
	}
	return &faults.ProviderError{
		Provider:   provider,
		Model:      model,
		StatusCode: status,
		Transient:  status >= 500,
		Err:        errors.New(message),
	}
}

func malformed(provider, model string, err error) error {
	return &faults.ProviderError{
		Provider:  provider,
		Model:     model,
		Transient: true,
		Err:       fmt.Errorf("malformed response: %w", err),
	}
}

// errorMessage digs the human readable message out of the error bodies vendors send.
func errorMessage(body []byte) string {
	var parsed struct {
		Error json.RawMessage `json:"error"`
		// some gateways answer with a top level message
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(parsed.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if json.Unmarshal(parsed.Error, &plain) == nil && plain != "" {
			return plain
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return "empty error response"
	}
	return text
}

// retryAfter parses a Retry-After header, which is either seconds or an http date.
func retryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
