package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/faults"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	cleanup := telemetry.SetupForTesting("test:provider")
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func serve(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

var testTarget = Target{
	URL:     "https://example.com/dashboard",
	Content: "Balance: 42\nDue: tomorrow",
	Links:   []string{"https://example.com/billing"},
}

func TestGeminiInvoke(t *testing.T) {
	var body map[string]any
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		body = decodeBody(t, r)
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{
			"candidates": [{
				"content": {"parts": [{"text": "` + "```json" + `\n{\"balance\": 42}\n` + "```" + `"}]},
				"groundingMetadata": {"groundingChunks": [{"web": {"uri": "https://news.example.com", "title": "News"}}]},
				"urlContextMetadata": {"urlMetadata": [{"retrievedUrl": "https://example.com/dashboard"}]}
			}],
			"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15}
		}`))
	})

	rec := &telemetry.Recorder{}
	adapter := NewGemini(Config{
		Provider:        "gemini/gemini-test",
		APIToken:        "secret",
		BaseURL:         srv.URL,
		ExtraParameters: map[string]any{"topK": 20, "unknown": true},
	}, rec)
	result, err := adapter.Invoke(context.Background(), Request{
		Target:       testTarget,
		Instruction:  "What is the balance?",
		Capabilities: []Capability{StructuredOutput, URLContext},
		ExtraParameters: map[string]any{
			"enableGrounding": true,
			"topP":            0.5,
		},
	})
	require.NoError(t, err)

	require.JSONEq(t, `{"balance": 42}`, string(result.Structured))
	require.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, result.Usage)
	require.Equal(t, "gemini", result.Provider)
	require.Equal(t, "gemini-test", result.Model)
	if diff := cmp.Diff([]Source{
		{Title: "News", URL: "https://news.example.com"},
		{URL: "https://example.com/dashboard"},
	}, result.Sources); diff != "" {
		t.Fatal(diff)
	}

	generation := body["generationConfig"].(map[string]any)
	require.Equal(t, 20.0, generation["topK"])
	require.Equal(t, 0.5, generation["topP"])
	require.Equal(t, "application/json", generation["responseMimeType"])
	require.NotContains(t, generation, "unknown")
	require.Equal(t, []any{
		map[string]any{"url_context": map[string]any{}},
		map[string]any{"google_search": map[string]any{}},
	}, body["tools"])

	require.Positive(t, rec.Count("debug", "resty.request"))
}

func TestErrorNormalization(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		header    http.Header
		body      string
		check     func(t *testing.T, err error)
		transient bool
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": {"7"}},
			body:   `{"error": {"message": "quota exceeded"}}`,
			check: func(t *testing.T, err error) {
				var rateErr *faults.RateLimitError
				require.ErrorAs(t, err, &rateErr)
				require.Equal(t, 7*time.Second, rateErr.RetryAfter)
				require.Equal(t, "quota exceeded", rateErr.Reason)
			},
			transient: true,
		},
		{
			name:   "server error",
			status: http.StatusServiceUnavailable,
			body:   `{"error": "overloaded"}`,
			check: func(t *testing.T, err error) {
				var providerErr *faults.ProviderError
				require.ErrorAs(t, err, &providerErr)
				require.Equal(t, 503, providerErr.StatusCode)
				require.ErrorContains(t, err, "overloaded")
			},
			transient: true,
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error": {"message": "model not found"}}`,
			check: func(t *testing.T, err error) {
				var providerErr *faults.ProviderError
				require.ErrorAs(t, err, &providerErr)
				require.Equal(t, 400, providerErr.StatusCode)
				require.ErrorContains(t, err, "model not found")
			},
		},
		{
			name:   "malformed",
			status: http.StatusOK,
			body:   `<html>gateway</html>`,
			check: func(t *testing.T, err error) {
				var providerErr *faults.ProviderError
				require.ErrorAs(t, err, &providerErr)
				require.ErrorContains(t, err, "malformed response")
			},
			transient: true,
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"choices": []}`,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, errNoCandidates)
			},
			transient: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
				for key, values := range tc.header {
					w.Header()[key] = values
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			adapter := NewOpenAI(Config{Provider: "openai/gpt-test", APIToken: "secret", BaseURL: srv.URL}, &telemetry.Recorder{})
			_, err := adapter.Invoke(context.Background(), Request{Instruction: "x"})
			require.Error(t, err)
			tc.check(t, err)
			require.Equal(t, tc.transient, faults.IsTransient(err))
		})
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	adapter := NewZhipu(Config{Provider: "zhipu/glm-test", APIToken: "secret", BaseURL: srv.URL}, &telemetry.Recorder{})
	_, err := adapter.Invoke(context.Background(), Request{Instruction: "x"})
	require.Error(t, err)
	require.True(t, faults.IsTransient(err))
}

func TestCancellationPassesThrough(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	adapter := NewOpenAI(Config{Provider: "openai/gpt-test", APIToken: "secret", BaseURL: srv.URL}, &telemetry.Recorder{})
	_, err := adapter.Invoke(ctx, Request{Instruction: "x"})
	require.ErrorIs(t, err, context.Canceled)
	var providerErr *faults.ProviderError
	require.False(t, errors.As(err, &providerErr))
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 3*time.Second, retryAfter("3", now))
	require.Equal(t, 90*time.Second, retryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	require.Zero(t, retryAfter("", now))
	require.Zero(t, retryAfter("soon", now))
	require.Zero(t, retryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestOpenAIRequest(t *testing.T) {
	var body map[string]any
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("authorization"))
		body = decodeBody(t, r)
		w.Write([]byte(`{
			"model": "gpt-test",
			"choices": [{"message": {"role": "assistant", "content": "{\"due\": \"tomorrow\"}"}}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 6, "total_tokens": 36}
		}`))
	})

	adapter := NewOpenAI(Config{
		Provider:        "openai/gpt-test",
		APIToken:        "secret",
		BaseURL:         srv.URL,
		ExtraParameters: map[string]any{"seed": 7, "topK": 3},
	}, &telemetry.Recorder{})
	require.True(t, adapter.Supports(StructuredOutput))
	require.False(t, adapter.Supports(URLContext))

	result, err := adapter.Invoke(context.Background(), Request{
		Target:          testTarget,
		Instruction:     "When is it due?",
		Temperature:     Temperature(0.2),
		Capabilities:    []Capability{StructuredOutput},
		Schema:          json.RawMessage(`{"type": "object"}`),
		ExtraParameters: map[string]any{"max_tokens": 100},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"due": "tomorrow"}`, string(result.Structured))
	require.Equal(t, 36, result.Usage.TotalTokens)

	require.Equal(t, "gpt-test", body["model"])
	require.Equal(t, 0.2, body["temperature"])
	require.Equal(t, 7.0, body["seed"])
	require.Equal(t, 100.0, body["max_tokens"])
	require.NotContains(t, body, "topK")
	require.NotContains(t, body, "tools")
	format := body["response_format"].(map[string]any)
	require.Equal(t, "json_schema", format["type"])

	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	user := messages[1].(map[string]any)["content"].(string)
	require.Contains(t, user, "Balance: 42")
	require.Contains(t, user, "https://example.com/billing")
}

func TestZhipuSearchGrounding(t *testing.T) {
	var body map[string]any
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		body = decodeBody(t, r)
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "GLM answer"}}],
			"web_search": [{"title": "Docs", "link": "https://docs.example.com"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3}
		}`))
	})

	adapter := NewZhipu(Config{Provider: "zhipu/glm-4-flash", APIToken: "secret", BaseURL: srv.URL}, &telemetry.Recorder{})
	require.True(t, adapter.Supports(SearchGrounding))
	require.False(t, adapter.Supports(URLContext))

	result, err := adapter.Invoke(context.Background(), Request{
		Instruction:     "Summarize",
		Capabilities:    []Capability{SearchGrounding},
		ExtraParameters: map[string]any{"do_sample": false, "seed": 1},
	})
	require.NoError(t, err)
	require.Equal(t, "GLM answer", result.Content)
	require.Equal(t, []Source{{Title: "Docs", URL: "https://docs.example.com"}}, result.Sources)
	require.Nil(t, result.Structured)

	require.Equal(t, "glm-4-flash", body["model"])
	require.Equal(t, false, body["do_sample"])
	require.NotContains(t, body, "seed")
	tools := body["tools"].([]any)
	require.Equal(t, "web_search", tools[0].(map[string]any)["type"])
}

func TestStaticIsDeterministic(t *testing.T) {
	adapter := NewStatic(Config{Provider: "static/echo"})
	req := Request{
		Target:       testTarget,
		Instruction:  "Extract the balance",
		Capabilities: []Capability{StructuredOutput},
	}

	first, err := adapter.Invoke(context.Background(), req)
	require.NoError(t, err)
	second, err := adapter.Invoke(context.Background(), req)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatal(diff)
	}
	require.Contains(t, first.Content, "Extract the balance")
	require.Contains(t, first.Content, "Balance: 42")
	require.True(t, json.Valid(first.Structured))
	require.Equal(t, first.Usage.PromptTokens+first.Usage.CompletionTokens, first.Usage.TotalTokens)

	fixed := NewStatic(Config{Provider: "static/fixed", ExtraParameters: map[string]any{"output": "ok"}})
	result, err := fixed.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "ok", result.Content)
	require.False(t, fixed.Supports(SearchGrounding))
}

func TestConfigToken(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-vendor-env")
	t.Setenv("CUSTOM_TOKEN", "from-custom-env")

	require.Equal(t, "from-vendor-env", Config{Provider: "gemini/x"}.Token())
	require.Equal(t, "from-custom-env", Config{Provider: "gemini/x", APITokenEnv: "CUSTOM_TOKEN"}.Token())
	require.Equal(t, "explicit", Config{Provider: "gemini/x", APIToken: "explicit"}.Token())

	t.Setenv("OPENAI_API_KEY", "")
	err := Config{Provider: "openai/gpt-4o-mini"}.Validate()
	require.ErrorContains(t, err, "OPENAI_API_KEY")
	require.NoError(t, Config{Provider: "static/echo"}.Validate())
	require.Error(t, Config{Provider: "static/echo", Temperature: 2.5}.Validate())
	require.Error(t, Config{Provider: "gemini"}.Validate())
}

func TestConfigRedactsToken(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&out, nil))
	logger.Info("provider", "config", Config{Provider: "gemini/x", APIToken: "tok-very-secret"})

	require.NotContains(t, out.String(), "tok-very-secret")
	require.Contains(t, out.String(), "REDACTED")
	require.Contains(t, out.String(), "gemini/x")
}

func TestParseProvider(t *testing.T) {
	vendor, model, err := ParseProvider("Gemini/models/gemini-2.0-flash")
	require.NoError(t, err)
	require.Equal(t, "gemini", vendor)
	require.Equal(t, "models/gemini-2.0-flash", model)

	_, _, err = ParseProvider("gemini/")
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Setenv("ZHIPUAI_API_KEY", "zhipu-secret")
	rec := &telemetry.Recorder{}
	registry, err := BuildRegistry([]Config{{Provider: "zhipu/glm-4-flash"}}, rec)
	require.NoError(t, err)
	require.Equal(t, []string{"static", "zhipu"}, registry.IDs())

	adapter, err := registry.Get("zhipu/glm-4-plus")
	require.NoError(t, err)
	require.Equal(t, "zhipu", adapter.ID())

	_, err = registry.Get("zhipuu")
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.ErrorContains(t, err, `did you mean "zhipu"`)

	_, err = registry.Get("anthropic")
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.NotContains(t, err.Error(), "did you mean")

	t.Setenv("GEMINI_API_KEY", "")
	_, err = BuildRegistry([]Config{{Provider: "gemini/gemini-2.0-flash"}, {Provider: "mistral/large"}}, rec)
	require.ErrorContains(t, err, "GEMINI_API_KEY")
	require.ErrorContains(t, err, "mistral/large")
	require.Equal(t, 2, rec.Count("broken", report_registry_build))
}

func TestConfiguredTemperature(t *testing.T) {
	cases := []struct {
		name        string
		build       func(Config) Adapter
		response    string
		temperature func(body map[string]any) any
	}{
		{
			name:     "gemini",
			build:    func(c Config) Adapter { return NewGemini(c, &telemetry.Recorder{}) },
			response: `{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`,
			temperature: func(body map[string]any) any {
				return body["generationConfig"].(map[string]any)["temperature"]
			},
		},
		{
			name:        "openai",
			build:       func(c Config) Adapter { return NewOpenAI(c, &telemetry.Recorder{}) },
			response:    `{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`,
			temperature: func(body map[string]any) any { return body["temperature"] },
		},
		{
			name:        "zhipu",
			build:       func(c Config) Adapter { return NewZhipu(c, &telemetry.Recorder{}) },
			response:    `{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`,
			temperature: func(body map[string]any) any { return body["temperature"] },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body map[string]any
			srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
				body = decodeBody(t, r)
				w.Header().Set("content-type", "application/json")
				w.Write([]byte(tc.response))
			})
			adapter := tc.build(Config{
				Provider:    tc.name + "/test-model",
				APIToken:    "secret",
				BaseURL:     srv.URL,
				Temperature: 0.7,
			})

			_, err := adapter.Invoke(context.Background(), Request{Target: testTarget, Instruction: "x"})
			require.NoError(t, err)
			require.Equal(t, 0.7, tc.temperature(body))

			_, err = adapter.Invoke(context.Background(), Request{
				Target:      testTarget,
				Instruction: "x",
				Temperature: Temperature(0),
			})
			require.NoError(t, err)
			require.Equal(t, 0.0, tc.temperature(body))
		})
	}
}

func TestRequestValidate(t *testing.T) {
	require.NoError(t, Request{Instruction: "x", Temperature: Temperature(2)}.Validate())
	require.Error(t, Request{}.Validate())
	require.Error(t, Request{Instruction: "x", Temperature: Temperature(-0.1)}.Validate())
	require.Equal(t, 0.4, Request{}.TemperatureOr(0.4))
	require.Equal(t, 0.0, Request{Temperature: Temperature(0)}.TemperatureOr(0.4))
	require.Error(t, Request{Instruction: "x", Schema: json.RawMessage(`{`)}.Validate())
	require.Error(t, Request{Instruction: "x", Capabilities: []Capability{"telepathy"}}.Validate())
}
