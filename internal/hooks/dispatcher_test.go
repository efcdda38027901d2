package hooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/session"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	telemetry.SetupForTesting("test:hooks")
	m.Run()
}

func appendHeader(value string) Func {
	return func(_ context.Context, event *Event) error {
		event.Headers.Add("X-Order", value)
		return nil
	}
}

func TestRegisterUnknownStage(t *testing.T) {
	d := NewDispatcher()
	err := d.Register(Stage(42), appendHeader("a"))
	require.ErrorIs(t, err, ErrUnknownStage)
	require.NoError(t, d.Register(OnRequest, appendHeader("a")))
	require.Equal(t, 1, d.Count(OnRequest))

	_, err = d.Invoke(context.Background(), Stage(0), &Event{})
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestInvokeOrder(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register(BeforeNavigate, appendHeader("first")))
	require.NoError(t, d.Register(BeforeNavigate, appendHeader("second")))
	require.NoError(t, d.Register(AfterNavigate, appendHeader("other stage")))

	in := &Event{URL: "https://example.com", Headers: http.Header{}}
	out, err := d.Invoke(context.Background(), BeforeNavigate, in)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, out.Headers.Values("X-Order"))
	require.Equal(t, BeforeNavigate, out.Stage)
	require.Empty(t, in.Headers.Values("X-Order"))
}

func TestInvokeWithoutHooks(t *testing.T) {
	d := NewDispatcher()
	in := &Event{Cookies: []session.Cookie{{Name: "a", Value: "1"}}}
	out, err := d.Invoke(context.Background(), ContextCreated, in)
	require.NoError(t, err)
	require.Equal(t, in.Cookies, out.Cookies)
	require.NotNil(t, out.Headers)
}

func TestFailureLeavesEventUntouched(t *testing.T) {
	rec := &telemetry.Recorder{}
	d := NewDispatcher(WithTelemetry(rec))
	boom := errors.New("boom")
	require.NoError(t, d.Register(ContextCreated, appendHeader("first")))
	require.NoError(t, d.Register(ContextCreated, func(context.Context, *Event) error { return boom }))
	ran := false
	require.NoError(t, d.Register(ContextCreated, func(context.Context, *Event) error {
		ran = true
		return nil
	}))

	in := &Event{Headers: http.Header{}}
	out, err := d.Invoke(context.Background(), ContextCreated, in)
	require.Nil(t, out)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, ContextCreated, execErr.Stage)
	require.Equal(t, 1, execErr.Index)
	require.ErrorIs(t, err, boom)
	require.False(t, ran)
	require.Empty(t, in.Headers)
	require.Equal(t, 1, rec.Count("broken", report_dispatcher_invoke))
}

func TestPanickingHook(t *testing.T) {
	d := NewDispatcher(WithTelemetry(&telemetry.Recorder{}))
	require.NoError(t, d.Register(OnResponse, func(context.Context, *Event) error {
		panic("hook exploded")
	}))

	_, err := d.Invoke(context.Background(), OnResponse, &Event{})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, 0, execErr.Index)
	require.Contains(t, err.Error(), "hook exploded")
}

func TestHookTimeout(t *testing.T) {
	d := NewDispatcher(WithTelemetry(&telemetry.Recorder{}), WithTimeout(20*time.Millisecond))
	require.NoError(t, d.Register(BeforeNavigate, func(ctx context.Context, _ *Event) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	_, err := d.Invoke(context.Background(), BeforeNavigate, &Event{})
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestHookIgnoringContextStillTimesOut(t *testing.T) {
	d := NewDispatcher(WithTelemetry(&telemetry.Recorder{}), WithTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, d.Register(BeforeNavigate, func(context.Context, *Event) error {
		<-release
		return nil
	}))

	_, err := d.Invoke(context.Background(), BeforeNavigate, &Event{})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestCallerCancellation(t *testing.T) {
	d := NewDispatcher(WithTelemetry(&telemetry.Recorder{}))
	require.NoError(t, d.Register(BeforeNavigate, func(ctx context.Context, _ *Event) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Invoke(ctx, BeforeNavigate, &Event{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestHelpers(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register(ContextCreated, BearerToken("secret")))
	require.NoError(t, d.Register(ContextCreated, StaticHeaders(map[string]string{"x-tenant": "acme"})))
	require.NoError(t, d.Register(ContextCreated, StaticCookies([]session.Cookie{
		{Name: "consent", Value: "yes", Domain: "example.com", Path: "/", Expires: -1},
	}, chrono.StandardImpl{})))

	out, err := d.Invoke(context.Background(), ContextCreated, &Event{
		Cookies: []session.Cookie{{Name: "sid", Value: "1", Domain: "example.com", Path: "/", Expires: -1}},
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer secret", out.Headers.Get("Authorization"))
	require.Equal(t, "acme", out.Headers.Get("X-Tenant"))
	require.Len(t, out.Cookies, 2)

	basic := NewDispatcher()
	require.NoError(t, basic.Register(OnRequest, BasicAuth("user", "pass")))
	out, err = basic.Invoke(context.Background(), OnRequest, &Event{})
	require.NoError(t, err)
	require.Equal(t, "Basic dXNlcjpwYXNz", out.Headers.Get("Authorization"))
}

func TestStaticCookiesFollowClock(t *testing.T) {
	clock := chrono.NewSimulated(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	expires := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	d := NewDispatcher()
	require.NoError(t, d.Register(ContextCreated, StaticCookies([]session.Cookie{
		{Name: "trial", Value: "1", Domain: "example.com", Path: "/", Expires: float64(expires.Unix())},
	}, clock)))

	out, err := d.Invoke(context.Background(), ContextCreated, &Event{})
	require.NoError(t, err)
	require.Len(t, out.Cookies, 1)
	require.Equal(t, "trial", out.Cookies[0].Name)

	clock.Advance(24 * time.Hour)
	out, err = d.Invoke(context.Background(), ContextCreated, &Event{})
	require.NoError(t, err)
	require.Empty(t, out.Cookies)
}

func TestParseStage(t *testing.T) {
	for _, stage := range Stages() {
		parsed, err := ParseStage(stage.String())
		require.NoError(t, err)
		require.Equal(t, stage, parsed)
	}
	parsed, err := ParseStage("OnRequest")
	require.NoError(t, err)
	require.Equal(t, OnRequest, parsed)
	_, err = ParseStage("on_click")
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestInstrumentResty(t *testing.T) {
	var gotAuth, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if c, err := r.Cookie("consent"); err == nil {
			gotCookie = c.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "issued"})
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := NewDispatcher()
	require.NoError(t, d.Register(OnRequest, BearerToken("abc")))
	require.NoError(t, d.Register(OnRequest, StaticCookies([]session.Cookie{{Name: "consent", Value: "yes", Expires: -1}}, chrono.StandardImpl{})))

	var seen []session.Cookie
	var seenSession string
	require.NoError(t, d.Register(OnResponse, func(_ context.Context, event *Event) error {
		seen = event.Cookies
		seenSession = event.SessionID
		return nil
	}))

	client := resty.New()
	InstrumentResty(client, d, "01SESSION")
	res, err := client.R().Get(srv.URL)
	require.NoError(t, err)
	require.Equal(t, "ok", res.String())
	require.Equal(t, "Bearer abc", gotAuth)
	require.Equal(t, "yes", gotCookie)
	require.Equal(t, "01SESSION", seenSession)
	require.Len(t, seen, 1)
	require.Equal(t, "issued", seen[0].Value)
	require.Equal(t, "127.0.0.1", seen[0].Domain)
}

func TestInstrumentRestyAbortsOnHookFailure(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	d := NewDispatcher(WithTelemetry(&telemetry.Recorder{}))
	require.NoError(t, d.Register(OnRequest, func(context.Context, *Event) error {
		return errors.New("blocked")
	}))

	client := resty.New()
	InstrumentResty(client, d, "")
	_, err := client.R().Get(srv.URL)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, 0, hits)
}
