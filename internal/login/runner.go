// Package login authenticates sessions by running login scripts against a page.
package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"authcrawl-backend/internal/components/assert"
	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/hooks"
	"authcrawl-backend/internal/interpreter"
	"authcrawl-backend/internal/script"
	"authcrawl-backend/internal/session"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("authcrawl.internal.login")

const (
	report_runner_run   = "runner.run"
	report_runner_retry = "runner.retry"
)

type Request struct {
	// SessionID restores an existing session, a new one is created when it is empty.
	SessionID string
	// Label names a newly created session.
	Label    string
	URL      string
	Script   *script.Script
	Bindings interpreter.Bindings
}

type Result struct {
	SessionID string
	// URL is where the page ended up after the script ran.
	URL   string
	Stats interpreter.Stats
	// Page stays usable after the run, with the authenticated state loaded.
	Page Browser
	// Attempts is how many times the login was run, always 1 for Run.
	Attempts int
}

type Runner struct {
	sessions *session.Manager
	hooks    *hooks.Dispatcher
	interp   *interpreter.Interpreter
	browsers BrowserFactory
	tel      telemetry.API
	time     chrono.API
}

type Option func(r *Runner)

func WithTelemetry(tel telemetry.API) Option {
	return func(r *Runner) {
		assert.NotNil(tel)
		r.tel = tel
	}
}

func WithClock(clock chrono.API) Option {
	return func(r *Runner) {
		assert.NotNil(clock)
		r.time = clock
	}
}

func WithBrowsers(browsers BrowserFactory) Option {
	return func(r *Runner) {
		assert.NotNil(browsers)
		r.browsers = browsers
	}
}

func NewRunner(
	sessions *session.Manager,
	dispatcher *hooks.Dispatcher,
	interp *interpreter.Interpreter,
	opts ...Option,
) *Runner {
	assert.NotNil(sessions)
	assert.NotNil(dispatcher)
	assert.NotNil(interp)

	r := &Runner{
		sessions: sessions,
		hooks:    dispatcher,
		interp:   interp,
		tel:      telemetry.SlogAPI{},
		time:     chrono.StandardImpl{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.browsers == nil {
		r.browsers = HTTPBrowsers(dispatcher, r.tel)
	}
	r.tel = telemetry.NewScopedAPI("login", r.tel)
	return r
}

// Run acquires the session, prepares a page with its state, runs the script and, only if the script succeeds,
// persists the resulting state as authenticated. The session is released before returning either way.
//
// The returned result is non-nil whenever a session was acquired, so a failed login still reports which session
// it used.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	assert.NotNil(req.Script)
	assert.NotEmptyStr(req.URL)

	ctx, span := tracer.Start(ctx, "login.Run", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
	))
	defer span.End()

	s, err := r.acquire(ctx, req)
	if err != nil {
		return nil, r.fail(span, err)
	}
	defer r.sessions.Release(context.WithoutCancel(ctx), s)
	span.SetAttributes(attribute.String("session_id", s.ID()))

	result := &Result{SessionID: s.ID(), Attempts: 1}
	page, err := r.browsers(s.ID())
	if err != nil {
		return result, r.fail(span, fmt.Errorf("open page: %w", err))
	}
	result.Page = page

	err = r.prepare(ctx, s, page, req.URL)
	if err != nil {
		return result, r.fail(span, err)
	}

	result.Stats, err = r.interp.Run(ctx, req.Script, page, req.Bindings)
	result.URL = page.URL()
	if err != nil {
		if revokeErr := r.revoke(ctx, s); revokeErr != nil {
			err = errors.Join(err, revokeErr)
		}
		return result, r.fail(span, err)
	}

	err = r.sessions.SetCookies(s, page.Cookies())
	if err == nil {
		err = r.sessions.MarkAuthenticated(s, true)
	}
	if err == nil {
		err = r.sessions.Persist(ctx, s)
	}
	if err != nil {
		return result, r.fail(span, fmt.Errorf("persist session: %w", err))
	}
	return result, nil
}

// revoke clears the authenticated flag of a session whose login script failed, its stored state may no longer be
// logged in. Cookies are left as they were restored.
func (r *Runner) revoke(ctx context.Context, s *session.Session) error {
	if !s.Authenticated() {
		return nil
	}
	err := r.sessions.MarkAuthenticated(s, false)
	if err == nil {
		err = r.sessions.Persist(context.WithoutCancel(ctx), s)
	}
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (r *Runner) acquire(ctx context.Context, req Request) (*session.Session, error) {
	if req.SessionID != "" {
		return r.sessions.Restore(ctx, req.SessionID)
	}
	return r.sessions.Create(ctx, session.CreateOptions{Label: req.Label})
}

// prepare loads the session's state into the page through the ContextCreated hooks and navigates to the
// starting url through the navigation hooks.
func (r *Runner) prepare(ctx context.Context, s *session.Session, page Browser, url string) error {
	created, err := r.hooks.Invoke(ctx, hooks.ContextCreated, &hooks.Event{
		SessionID: s.ID(),
		Headers:   http.Header{},
		Cookies:   s.Cookies(),
	})
	if err != nil {
		return err
	}
	page.AddCookies(created.Cookies)
	page.SetExtraHeaders(created.Headers)

	before, err := r.hooks.Invoke(ctx, hooks.BeforeNavigate, &hooks.Event{
		SessionID: s.ID(),
		URL:       url,
		Headers:   http.Header{},
		Cookies:   page.Cookies(),
	})
	if err != nil {
		return err
	}
	page.SetExtraHeaders(before.Headers)
	page.AddCookies(before.Cookies)

	err = page.Navigate(ctx, before.URL)
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", telemetry.RedactURL(before.URL), err)
	}

	_, err = r.hooks.Invoke(ctx, hooks.AfterNavigate, &hooks.Event{
		SessionID: s.ID(),
		URL:       page.URL(),
		Headers:   http.Header{},
		Cookies:   page.Cookies(),
	})
	return err
}

func (r *Runner) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var conflict *session.ConflictError
	var expired *session.ExpiredError
	if interpreter.Retryable(err) || errors.As(err, &conflict) || errors.As(err, &expired) {
		r.tel.ReportWarning(report_runner_run, err)
	} else {
		r.tel.ReportBroken(report_runner_run, err)
	}
	return err
}

// RetryPolicy controls RunWithRetry. Only failures the script may recover from on another try are retried,
// see interpreter.Retryable.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 2 * time.Second,
	MaxInterval:     30 * time.Second,
}

// RunWithRetry runs the login until it succeeds, fails permanently or runs out of attempts. Every attempt after
// the first reuses the session the first attempt acquired.
func (r *Runner) RunWithRetry(ctx context.Context, req Request, policy RetryPolicy) (*Result, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}

	policyBackoff := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		policyBackoff.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		policyBackoff.MaxInterval = policy.MaxInterval
	}
	policyBackoff.MaxElapsedTime = 0
	policyBackoff.Clock = r.time

	b := backoff.WithContext(backoff.WithMaxRetries(policyBackoff, uint64(policy.MaxAttempts-1)), ctx)

	attempts := 0
	var last *Result
	err := backoff.RetryNotifyWithTimer(
		func() error {
			attempts++
			result, err := r.Run(ctx, req)
			if result != nil {
				last = result
				req.SessionID = result.SessionID
			}
			if err != nil && !interpreter.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		b,
		func(err error, wait time.Duration) {
			r.tel.ReportWarning(report_runner_retry, err, attempts, wait.String())
		},
		chrono.NewTimer(r.time),
	)
	if last != nil {
		last.Attempts = attempts
	}
	return last, err
}
