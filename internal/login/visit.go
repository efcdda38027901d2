package login

import (
	"context"
	"errors"
	"fmt"

	"authcrawl-backend/internal/session"
)

const report_runner_visit = "runner.visit"

var ErrNotAuthenticated = errors.New("session is not authenticated")

// Visit is a page opened on an authenticated session. The session stays leased until Close.
type Visit struct {
	Page    Browser
	runner  *Runner
	session *session.Session
}

func (v *Visit) SessionID() string {
	return v.session.ID()
}

// Visit restores an authenticated session and opens url with its state, going through the same hooks a login
// does. Sessions that never logged in are refused with ErrNotAuthenticated.
func (r *Runner) Visit(ctx context.Context, sessionID, url string) (*Visit, error) {
	ctx, span := tracer.Start(ctx, "login.Visit")
	defer span.End()

	s, err := r.sessions.Restore(ctx, sessionID)
	if err != nil {
		return nil, r.fail(span, err)
	}
	if !s.Authenticated() {
		r.sessions.Release(context.WithoutCancel(ctx), s)
		return nil, r.fail(span, fmt.Errorf("%s: %w", sessionID, ErrNotAuthenticated))
	}

	page, err := r.browsers(s.ID())
	if err == nil {
		err = r.prepare(ctx, s, page, url)
	}
	if err != nil {
		r.sessions.Release(context.WithoutCancel(ctx), s)
		return nil, r.fail(span, err)
	}
	return &Visit{Page: page, runner: r, session: s}, nil
}

// Close keeps the cookies the visit received, then releases the session.
func (v *Visit) Close(ctx context.Context) error {
	defer v.runner.sessions.Release(context.WithoutCancel(ctx), v.session)

	err := v.runner.sessions.SetCookies(v.session, v.Page.Cookies())
	if err == nil {
		err = v.runner.sessions.Persist(ctx, v.session)
	}
	if err != nil {
		v.runner.tel.ReportWarning(report_runner_visit, v.session.ID(), err)
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}
