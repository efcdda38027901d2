package commands

import (
	"context"
	"database/sql"
	"errors"

	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/db"
	"authcrawl-backend/internal/extraction"
	"authcrawl-backend/internal/hooks"
	"authcrawl-backend/internal/interpreter"
	"authcrawl-backend/internal/login"
	"authcrawl-backend/internal/monitor"
	"authcrawl-backend/internal/provider"
	"authcrawl-backend/internal/ratelimit"
	"authcrawl-backend/internal/session"
)

// app holds the services a command needs, built from the loaded configuration.
type app struct {
	db         *sql.DB
	tel        telemetry.API
	clock      chrono.StandardImpl
	sessions   *session.Manager
	dispatcher *hooks.Dispatcher
	runner     *login.Runner
	browsers   login.BrowserFactory
	extraction *extraction.Orchestrator
	limiter    *ratelimit.Limiter
}

func openApp(ctx context.Context) (*app, error) {
	clock, err := chrono.NewStandardImpl(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	a := &app{tel: telemetry.SlogAPI{}, clock: clock}

	a.db, err = db.Open(ctx, cfg.Sessions.Database)
	if err != nil {
		return nil, err
	}
	a.sessions, err = session.NewManager(a.db, cfg.SessionConfig(), session.WithClock(clock), session.WithTelemetry(a.tel))
	if err != nil {
		return nil, errors.Join(err, a.db.Close())
	}

	a.dispatcher = hooks.NewDispatcher(append(cfg.DispatcherOptions(), hooks.WithTelemetry(a.tel))...)
	err = cfg.RegisterHooks(a.dispatcher, clock)
	if err != nil {
		return nil, errors.Join(err, a.db.Close())
	}

	interp := interpreter.New(append(
		cfg.InterpreterOptions(),
		interpreter.WithClock(clock),
		interpreter.WithTelemetry(a.tel),
	)...)
	a.browsers = login.HTTPBrowsers(a.dispatcher, a.tel)
	a.runner = login.NewRunner(a.sessions, a.dispatcher, interp,
		login.WithClock(clock),
		login.WithTelemetry(a.tel),
		login.WithBrowsers(a.browsers),
	)
	return a, nil
}

// withExtraction builds the provider registry and the orchestrator, only the commands that call providers
// need api tokens.
func (a *app) withExtraction() error {
	registry, err := provider.BuildRegistry(cfg.Providers, a.tel)
	if err != nil {
		return err
	}
	a.limiter = ratelimit.New(cfg.RateLimitConfig(), ratelimit.WithClock(a.clock), ratelimit.WithTelemetry(a.tel))
	a.extraction = extraction.New(registry, a.limiter, cfg.ExtractionConfig(),
		extraction.WithClock(a.clock),
		extraction.WithTelemetry(a.tel),
	)
	return nil
}

func (a *app) fetcher() monitor.PageFetcher {
	return monitor.PageFetcher{Runner: a.runner, Browsers: a.browsers}
}

func (a *app) Close() error {
	return a.db.Close()
}
