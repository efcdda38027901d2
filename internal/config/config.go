// Package config is the authcrawl configuration file, read with configutil and turned into the option structs
// of the packages it configures.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/db"
	"authcrawl-backend/internal/extraction"
	"authcrawl-backend/internal/hooks"
	"authcrawl-backend/internal/interpreter"
	"authcrawl-backend/internal/monitor"
	"authcrawl-backend/internal/provider"
	"authcrawl-backend/internal/ratelimit"
	"authcrawl-backend/internal/script"
	"authcrawl-backend/internal/session"
	"authcrawl-backend/pkg/configutil"
)

// DefaultFile is looked for in the working directory and its parents.
const DefaultFile = "authcrawl.json5"

type Sessions struct {
	Dir           string    `json:"dir"`
	TTLHours      float64   `json:"ttl_hours"`
	LeaseMinutes  int       `json:"lease_minutes"`
	SweepSchedule string    `json:"sweep_schedule"`
	Database      db.Config `json:"database"`
}

type Script struct {
	DefaultWaitTimeoutSeconds int `json:"default_wait_timeout_seconds"`
	MaxCallDepth              int `json:"max_call_depth"`
	ProbeWindowMs             int `json:"probe_window_ms"`
	PollIntervalMs            int `json:"poll_interval_ms"`
}

type BasicAuth struct {
	Username    string `json:"username"`
	PasswordEnv string `json:"password_env"`
}

// Hooks are static credentials injected into every page when its context is created.
type Hooks struct {
	TimeoutSeconds int               `json:"timeout_seconds"`
	Headers        map[string]string `json:"headers"`
	Cookies        []session.Cookie  `json:"cookies"`
	BearerTokenEnv string            `json:"bearer_token_env"`
	BasicAuth      *BasicAuth        `json:"basic_auth"`
}

type Limits struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

type RateLimit struct {
	RequestsPerSecond float64           `json:"requests_per_second"`
	Burst             int               `json:"burst"`
	MaxWaitSeconds    int               `json:"max_wait_seconds"`
	FailureThreshold  int               `json:"failure_threshold"`
	CooldownSeconds   int               `json:"cooldown_seconds"`
	Providers         map[string]Limits `json:"providers"`
}

type Extraction struct {
	MaxAttempts           int     `json:"max_attempts"`
	BaseDelayMs           int     `json:"base_delay_ms"`
	MaxDelayMs            int     `json:"max_delay_ms"`
	Jitter                float64 `json:"jitter"`
	Workers               int     `json:"workers"`
	AttemptTimeoutSeconds int     `json:"attempt_timeout_seconds"`
}

type Monitor struct {
	Schedule        string             `json:"schedule"`
	Smtp            monitor.SmtpConfig `json:"smtp"`
	SmtpPasswordEnv string             `json:"smtp_password_env"`
	To              []string           `json:"to"`
	Jobs            []monitor.Job      `json:"jobs"`
}

type Log struct {
	Debug bool `json:"debug"`
	JSON  bool `json:"json"`
}

type Config struct {
	// Timezone schedules are interpreted in, UTC when empty.
	Timezone   string            `json:"timezone"`
	Sessions   Sessions          `json:"sessions"`
	Script     Script            `json:"script"`
	Hooks      Hooks             `json:"hooks"`
	RateLimit  RateLimit         `json:"rate_limit"`
	Extraction Extraction        `json:"extraction"`
	Providers  []provider.Config `json:"providers"`
	Monitor    Monitor           `json:"monitor"`
	Telemetry  telemetry.Config  `json:"telemetry"`
	Log        Log               `json:"log"`
}

func Defaults() Config {
	return Config{
		Sessions: Sessions{
			Dir:           ".authcrawl/sessions",
			TTLHours:      24 * 7,
			LeaseMinutes:  30,
			SweepSchedule: "@hourly",
			Database:      db.Config{File: ".authcrawl/index.db"},
		},
		Script: Script{
			DefaultWaitTimeoutSeconds: 10,
			MaxCallDepth:              32,
			ProbeWindowMs:             2000,
			PollIntervalMs:            250,
		},
		Hooks: Hooks{TimeoutSeconds: 15},
		RateLimit: RateLimit{
			RequestsPerSecond: 1,
			Burst:             1,
			MaxWaitSeconds:    30,
			FailureThreshold:  3,
			CooldownSeconds:   60,
		},
		Extraction: Extraction{
			MaxAttempts:           3,
			BaseDelayMs:           1000,
			MaxDelayMs:            30000,
			Jitter:                0.2,
			Workers:               4,
			AttemptTimeoutSeconds: 120,
		},
		Monitor: Monitor{
			Schedule:        "@every 1h",
			SmtpPasswordEnv: "AUTHCRAWL_SMTP_PASSWORD",
		},
	}
}

// Load reads the configuration at path, or finds DefaultFile when path is empty. A missing DefaultFile is not
// an error, the defaults are used. Local overrides (<name>.local.<ext>) are merged over the file.
func Load(path string) (Config, error) {
	loaded, err := configutil.Load(cmp.Or(path, DefaultFile), configutil.Options[Config]{
		Defaults: Defaults(),
		Search:   path == "",
		Optional: path == "",
	})
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	for _, ref := range loaded.Unset {
		slog.Warn("config: environment variable is not set", "field", ref.Field, "env", ref.Name)
	}
	return loaded.Value, nil
}

// EnvRefs are the secrets read from the environment. Hook credentials are required, every page would be
// fetched without them.
func (c Config) EnvRefs() []configutil.EnvRef {
	refs := []configutil.EnvRef{
		{Field: "hooks.bearer_token_env", Name: c.Hooks.BearerTokenEnv, Required: true},
	}
	if c.Hooks.BasicAuth != nil {
		refs = append(refs, configutil.EnvRef{
			Field:    "hooks.basic_auth.password_env",
			Name:     c.Hooks.BasicAuth.PasswordEnv,
			Required: true,
		})
	}
	for i, p := range c.Providers {
		if p.APIToken != "" {
			continue
		}
		refs = append(refs, configutil.EnvRef{
			Field: fmt.Sprintf("providers[%d].api_token_env", i),
			Name:  p.APITokenEnv,
		})
	}
	if c.Monitor.Smtp.Server != "" {
		refs = append(refs, configutil.EnvRef{Field: "monitor.smtp_password_env", Name: c.Monitor.SmtpPasswordEnv})
	}
	return refs
}

func (c Config) Validate() error {
	var errs []error
	if c.Sessions.Dir == "" {
		errs = append(errs, errors.New("sessions.dir is empty"))
	}
	if c.Extraction.Jitter < 0 || c.Extraction.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("extraction.jitter %v is outside [0, 1)", c.Extraction.Jitter))
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second must be positive"))
	}
	for name, limits := range c.RateLimit.Providers {
		if limits.RequestsPerSecond <= 0 || limits.Burst <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.providers.%s needs a positive rate and burst", name))
		}
	}
	if c.Hooks.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("hooks.timeout_seconds must be positive"))
	}
	if c.Hooks.BasicAuth != nil && c.Hooks.BasicAuth.Username == "" {
		errs = append(errs, errors.New("hooks.basic_auth.username is empty"))
	}
	for _, cookie := range c.Hooks.Cookies {
		if cookie.Name == "" || cookie.Domain == "" {
			errs = append(errs, fmt.Errorf("hooks.cookies: cookie %q needs a name and a domain", cookie.Name))
		}
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (c Config) SessionConfig() session.Config {
	dir, err := filepath.Abs(c.Sessions.Dir)
	if err != nil {
		dir = c.Sessions.Dir
	}
	return session.Config{
		Dir:           dir,
		TTL:           time.Duration(c.Sessions.TTLHours * float64(time.Hour)),
		LeaseDuration: time.Duration(c.Sessions.LeaseMinutes) * time.Minute,
	}
}

func (c Config) ScriptOptions() []script.Option {
	return []script.Option{
		script.WithDefaultWaitTimeout(seconds(c.Script.DefaultWaitTimeoutSeconds)),
	}
}

func (c Config) InterpreterOptions() []interpreter.Option {
	return []interpreter.Option{
		interpreter.WithMaxDepth(c.Script.MaxCallDepth),
		interpreter.WithProbeWindow(millis(c.Script.ProbeWindowMs)),
		interpreter.WithPollInterval(millis(c.Script.PollIntervalMs)),
	}
}

func (c Config) RateLimitConfig() ratelimit.Config {
	out := ratelimit.Config{
		Default: ratelimit.Limits{
			RequestsPerSecond: c.RateLimit.RequestsPerSecond,
			Burst:             c.RateLimit.Burst,
		},
		Providers:        map[string]ratelimit.Limits{},
		MaxWait:          seconds(c.RateLimit.MaxWaitSeconds),
		FailureThreshold: c.RateLimit.FailureThreshold,
		Cooldown:         seconds(c.RateLimit.CooldownSeconds),
	}
	for name, limits := range c.RateLimit.Providers {
		out.Providers[name] = ratelimit.Limits{
			RequestsPerSecond: limits.RequestsPerSecond,
			Burst:             limits.Burst,
		}
	}
	return out
}

func (c Config) ExtractionConfig() extraction.Config {
	return extraction.Config{
		MaxAttempts:    c.Extraction.MaxAttempts,
		BaseDelay:      millis(c.Extraction.BaseDelayMs),
		MaxDelay:       millis(c.Extraction.MaxDelayMs),
		Jitter:         c.Extraction.Jitter,
		Workers:        c.Extraction.Workers,
		AttemptTimeout: seconds(c.Extraction.AttemptTimeoutSeconds),
	}
}

// RegisterHooks registers the configured static credentials on the dispatcher. Secrets are read from the
// environment here and nowhere else.
func (c Config) RegisterHooks(dispatcher *hooks.Dispatcher, clock chrono.API) error {
	var fns []hooks.Func
	if len(c.Hooks.Headers) > 0 {
		fns = append(fns, hooks.StaticHeaders(c.Hooks.Headers))
	}
	if len(c.Hooks.Cookies) > 0 {
		fns = append(fns, hooks.StaticCookies(c.Hooks.Cookies, clock))
	}
	if c.Hooks.BearerTokenEnv != "" {
		token := os.Getenv(c.Hooks.BearerTokenEnv)
		if token == "" {
			return fmt.Errorf("hooks.bearer_token_env: %s is not set", c.Hooks.BearerTokenEnv)
		}
		fns = append(fns, hooks.BearerToken(token))
	}
	if c.Hooks.BasicAuth != nil {
		fns = append(fns, hooks.BasicAuth(c.Hooks.BasicAuth.Username, os.Getenv(c.Hooks.BasicAuth.PasswordEnv)))
	}
	for _, fn := range fns {
		err := dispatcher.Register(hooks.ContextCreated, fn)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Config) DispatcherOptions() []hooks.Option {
	return []hooks.Option{hooks.WithTimeout(seconds(c.Hooks.TimeoutSeconds))}
}

// Notifier mails changes when smtp is configured and logs them otherwise.
func (c Config) Notifier(tel telemetry.API) monitor.Notifier {
	if c.Monitor.Smtp.Server == "" || len(c.Monitor.To) == 0 {
		return monitor.LogNotifier{Tel: tel}
	}
	smtp := c.Monitor.Smtp
	smtp.Password = os.Getenv(c.Monitor.SmtpPasswordEnv)
	return monitor.EmailNotifier{Smtp: smtp, To: c.Monitor.To}
}
