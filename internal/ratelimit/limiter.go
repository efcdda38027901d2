// Package ratelimit paces calls to each provider with a token bucket and stops calling providers that keep
// failing with a circuit breaker.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authcrawl-backend/internal/components/assert"
	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/faults"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

var meter = otel.Meter("authcrawl.internal.ratelimit")

var breakerTransitions, _ = meter.Int64Counter(
	"ratelimit.breaker_transitions",
	metric.WithDescription("circuit breaker state changes, by provider and new state"),
)

const report_limiter_breaker = "limiter.breaker"

type Limits struct {
	RequestsPerSecond float64
	Burst             int
}

type Config struct {
	// Default applies to providers without an entry in Providers.
	Default   Limits
	Providers map[string]Limits
	// MaxWait bounds how long Acquire waits for a token.
	MaxWait time.Duration
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects calls before allowing a trial.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		Default:          Limits{RequestsPerSecond: 1, Burst: 1},
		MaxWait:          30 * time.Second,
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	state    BreakerState
	failures int
	reopenAt time.Time
	trial    bool
}

type Limiter struct {
	mutex   sync.Mutex
	config  Config
	buckets map[string]*bucket

	tel  telemetry.API
	time chrono.API
}

type Option func(l *Limiter)

func WithTelemetry(tel telemetry.API) Option {
	return func(l *Limiter) {
		assert.NotNil(tel)
		l.tel = tel
	}
}

func WithClock(clock chrono.API) Option {
	return func(l *Limiter) {
		assert.NotNil(clock)
		l.time = clock
	}
}

func New(config Config, opts ...Option) *Limiter {
	defaults := DefaultConfig()
	if config.Default.RequestsPerSecond <= 0 {
		config.Default.RequestsPerSecond = defaults.Default.RequestsPerSecond
	}
	if config.Default.Burst <= 0 {
		config.Default.Burst = defaults.Default.Burst
	}
	if config.MaxWait <= 0 {
		config.MaxWait = defaults.MaxWait
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}

	l := &Limiter{
		config:  config,
		buckets: map[string]*bucket{},
		tel:     telemetry.SlogAPI{},
		time:    chrono.StandardImpl{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tel = telemetry.NewScopedAPI("ratelimit", l.tel)
	return l
}

// bucketFor must be called with the mutex held.
func (l *Limiter) bucketFor(provider string) *bucket {
	b, ok := l.buckets[provider]
	if ok {
		return b
	}
	limits, ok := l.config.Providers[provider]
	if !ok || limits.RequestsPerSecond <= 0 {
		limits = l.config.Default
	}
	if limits.Burst <= 0 {
		limits.Burst = l.config.Default.Burst
	}
	b = &bucket{limiter: rate.NewLimiter(rate.Limit(limits.RequestsPerSecond), limits.Burst)}
	l.buckets[provider] = b
	return b
}

// transition must be called with the mutex held.
func (l *Limiter) transition(provider string, b *bucket, to BreakerState) {
	if b.state == to {
		return
	}
	l.tel.ReportWarning(report_limiter_breaker, provider, b.state.String(), to.String())
	breakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("state", to.String()),
	))
	b.state = to
}

// Acquire waits for a token for provider. It fails fast with a *faults.RateLimitError while the provider's
// breaker is open, while another caller holds the half-open trial, or when the token would take longer than
// the configured maximum wait or the context's deadline. Cancelling ctx while waiting gives the token back.
func (l *Limiter) Acquire(ctx context.Context, provider string) (*Permit, error) {
	l.mutex.Lock()
	b := l.bucketFor(provider)
	now := l.time.Now()

	if b.state == Open {
		if now.Before(b.reopenAt) {
			l.mutex.Unlock()
			return nil, &faults.RateLimitError{
				Provider:   provider,
				RetryAfter: b.reopenAt.Sub(now),
				Reason:     "circuit open",
			}
		}
		l.transition(provider, b, HalfOpen)
	}
	trial := false
	if b.state == HalfOpen {
		if b.trial {
			l.mutex.Unlock()
			return nil, &faults.RateLimitError{
				Provider: provider,
				Reason:   "circuit half-open, trial call in progress",
			}
		}
		b.trial = true
		trial = true
	}

	reservation := b.limiter.ReserveN(now, 1)
	l.mutex.Unlock()

	permit := &Permit{limiter: l, provider: provider, trial: trial}
	if !reservation.OK() {
		permit.Release()
		return nil, &faults.RateLimitError{Provider: provider, Reason: "burst is zero"}
	}

	delay := reservation.DelayFrom(now)
	maxWait := l.config.MaxWait
	if deadline, ok := ctx.Deadline(); ok && deadline.Sub(now) < maxWait {
		maxWait = deadline.Sub(now)
	}
	if delay > maxWait {
		reservation.CancelAt(now)
		permit.Release()
		return nil, &faults.RateLimitError{
			Provider:   provider,
			RetryAfter: delay,
			Reason:     fmt.Sprintf("next token in %s exceeds the %s wait limit", delay, maxWait),
		}
	}

	err := chrono.Sleep(ctx, l.time, delay)
	if err != nil {
		reservation.CancelAt(l.time.Now())
		permit.Release()
		return nil, err
	}
	return permit, nil
}

// ReportOutcome records the result of a call made without a permit.
func (l *Limiter) ReportOutcome(provider string, success bool) {
	l.report(provider, success, false)
}

func (l *Limiter) report(provider string, success, trial bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	b := l.bucketFor(provider)
	if trial {
		b.trial = false
	}

	if success {
		b.failures = 0
		if b.state != Closed {
			l.transition(provider, b, Closed)
		}
		return
	}

	b.failures++
	switch b.state {
	case HalfOpen:
		if trial {
			l.open(provider, b)
		}
	case Closed:
		if b.failures >= l.config.FailureThreshold {
			l.open(provider, b)
		}
	}
}

func (l *Limiter) open(provider string, b *bucket) {
	b.reopenAt = l.time.Now().Add(l.config.Cooldown)
	b.trial = false
	l.transition(provider, b, Open)
}

func (l *Limiter) releaseTrial(provider string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.bucketFor(provider).trial = false
}

// State returns a snapshot of a provider's bucket and breaker.
func (l *Limiter) State(provider string) State {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	b := l.bucketFor(provider)
	now := l.time.Now()
	state := b.state
	if state == Open && !now.Before(b.reopenAt) {
		state = HalfOpen
	}
	return State{
		Provider:            provider,
		Tokens:              b.limiter.TokensAt(now),
		Breaker:             state,
		ConsecutiveFailures: b.failures,
		ReopenAt:            b.reopenAt,
		TrialOutstanding:    b.trial,
	}
}

// Permit is the right to make one call. Report its outcome, or Release it if the call was never made.
type Permit struct {
	limiter  *Limiter
	provider string
	trial    bool

	once sync.Once
}

// Trial reports whether this is the single call a half-open breaker lets through.
func (p *Permit) Trial() bool {
	return p.trial
}

func (p *Permit) Report(success bool) {
	p.once.Do(func() {
		p.limiter.report(p.provider, success, p.trial)
	})
}

// Release gives up the permit without an outcome, freeing the half-open trial slot if this permit held it.
// It does nothing after Report.
func (p *Permit) Release() {
	p.once.Do(func() {
		if p.trial {
			p.limiter.releaseTrial(p.provider)
		}
	})
}
