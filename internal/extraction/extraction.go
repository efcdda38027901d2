// Package extraction runs extraction requests against provider adapters, pacing them through the rate limiter
// and retrying transient failures with exponential backoff.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authcrawl-backend/internal/components/assert"
	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/faults"
	"authcrawl-backend/internal/provider"
	"authcrawl-backend/internal/ratelimit"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("authcrawl.internal.extraction")
var meter = otel.Meter("authcrawl.internal.extraction")

var attemptCounter, _ = meter.Int64Counter(
	"extraction.attempts",
	metric.WithDescription("provider calls made by the orchestrator, by provider and outcome"),
)

const (
	report_orchestrator_extract = "orchestrator.extract"
	report_orchestrator_retry   = "orchestrator.retry"
)

type Config struct {
	MaxAttempts int
	// BaseDelay is the wait before the first retry, every retry after it waits twice as long up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter randomizes each delay by up to this fraction of it.
	Jitter  float64
	Workers int
	// AttemptTimeout bounds a single provider call, waiting for a permit included.
	AttemptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Jitter:         0.2,
		Workers:        4,
		AttemptTimeout: 120 * time.Second,
	}
}

type Orchestrator struct {
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	config   Config

	tel  telemetry.API
	time chrono.API
}

type Option func(o *Orchestrator)

func WithTelemetry(tel telemetry.API) Option {
	return func(o *Orchestrator) {
		assert.NotNil(tel)
		o.tel = tel
	}
}

func WithClock(clock chrono.API) Option {
	return func(o *Orchestrator) {
		assert.NotNil(clock)
		o.time = clock
	}
}

func New(registry *provider.Registry, limiter *ratelimit.Limiter, config Config, opts ...Option) *Orchestrator {
	assert.NotNil(registry)
	assert.NotNil(limiter)

	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = max(defaults.MaxDelay, config.BaseDelay)
	}
	if config.Jitter < 0 || config.Jitter >= 1 {
		config.Jitter = defaults.Jitter
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}

	o := &Orchestrator{
		registry: registry,
		limiter:  limiter,
		config:   config,
		tel:      telemetry.SlogAPI{},
		time:     chrono.StandardImpl{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.tel = telemetry.NewScopedAPI("extraction", o.tel)
	return o
}

// Extract resolves the request's provider and calls it until it succeeds, fails permanently or runs out of
// attempts. Giving up yields a *faults.ProviderError carrying the attempt count and the last cause.
func (o *Orchestrator) Extract(ctx context.Context, req provider.Request) (*provider.Result, error) {
	ctx, span := tracer.Start(ctx, "extraction.Extract", trace.WithAttributes(
		attribute.String("provider", req.Provider),
	))
	defer span.End()

	err := req.Validate()
	if err != nil {
		return nil, o.fail(span, fmt.Errorf("invalid request: %w", err))
	}
	adapter, err := o.registry.Get(req.Provider)
	if err != nil {
		return nil, o.fail(span, &faults.ProviderError{Provider: req.Provider, Err: err})
	}
	if req.Model == "" {
		_, req.Model, _ = provider.ParseProvider(req.Provider)
	}
	for _, c := range req.Capabilities {
		if !adapter.Supports(c) {
			return nil, o.fail(span, &faults.UnsupportedCapabilityError{
				Provider:   adapter.ID(),
				Capability: string(c),
			})
		}
	}

	policy := &retryAfterBackOff{ExponentialBackOff: backoff.NewExponentialBackOff()}
	policy.InitialInterval = o.config.BaseDelay
	policy.MaxInterval = o.config.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = o.config.Jitter
	policy.MaxElapsedTime = 0
	policy.Clock = o.time

	attempts := 0
	var result *provider.Result
	err = backoff.RetryNotifyWithTimer(
		func() error {
			attempts++
			var err error
			result, err = o.attempt(ctx, adapter, req)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil || !faults.IsTransient(err) {
				return backoff.Permanent(err)
			}
			policy.hint = faults.RetryAfter(err)
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(o.config.MaxAttempts-1)), ctx),
		func(err error, next time.Duration) {
			o.tel.ReportDebug(report_orchestrator_retry, adapter.ID(), attempts, next, err)
		},
		chrono.NewTimer(o.time),
	)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		return nil, o.fail(span, o.giveUp(ctx, adapter.ID(), req.Model, attempts, err))
	}

	result.Attempts = attempts
	return result, nil
}

func (o *Orchestrator) attempt(ctx context.Context, adapter provider.Adapter, req provider.Request) (*provider.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.config.AttemptTimeout)
	defer cancel()

	outcome := attribute.String("outcome", "success")
	defer func() {
		attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", adapter.ID()), outcome))
	}()

	permit, err := o.limiter.Acquire(attemptCtx, adapter.ID())
	if err != nil {
		outcome = attribute.String("outcome", "limited")
		return nil, err
	}

	result, err := adapter.Invoke(attemptCtx, req)
	switch {
	case err == nil:
		permit.Report(true)
	case ctx.Err() != nil:
		outcome = attribute.String("outcome", "cancelled")
		permit.Release()
	case faults.IsTransient(err):
		outcome = attribute.String("outcome", "transient")
		permit.Report(false)
	default:
		// a request the provider rejects says nothing about the provider's health
		outcome = attribute.String("outcome", "permanent")
		permit.Release()
	}
	return result, err
}

// giveUp shapes the final error. Caller cancellation and capability errors surface as they are, everything
// else as a *faults.ProviderError with the attempt count.
func (o *Orchestrator) giveUp(ctx context.Context, vendor, model string, attempts int, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("extraction cancelled after %d attempts: %w", attempts, err)
	}
	var unsupported *faults.UnsupportedCapabilityError
	if errors.As(err, &unsupported) {
		return err
	}
	var providerErr *faults.ProviderError
	if errors.As(err, &providerErr) {
		out := *providerErr
		out.Attempts = attempts
		return &out
	}
	return &faults.ProviderError{
		Provider:  vendor,
		Model:     model,
		Attempts:  attempts,
		Transient: faults.IsTransient(err),
		Err:       err,
	}
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var unsupported *faults.UnsupportedCapabilityError
	if errors.Is(err, context.Canceled) || errors.As(err, &unsupported) {
		o.tel.ReportWarning(report_orchestrator_extract, err)
	} else {
		o.tel.ReportBroken(report_orchestrator_extract, err)
	}
	return err
}

// Outcome is the result of one request of a batch.
type Outcome struct {
	Request provider.Request
	Result  *provider.Result
	Err     error
}

// ExtractAll runs a batch with at most Workers extractions in flight. A failed request does not stop the others,
// outcomes are in request order.
func (o *Orchestrator) ExtractAll(ctx context.Context, reqs []provider.Request) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	var group errgroup.Group
	group.SetLimit(o.config.Workers)
	for i, req := range reqs {
		group.Go(func() error {
			result, err := o.Extract(ctx, req)
			outcomes[i] = Outcome{Request: req, Result: result, Err: err}
			return nil
		})
	}
	group.Wait()
	return outcomes
}

// retryAfterBackOff waits at least as long as the provider asked to, within the maximum interval.
type retryAfterBackOff struct {
	*backoff.ExponentialBackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.ExponentialBackOff.NextBackOff()
	hint := min(b.hint, b.MaxInterval)
	b.hint = 0
	if next != backoff.Stop && hint > next {
		return hint
	}
	return next
}
