// Package hooks lets collaborators observe and modify a session at fixed lifecycle stages.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authcrawl-backend/internal/components/assert"
	"authcrawl-backend/internal/components/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("authcrawl.internal.hooks")

const report_dispatcher_invoke = "dispatcher.invoke"

const DefaultTimeout = 15 * time.Second

// Func is a hook callback. It may modify the event it is given.
type Func func(ctx context.Context, event *Event) error

type Dispatcher struct {
	mu      sync.RWMutex
	hooks   map[Stage][]Func
	timeout time.Duration
	tel     telemetry.API
}

type Option func(d *Dispatcher)

func WithTelemetry(tel telemetry.API) Option {
	return func(d *Dispatcher) {
		assert.NotNil(tel)
		d.tel = tel
	}
}

// WithTimeout bounds how long a single hook may run.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		assert.Positive(timeout, "hook timeout")
		d.timeout = timeout
	}
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hooks:   map[Stage][]Func{},
		timeout: DefaultTimeout,
		tel:     telemetry.SlogAPI{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.tel = telemetry.NewScopedAPI("hooks", d.tel)
	return d
}

// Register appends a hook to a stage. Hooks run in the order they were registered.
func (d *Dispatcher) Register(stage Stage, fn Func) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	assert.NotNil(fn)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[stage] = append(d.hooks[stage], fn)
	return nil
}

// Count returns how many hooks are registered for a stage.
func (d *Dispatcher) Count(stage Stage) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.hooks[stage])
}

// Invoke runs every hook registered for stage on a copy of event. The modified copy is returned only when all of
// them succeed, otherwise the first failure is returned as an *ExecutionError and event is left as it was.
func (d *Dispatcher) Invoke(ctx context.Context, stage Stage, event *Event) (*Event, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	if event == nil {
		event = &Event{}
	}

	d.mu.RLock()
	hooks := append([]Func(nil), d.hooks[stage]...)
	d.mu.RUnlock()

	out := event.clone()
	out.Stage = stage
	if len(hooks) == 0 {
		return out, nil
	}

	ctx, span := tracer.Start(ctx, "hooks.Invoke", trace.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.Int("hooks", len(hooks)),
	))
	defer span.End()

	for i, fn := range hooks {
		err := d.run(ctx, fn, out)
		if err != nil {
			execErr := &ExecutionError{Stage: stage, Index: i, Cause: err}
			span.RecordError(execErr)
			span.SetStatus(codes.Error, execErr.Error())
			d.tel.ReportBroken(report_dispatcher_invoke, stage.String(), i, err)
			return nil, execErr
		}
	}
	return out, nil
}

func (d *Dispatcher) run(ctx context.Context, fn Func, event *Event) error {
	hookCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- panicError{value: r}
			}
		}()
		done <- fn(hookCtx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTimeout, d.timeout)
	}
}
