// Package interpreter runs parsed scripts against a Page.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"authcrawl-backend/internal/components/assert"
	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/script"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("authcrawl.internal.interpreter")

const (
	report_interpreter_run = "interpreter.run"
)

const (
	DefaultMaxDepth     = 32
	DefaultProbeWindow  = 2 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Bindings are values substituted for $name or ${name} in TYPE text and SET values.
type Bindings map[string]string

// Stats describes a finished (or failed) run.
type Stats struct {
	// Executed counts instructions executed, control flow included.
	Executed int
	// PageCalls counts every call made to the page, probe retries and wait polls included.
	PageCalls int
}

type Interpreter struct {
	tel          telemetry.API
	clock        chrono.API
	maxDepth     int
	probeWindow  time.Duration
	pollInterval time.Duration
}

type Option func(i *Interpreter)

func WithTelemetry(tel telemetry.API) Option {
	return func(i *Interpreter) {
		assert.NotNil(tel)
		i.tel = tel
	}
}

func WithClock(clock chrono.API) Option {
	return func(i *Interpreter) {
		assert.NotNil(clock)
		i.clock = clock
	}
}

func WithMaxDepth(depth int) Option {
	return func(i *Interpreter) {
		if depth > 0 {
			i.maxDepth = depth
		}
	}
}

// WithProbeWindow sets how long an action keeps retrying a selector that doesn't resolve yet. Zero means a
// single attempt.
func WithProbeWindow(window time.Duration) Option {
	return func(i *Interpreter) {
		if window >= 0 {
			i.probeWindow = window
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(i *Interpreter) {
		if interval > 0 {
			i.pollInterval = interval
		}
	}
}

func New(opts ...Option) *Interpreter {
	i := &Interpreter{
		tel:          telemetry.SlogAPI{},
		clock:        chrono.StandardImpl{},
		maxDepth:     DefaultMaxDepth,
		probeWindow:  DefaultProbeWindow,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.tel = telemetry.NewScopedAPI("interpreter", i.tel)
	return i
}

type execution struct {
	script   *script.Script
	page     Page
	bindings Bindings
	depth    int
	stats    Stats
}

// Run executes the script's top level instructions in order. It stops at the first error and returns the
// stats up to that point. Runs are sequential, one page is only ever driven by one run at a time.
func (i *Interpreter) Run(ctx context.Context, s *script.Script, page Page, bindings Bindings) (Stats, error) {
	assert.NotNil(s)
	assert.NotNil(page)

	ctx, span := tracer.Start(ctx, "interpreter.Run", trace.WithAttributes(
		attribute.Int("instructions", len(s.Instructions)),
		attribute.Int("procedures", len(s.Procedures)),
	))
	defer span.End()

	exec := &execution{script: s, page: page, bindings: bindings}
	err := i.block(ctx, exec, s.Instructions)

	span.SetAttributes(
		attribute.Int("executed", exec.stats.Executed),
		attribute.Int("page_calls", exec.stats.PageCalls),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.tel.ReportWarning(report_interpreter_run, err)
		return exec.stats, err
	}
	return exec.stats, nil
}

func (i *Interpreter) block(ctx context.Context, exec *execution, instructions []script.Instruction) error {
	for _, inst := range instructions {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("line %d: %w", inst.SourceLine(), err)
		}
		exec.stats.Executed++
		i.tel.ReportDebug("execute", inst.SourceLine(), inst.String())
		trace.SpanFromContext(ctx).AddEvent("instruction", trace.WithAttributes(
			attribute.Int("line", inst.SourceLine()),
			attribute.String("instruction", inst.String()),
		))

		err := i.step(ctx, exec, inst)
		if err != nil {
			return err
		}
	}
	return nil
}

func (i *Interpreter) step(ctx context.Context, exec *execution, inst script.Instruction) error {
	page := exec.page

	switch inst := inst.(type) {
	case script.Click:
		return i.probe(ctx, exec, inst.Line, "click", inst.Selector, func() error {
			return page.Click(ctx, inst.Selector)
		})

	case script.Type:
		exec.stats.PageCalls++
		err := page.Type(ctx, expand(inst.Text, exec.bindings))
		if err != nil {
			return fmt.Errorf("line %d: type: %w", inst.Line, err)
		}
		return nil

	case script.Set:
		value := expand(inst.Value, exec.bindings)
		return i.probe(ctx, exec, inst.Line, "set", inst.Selector, func() error {
			return page.Set(ctx, inst.Selector, value)
		})

	case script.Scroll:
		return i.probe(ctx, exec, inst.Line, "scroll", string(inst.Direction), func() error {
			return page.Scroll(ctx, inst.Direction, inst.Distance)
		})

	case script.Wait:
		return i.wait(ctx, exec, inst)

	case script.If:
		exec.stats.PageCalls++
		exists, err := page.Exists(ctx, inst.Condition.Selector)
		if err != nil && !errors.Is(err, ErrUnresolved) {
			return fmt.Errorf("line %d: if: %w", inst.Line, err)
		}
		if exists != inst.Condition.Negate {
			return i.block(ctx, exec, inst.Then)
		}
		return i.block(ctx, exec, inst.Else)

	case script.ProcCall:
		if exec.depth >= i.maxDepth {
			return &RecursionError{Line: inst.Line, Procedure: inst.Name, MaxDepth: i.maxDepth}
		}
		def, ok := exec.script.Procedure(inst.Name)
		if !ok {
			// the parser rejects these, a hand built Script may not
			return fmt.Errorf("line %d: undefined procedure %q", inst.Line, inst.Name)
		}
		exec.depth++
		err := i.block(ctx, exec, def.Body)
		exec.depth--
		return err

	case script.ProcDef:
		return fmt.Errorf("line %d: procedure definitions cannot be executed", inst.Line)
	}

	return fmt.Errorf("line %d: unsupported instruction %T", inst.SourceLine(), inst)
}

// probe issues an action, re-issuing it while the page reports the selector as unresolved until the probe
// window runs out.
func (i *Interpreter) probe(ctx context.Context, exec *execution, line int, action, selector string, call func() error) error {
	deadline := i.clock.Now().Add(i.probeWindow)
	for {
		exec.stats.PageCalls++
		err := call()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnresolved) {
			return fmt.Errorf("line %d: %s %q: %w", line, action, selector, err)
		}

		now := i.clock.Now()
		if !now.Before(deadline) {
			return &ElementNotFoundError{
				Line:     line,
				Action:   action,
				Selector: selector,
				Window:   i.probeWindow,
			}
		}
		err = chrono.Sleep(ctx, i.clock, min(i.pollInterval, deadline.Sub(now)))
		if err != nil {
			return fmt.Errorf("line %d: %s %q: %w", line, action, selector, err)
		}
	}
}

func (i *Interpreter) wait(ctx context.Context, exec *execution, inst script.Wait) error {
	deadline := i.clock.Now().Add(inst.Timeout)
	for {
		exec.stats.PageCalls++
		exists, err := exec.page.Exists(ctx, inst.Selector)
		if err != nil && !errors.Is(err, ErrUnresolved) {
			return fmt.Errorf("line %d: wait %q: %w", inst.Line, inst.Selector, err)
		}
		if exists {
			return nil
		}

		now := i.clock.Now()
		if !now.Before(deadline) {
			return &AuthenticationError{
				Stage:    "wait",
				Line:     inst.Line,
				Selector: inst.Selector,
				Timeout:  inst.Timeout,
			}
		}
		err = chrono.Sleep(ctx, i.clock, min(i.pollInterval, deadline.Sub(now)))
		if err != nil {
			return fmt.Errorf("line %d: wait %q: %w", inst.Line, inst.Selector, err)
		}
	}
}

var bindingRegex = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}|\$[A-Za-z_][A-Za-z0-9_]*`)

// expand substitutes well formed references only. Unknown names and anything else containing a $, such as an
// unterminated ${, are kept as written.
func expand(text string, bindings Bindings) string {
	if len(bindings) == 0 {
		return text
	}
	return bindingRegex.ReplaceAllStringFunc(text, func(ref string) string {
		value, ok := bindings[strings.Trim(ref, "${}")]
		if !ok {
			return ref
		}
		return value
	})
}
