// Package fuzzing explores the state space of a stateful component by running seeded random sequences of steps
// against it and checking invariants along the way.
package fuzzing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"authcrawl-backend/internal/components/telemetry"

	"golang.org/x/sync/errgroup"
)

const (
	report_f_run_path = "f.run-path"
	report_f_explore  = "f.explore"
)

// Target is represents an object of some sort, it contains state and contains methods for mutating its state.
//
// Any possible mutation to the state of the target is called a "step", fuzzing works by deterministically
// randomly choosing steps (and their inputs) to perform, then examining the state to determine if any
// invariants are violated.
//
// As such, all possible steps should be exposed to the fuzzer as methods satisfying the signature:
//
// `Step*(ctx context.Context, res *Results) error`
//
// Invariant violations are reported with res.Fail. A returned error means the step itself could not run
// (a setup failure), it is logged and the path continues.
//
// If a method matching the signature:
//
// `OnEnd(ctx context.Context, res *Results)`
//
// is present, it will be called at the end of the fuzz path.
type Target interface{}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	resultsType = reflect.TypeOf(&Results{})
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

func getTargetMethods(target Target) (steps []reflect.Method, onEnd reflect.Method) {
	t := reflect.TypeOf(target)
	for i := 0; i < t.NumMethod(); i++ {
		method := t.Method(i)
		methodType := method.Type

		if methodType.NumIn() != 3 {
			continue
		}
		if methodType.In(1) != contextType || methodType.In(2) != resultsType {
			continue
		}

		if method.Name == "OnEnd" && methodType.NumOut() == 0 {
			onEnd = method
			continue
		}
		if !strings.HasPrefix(method.Name, "Step") {
			continue
		}
		if methodType.NumOut() != 1 || methodType.Out(0) != errorType {
			continue
		}

		steps = append(steps, method)
	}
	return steps, onEnd
}

// Results collects the invariant violations of one path.
type Results struct {
	failures []error
}

func (r *Results) Fail(err error) {
	r.failures = append(r.failures, err)
}

func (r *Results) Failed() bool {
	return len(r.failures) > 0
}

// TargetProvider makes a fresh target for every path, rndm is the path's random source.
type TargetProvider interface {
	CreateTarget(tel telemetry.API, rndm *rand.Rand) (Target, error)
}

// Path is a seed and the number of steps to take, it reproduces a fuzz run exactly.
type Path struct {
	Seed  int64
	Steps int
}

func (p Path) String() string {
	return fmt.Sprintf("%d:%d", p.Seed, p.Steps)
}

// ParsePath reads a path printed by Path.String.
func ParsePath(text string) (Path, error) {
	seed, steps, ok := strings.Cut(text, ":")
	if !ok {
		return Path{}, fmt.Errorf("parse fuzz path %q: expected <seed>:<steps>", text)
	}
	s, err := strconv.ParseInt(seed, 10, 64)
	if err != nil {
		return Path{}, fmt.Errorf("parse fuzz path: %w", err)
	}
	n, err := strconv.Atoi(steps)
	if err != nil {
		return Path{}, fmt.Errorf("parse fuzz path: %w", err)
	}
	return Path{Seed: s, Steps: n}, nil
}

// Failure is a path that violated at least one invariant.
type Failure struct {
	Path   Path
	Checks []error
}

func (f *Failure) Error() string {
	var out strings.Builder
	fmt.Fprintf(&out, "path %s failed checks:\n", f.Path)
	for _, err := range f.Checks {
		fmt.Fprintf(&out, "\t- %v\n", err)
	}
	return out.String()
}

// F is a fuzzing job on a given fuzz target.
type F struct {
	tel      telemetry.API
	provider TargetProvider
	steps    []reflect.Method
	onEnd    reflect.Method
	minSteps int
	maxSteps int
}

// New creates a fuzzing job whose paths take between minSteps and maxSteps steps.
func New(tel telemetry.API, provider TargetProvider, minSteps, maxSteps int) (F, error) {
	if minSteps <= 0 || maxSteps < minSteps {
		return F{}, fmt.Errorf("invalid step range [%d, %d]", minSteps, maxSteps)
	}
	f := F{
		tel:      telemetry.NewScopedAPI("fuzzer", tel),
		provider: provider,
		minSteps: minSteps,
		maxSteps: maxSteps,
	}

	target, err := provider.CreateTarget(tel, rand.New(rand.NewSource(0)))
	if err != nil {
		return F{}, err
	}
	f.steps, f.onEnd = getTargetMethods(target)
	if len(f.steps) == 0 {
		return F{}, fmt.Errorf("target %T has no steps", target)
	}
	return f, nil
}

func (f F) runStep(target Target, stepIdx int, ctx context.Context, results *Results) error {
	outs := f.steps[stepIdx].Func.Call([]reflect.Value{
		reflect.ValueOf(target),
		reflect.ValueOf(ctx),
		reflect.ValueOf(results),
	})
	val := outs[0].Interface()
	if val == nil {
		return nil
	}
	return val.(error)
}

func (f F) runOnEnd(target Target, ctx context.Context, results *Results) {
	if !f.onEnd.Func.IsValid() {
		return
	}
	f.onEnd.Func.Call([]reflect.Value{
		reflect.ValueOf(target),
		reflect.ValueOf(ctx),
		reflect.ValueOf(results),
	})
}

// RunPath runs one path on a fresh target. The returned error is a *Failure when an invariant was violated.
func (f F) RunPath(ctx context.Context, path Path) error {
	rndm := rand.New(rand.NewSource(path.Seed))
	target, err := f.provider.CreateTarget(f.tel, rndm)
	if err != nil {
		return fmt.Errorf("setup fuzz target: %w", err)
	}

	results := &Results{}
	for range path.Steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stepIdx := rndm.Intn(len(f.steps))
		err := f.runStep(target, stepIdx, ctx, results)
		if err != nil {
			f.tel.ReportWarning(report_f_run_path, fmt.Errorf("%s: %w", f.steps[stepIdx].Name, err), path.String())
		}
	}
	f.runOnEnd(target, ctx, results)

	if results.Failed() {
		return &Failure{Path: path, Checks: results.failures}
	}
	return nil
}

// Explore runs count paths seeded from seed, seed+1 and so on, with up to workers paths at once. It stops at the
// first failing path, whose *Failure is returned.
func (f F) Explore(ctx context.Context, seed int64, count, workers int) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	var mutex sync.Mutex
	var failure *Failure
	for i := range count {
		group.Go(func() error {
			pathSeed := seed + int64(i)
			steps := f.minSteps
			if f.maxSteps > f.minSteps {
				steps += rand.New(rand.NewSource(pathSeed)).Intn(f.maxSteps - f.minSteps)
			}
			err := f.RunPath(ctx, Path{Seed: pathSeed, Steps: steps})

			var pathFailure *Failure
			if errors.As(err, &pathFailure) {
				mutex.Lock()
				if failure == nil || pathFailure.Path.Seed < failure.Path.Seed {
					failure = pathFailure
				}
				mutex.Unlock()
				f.tel.ReportBroken(report_f_explore, err)
			}
			return err
		})
	}
	err := group.Wait()
	if failure != nil {
		return failure
	}
	return err
}
