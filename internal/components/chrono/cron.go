package chrono

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"authcrawl-backend/internal/components/telemetry"

	"github.com/robfig/cron/v3"
)

const (
	report_cron_skip  = "cron.skip"
	report_cron_panic = "cron.panic"
	report_cron       = "cron"
)

// Job is a scheduled callback, its context is cancelled when the scheduler stops.
type Job func(ctx context.Context)

// Scheduler runs named jobs on cron schedules. A run that comes due while the previous run of the same job
// is still going is skipped.
//
// note: fault injection point
type Scheduler interface {
	Schedule(name, spec string, job Job) error
}

// Cron is the Scheduler backed by robfig/cron. It accepts standard 5 field specs and descriptors such as
// @hourly and @every 10m.
type Cron struct {
	cron   *cron.Cron
	tel    telemetry.API
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCron starts a scheduler interpreting specs in location, UTC when nil.
func NewCron(tel telemetry.API, location *time.Location) *Cron {
	if location == nil {
		location = time.UTC
	}
	logger := cronLogger{tel: tel}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithLocation(location),
		cron.WithChain(cron.Recover(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()

	return &Cron{cron: c, tel: tel, ctx: ctx, cancel: cancel}
}

func (c *Cron) Schedule(name, spec string, job Job) error {
	var running atomic.Bool
	_, err := c.cron.AddFunc(spec, func() {
		if c.ctx.Err() != nil {
			return
		}
		if !running.CompareAndSwap(false, true) {
			c.tel.ReportWarning(report_cron_skip, fmt.Errorf("%s is still running", name))
			return
		}
		defer running.Store(false)

		start := time.Now()
		job(c.ctx)
		c.tel.ReportDebug(fmt.Sprintf("cron: %s finished", name), "took", time.Since(start).String())
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Stop cancels the context of running jobs and waits until they return or ctx is done. Nothing is run after
// Stop.
func (c *Cron) Stop(ctx context.Context) error {
	c.cancel()
	stopped := c.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	tel telemetry.API
}

func (l cronLogger) params(keysAndValues []any) []any {
	params := make([]any, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		params = append(params, fmt.Sprintf("%v: %v", keysAndValues[i], keysAndValues[i+1]))
	}
	return params
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.tel.ReportDebug("cron: "+msg, l.params(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	id := report_cron
	if msg == "panic" {
		id = report_cron_panic
	}
	l.tel.ReportBroken(id, append([]any{fmt.Errorf("%s: %w", msg, err)}, l.params(keysAndValues)...)...)
}

// Manual is a Scheduler for tests, jobs only run when Fire is called.
type Manual struct {
	mutex sync.Mutex
	specs map[string]string
	jobs  map[string]Job
}

func (m *Manual) Schedule(name, spec string, job Job) error {
	_, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.jobs == nil {
		m.specs = map[string]string{}
		m.jobs = map[string]Job{}
	}
	m.specs[name] = spec
	m.jobs[name] = job
	return nil
}

// Spec returns the schedule of the named job, empty when it was never scheduled.
func (m *Manual) Spec(name string) string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.specs[name]
}

// Fire runs the named job synchronously and reports whether it exists.
func (m *Manual) Fire(ctx context.Context, name string) bool {
	m.mutex.Lock()
	job, ok := m.jobs[name]
	m.mutex.Unlock()
	if ok {
		job(ctx)
	}
	return ok
}
