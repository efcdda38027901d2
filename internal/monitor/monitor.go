// Package monitor re-extracts pages on a schedule and reports when the extracted content changes.
package monitor

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"authcrawl-backend/internal/components/assert"
	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/db"
	"authcrawl-backend/internal/provider"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("authcrawl.internal.monitor")

const (
	report_monitor_check = "monitor.check"
	report_monitor_run   = "monitor.run"
)

// Job is one page to watch.
type Job struct {
	// Key identifies the job's snapshot, it defaults to the url.
	Key         string `json:"key"`
	URL         string `json:"url"`
	SessionID   string `json:"session_id"`
	Provider    string `json:"provider"`
	Instruction string `json:"instruction"`
	// Temperature falls back to the provider's configured temperature when unset.
	Temperature  *float64              `json:"temperature,omitempty"`
	Capabilities []provider.Capability `json:"capabilities"`
}

func (j Job) key() string {
	if j.Key != "" {
		return j.Key
	}
	return j.URL
}

// Fetcher reads the content a job extracts from.
//
// note: fault injection point
type Fetcher interface {
	Fetch(ctx context.Context, job Job) (provider.Target, error)
}

// Extractor is satisfied by *extraction.Orchestrator.
type Extractor interface {
	Extract(ctx context.Context, req provider.Request) (*provider.Result, error)
}

// Change is a difference between the last two extractions of a job.
type Change struct {
	Job          Job
	Previous     string
	Current      string
	PreviousHash string
	CurrentHash  string
	DetectedAt   time.Time
}

// Notifier is told about every change.
//
// note: fault injection point
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// Check is the outcome of checking one job.
type Check struct {
	Job  Job
	Hash string
	// First is set when the job had no snapshot yet, a first check never counts as a change.
	First   bool
	Changed bool
}

type Monitor struct {
	qry      *db.Queries
	fetcher  Fetcher
	extract  Extractor
	notifier Notifier
	tel      telemetry.API
	time     chrono.API
}

type Option func(m *Monitor)

func WithTelemetry(tel telemetry.API) Option {
	return func(m *Monitor) {
		assert.NotNil(tel)
		m.tel = tel
	}
}

func WithClock(clock chrono.API) Option {
	return func(m *Monitor) {
		assert.NotNil(clock)
		m.time = clock
	}
}

func New(database *sql.DB, fetcher Fetcher, extract Extractor, notifier Notifier, opts ...Option) *Monitor {
	assert.NotNil(database)
	assert.NotNil(fetcher)
	assert.NotNil(extract)
	assert.NotNil(notifier)

	m := &Monitor{
		qry:      db.New(database),
		fetcher:  fetcher,
		extract:  extract,
		notifier: notifier,
		tel:      telemetry.SlogAPI{},
		time:     chrono.StandardImpl{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tel = telemetry.NewScopedAPI("monitor", m.tel)
	return m
}

// Hash is the fingerprint a change is detected by. Surrounding whitespace does not count.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// Check fetches and extracts a job and compares the result with the stored snapshot. A change is only
// stored once the notifier accepted it, so a failed notification is retried by the next check.
func (m *Monitor) Check(ctx context.Context, job Job) (Check, error) {
	ctx, span := tracer.Start(ctx, "monitor.Check", trace.WithAttributes(
		attribute.String("key", job.key()),
	))
	defer span.End()

	check := Check{Job: job}
	target, err := m.fetcher.Fetch(ctx, job)
	if err != nil {
		return check, m.fail(span, fmt.Errorf("fetch %s: %w", telemetry.RedactURL(job.URL), err))
	}
	result, err := m.extract.Extract(ctx, provider.Request{
		Target:       target,
		Instruction:  job.Instruction,
		Provider:     job.Provider,
		Temperature:  job.Temperature,
		Capabilities: job.Capabilities,
	})
	if err != nil {
		return check, m.fail(span, fmt.Errorf("extract %s: %w", job.key(), err))
	}

	content := result.Content
	if len(result.Structured) > 0 {
		content = string(result.Structured)
	}
	check.Hash = Hash(content)
	now := m.time.Now()

	previous, err := m.qry.GetSnapshot(ctx, job.key())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		check.First = true
	case err != nil:
		return check, m.fail(span, err)
	}

	changedAt := previous.ChangedAt
	if check.First {
		changedAt = now.UnixMilli()
	} else if previous.ContentHash != check.Hash {
		check.Changed = true
		changedAt = now.UnixMilli()
		err = m.notifier.Notify(ctx, Change{
			Job:          job,
			Previous:     previous.Content,
			Current:      content,
			PreviousHash: previous.ContentHash,
			CurrentHash:  check.Hash,
			DetectedAt:   now,
		})
		if err != nil {
			return check, m.fail(span, fmt.Errorf("notify %s: %w", job.key(), err))
		}
	}
	span.SetAttributes(attribute.Bool("changed", check.Changed))

	err = m.qry.UpsertSnapshot(ctx, db.UpsertSnapshotParams{
		Key:         job.key(),
		Url:         job.URL,
		ContentHash: check.Hash,
		Content:     content,
		CheckedAt:   now.UnixMilli(),
		ChangedAt:   changedAt,
	})
	if err != nil {
		return check, m.fail(span, err)
	}
	return check, nil
}

// Run checks every job in order. A failing job does not stop the rest, the failures are joined.
func (m *Monitor) Run(ctx context.Context, jobs []Job) ([]Check, error) {
	checks := make([]Check, 0, len(jobs))
	var errs []error
	changed := 0
	for _, job := range jobs {
		check, err := m.Check(ctx, job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if check.Changed {
			changed++
		}
		checks = append(checks, check)
	}
	m.tel.ReportCount(report_monitor_run, int64(changed))
	return checks, errors.Join(errs...)
}

// Schedule runs the jobs on a cron schedule until the scheduler stops.
func (m *Monitor) Schedule(scheduler chrono.Scheduler, spec string, jobs []Job) error {
	return scheduler.Schedule("monitor", spec, func(ctx context.Context) {
		_, err := m.Run(ctx, jobs)
		if err != nil {
			m.tel.ReportWarning(report_monitor_run, err)
		}
	})
}

func (m *Monitor) fail(span trace.Span, err error) error {
	m.tel.ReportBroken(report_monitor_check, err)
	return fail(span, err)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
