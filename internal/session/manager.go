// Package session owns persisted browsing identities: their cookies, storage state, leases and lifetime.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"authcrawl-backend/internal/components/assert"
	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/db"

	"github.com/mazen160/go-random"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("authcrawl.internal.session")

const (
	report_manager_create  = "manager.create"
	report_manager_restore = "manager.restore"
	report_manager_persist = "manager.persist"
	report_manager_release = "manager.release"
	report_manager_evict   = "manager.evict"
	report_manager_sweep   = "manager.sweep"
)

const DefaultLeaseDuration = 30 * time.Minute

type Config struct {
	// Dir is the root all session directories are created under.
	Dir string
	// TTL is how long a session may go unused before it expires, zero disables expiry.
	TTL time.Duration
	// LeaseDuration bounds how long an owner that disappeared keeps a session locked.
	LeaseDuration time.Duration
}

type Manager struct {
	qry    *db.Queries
	config Config
	tel    telemetry.API
	clock  chrono.API
}

type Option func(m *Manager)

func WithTelemetry(tel telemetry.API) Option {
	return func(m *Manager) {
		assert.NotNil(tel)
		m.tel = tel
	}
}

func WithClock(clock chrono.API) Option {
	return func(m *Manager) {
		assert.NotNil(clock)
		m.clock = clock
	}
}

func NewManager(database *sql.DB, config Config, opts ...Option) (*Manager, error) {
	assert.NotNil(database)
	assert.NotEmptyStr(config.Dir)

	if config.LeaseDuration <= 0 {
		config.LeaseDuration = DefaultLeaseDuration
	}
	err := os.MkdirAll(config.Dir, 0o700)
	if err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}

	m := &Manager{
		qry:    db.New(database),
		config: config,
		tel:    telemetry.SlogAPI{},
		clock:  chrono.StandardImpl{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tel = telemetry.NewScopedAPI("session", m.tel)
	return m, nil
}

func newLeaseToken() (string, error) {
	return random.String(32)
}

func (m *Manager) leaseExpiry(now time.Time) int64 {
	return now.Add(m.config.LeaseDuration).UnixMilli()
}

func (m *Manager) expired(row db.Session, now time.Time) bool {
	if m.config.TTL <= 0 {
		return false
	}
	return now.Sub(time.UnixMilli(row.LastUsedAt)) > m.config.TTL
}

type CreateOptions struct {
	// Label is a free form name shown when listing sessions.
	Label   string
	Cookies []Cookie
	Origins []OriginState
}

// Create makes a new session with its own storage directory. The caller owns the returned session until it
// calls Release.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	ctx, span := tracer.Start(ctx, "session.Create")
	defer span.End()

	now := m.clock.Now()
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return nil, m.fail(span, report_manager_create, fmt.Errorf("generate id: %w", err))
	}
	token, err := newLeaseToken()
	if err != nil {
		return nil, m.fail(span, report_manager_create, fmt.Errorf("generate lease: %w", err))
	}

	s := &Session{
		id:         id.String(),
		dir:        filepath.Join(m.config.Dir, id.String()),
		label:      opts.Label,
		origins:    opts.Origins,
		createdAt:  now,
		lastUsedAt: now,
		leaseToken: token,
	}
	s.cookies, _ = PruneExpired(opts.Cookies, now)
	span.SetAttributes(attribute.String("session_id", s.id))

	err = os.MkdirAll(s.dir, 0o700)
	if err != nil {
		return nil, m.fail(span, report_manager_create, err)
	}
	err = writeState(s.dir, s.cookies, s.origins)
	if err != nil {
		os.RemoveAll(s.dir)
		return nil, m.fail(span, report_manager_create, err)
	}

	err = m.qry.CreateSession(ctx, db.CreateSessionParams{
		ID:             s.id,
		Dir:            s.dir,
		Label:          s.label,
		CreatedAt:      now.UnixMilli(),
		LastUsedAt:     now.UnixMilli(),
		LeaseToken:     token,
		LeaseExpiresAt: m.leaseExpiry(now),
	})
	if err != nil {
		os.RemoveAll(s.dir)
		return nil, m.fail(span, report_manager_create, err)
	}

	return s, nil
}

// Restore takes ownership of a persisted session and loads its state. Expired cookies are dropped
// silently. A session used by another owner gives a ConflictError, one past its TTL gives an ExpiredError
// and is evicted.
func (m *Manager) Restore(ctx context.Context, id string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "session.Restore", trace.WithAttributes(
		attribute.String("session_id", id),
	))
	defer span.End()

	row, err := m.qry.GetSession(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: %s", ErrNotFound, id)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err != nil {
		return nil, m.fail(span, report_manager_restore, err)
	}

	now := m.clock.Now()
	if m.expired(row, now) {
		expiredErr := &ExpiredError{
			ID:         id,
			LastUsedAt: time.UnixMilli(row.LastUsedAt),
			TTL:        m.config.TTL,
		}
		span.SetStatus(codes.Error, expiredErr.Error())
		if _, evictErr := m.delete(ctx, row, "", now); evictErr != nil {
			m.tel.ReportWarning(report_manager_restore, fmt.Errorf("evict expired: %w", evictErr), id)
		}
		return nil, expiredErr
	}

	token, err := newLeaseToken()
	if err != nil {
		return nil, m.fail(span, report_manager_restore, err)
	}
	n, err := m.qry.AcquireLease(ctx, db.AcquireLeaseParams{
		LeaseToken:     token,
		LeaseExpiresAt: m.leaseExpiry(now),
		ID:             id,
		Now:            now.UnixMilli(),
	})
	if err != nil {
		return nil, m.fail(span, report_manager_restore, err)
	}
	if n == 0 {
		conflict := &ConflictError{ID: id, Until: time.UnixMilli(row.LeaseExpiresAt)}
		span.SetStatus(codes.Error, conflict.Error())
		return nil, conflict
	}

	s := &Session{
		id:            row.ID,
		dir:           row.Dir,
		label:         row.Label,
		createdAt:     time.UnixMilli(row.CreatedAt),
		lastUsedAt:    time.UnixMilli(row.LastUsedAt),
		authenticated: row.Authenticated != 0,
		leaseToken:    token,
	}

	cookies, origins, err := readState(row.Dir)
	if err != nil {
		m.Release(ctx, s)
		return nil, m.fail(span, report_manager_restore, err)
	}
	pruned := 0
	s.cookies, pruned = PruneExpired(cookies, now)
	s.origins = origins
	if pruned > 0 {
		m.tel.ReportDebug("pruned expired cookies", id, pruned)
	}

	return s, nil
}

// Persist writes the session's state to its directory and refreshes its lease and last use time.
func (m *Manager) Persist(ctx context.Context, s *Session) error {
	ctx, span := tracer.Start(ctx, "session.Persist", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("cookies", len(s.cookies)),
	))
	defer span.End()

	if s.released {
		return ErrReleased
	}

	now := m.clock.Now()
	authenticated := int64(0)
	if s.authenticated {
		authenticated = 1
	}
	// the lease is confirmed before touching files so a lost lease never overwrites another owner's state
	n, err := m.qry.TouchSession(ctx, db.TouchSessionParams{
		LastUsedAt:     now.UnixMilli(),
		Authenticated:  authenticated,
		LeaseExpiresAt: m.leaseExpiry(now),
		ID:             s.id,
		LeaseToken:     s.leaseToken,
	})
	if err != nil {
		return m.fail(span, report_manager_persist, err)
	}
	if n == 0 {
		conflict := &ConflictError{ID: s.id}
		span.SetStatus(codes.Error, conflict.Error())
		return conflict
	}

	s.cookies, _ = PruneExpired(s.cookies, now)
	err = writeState(s.dir, s.cookies, s.origins)
	if err != nil {
		return m.fail(span, report_manager_persist, err)
	}
	s.lastUsedAt = now
	return nil
}

// Release gives up ownership of the session. It is safe to call more than once.
func (m *Manager) Release(ctx context.Context, s *Session) error {
	if s.released {
		return nil
	}
	s.released = true
	_, err := m.qry.ReleaseLease(ctx, db.ReleaseLeaseParams{
		ID:         s.id,
		LeaseToken: s.leaseToken,
	})
	if err != nil {
		m.tel.ReportBroken(report_manager_release, err, s.id)
		return err
	}
	return nil
}

func (m *Manager) checkOwned(s *Session) error {
	if s.released {
		return ErrReleased
	}
	return nil
}

// SetCookies replaces the session's cookie set.
func (m *Manager) SetCookies(s *Session, cookies []Cookie) error {
	if err := m.checkOwned(s); err != nil {
		return err
	}
	s.cookies, _ = PruneExpired(append([]Cookie(nil), cookies...), m.clock.Now())
	return nil
}

// MergeCookies overlays cookies on the session's cookie set.
func (m *Manager) MergeCookies(s *Session, cookies []Cookie) error {
	if err := m.checkOwned(s); err != nil {
		return err
	}
	s.cookies = MergeCookies(s.cookies, cookies, m.clock.Now())
	return nil
}

func (m *Manager) SetOrigins(s *Session, origins []OriginState) error {
	if err := m.checkOwned(s); err != nil {
		return err
	}
	s.origins = append([]OriginState(nil), origins...)
	return nil
}

// SetStorageState replaces both the cookies and the per origin storage of the session.
func (m *Manager) SetStorageState(s *Session, state StorageState) error {
	err := m.SetCookies(s, state.Cookies)
	if err != nil {
		return err
	}
	return m.SetOrigins(s, state.Origins)
}

// MarkAuthenticated records whether the session's state is known to be logged in.
func (m *Manager) MarkAuthenticated(s *Session, authenticated bool) error {
	if err := m.checkOwned(s); err != nil {
		return err
	}
	s.authenticated = authenticated
	return nil
}

// Evict destroys a session that nobody owns.
func (m *Manager) Evict(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "session.Evict", trace.WithAttributes(
		attribute.String("session_id", id),
	))
	defer span.End()

	row, err := m.qry.GetSession(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return m.fail(span, report_manager_evict, err)
	}
	deleted, err := m.delete(ctx, row, "", m.clock.Now())
	if err != nil {
		return m.fail(span, report_manager_evict, err)
	}
	if !deleted {
		return &ConflictError{ID: id, Until: time.UnixMilli(row.LeaseExpiresAt)}
	}
	return nil
}

// delete removes the index row of a session that is unowned, owned by owner or whose lease expired, and then
// its directory. The row is the source of truth, a directory left behind is only reported.
func (m *Manager) delete(ctx context.Context, row db.Session, owner string, now time.Time) (bool, error) {
	n, err := m.qry.DeleteSession(ctx, db.DeleteSessionParams{
		ID:    row.ID,
		Owner: owner,
		Now:   now.UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	err = os.RemoveAll(row.Dir)
	if err != nil {
		m.tel.ReportWarning(report_manager_evict, fmt.Errorf("remove %s: %w", row.Dir, err), row.ID)
	}
	return true, nil
}

// SweepExpired evicts every unowned session past its TTL and returns how many were removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	if m.config.TTL <= 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "session.SweepExpired")
	defer span.End()

	now := m.clock.Now()
	rows, err := m.qry.ListExpiredSessions(ctx, db.ListExpiredSessionsParams{
		Cutoff: now.Add(-m.config.TTL).UnixMilli(),
		Now:    now.UnixMilli(),
	})
	if err != nil {
		return 0, m.fail(span, report_manager_sweep, err)
	}

	removed := 0
	for _, row := range rows {
		deleted, err := m.delete(ctx, row, "", now)
		if err != nil {
			m.tel.ReportBroken(report_manager_sweep, err, row.ID)
			continue
		}
		if deleted {
			removed++
		}
	}
	m.tel.ReportCount(report_manager_sweep, int64(removed))
	span.SetAttributes(attribute.Int("removed", removed))
	return removed, nil
}

// ScheduleSweep runs SweepExpired on a cron schedule.
func (m *Manager) ScheduleSweep(scheduler chrono.Scheduler, spec string) error {
	return scheduler.Schedule("session sweep", spec, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		m.SweepExpired(ctx)
	})
}

// Info is a listing entry for a session.
type Info struct {
	ID            string
	Label         string
	Dir           string
	Authenticated bool
	CreatedAt     time.Time
	LastUsedAt    time.Time
	Leased        bool
	Expired       bool
}

func (m *Manager) List(ctx context.Context) ([]Info, error) {
	rows, err := m.qry.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	out := make([]Info, len(rows))
	for i, row := range rows {
		out[i] = Info{
			ID:            row.ID,
			Label:         row.Label,
			Dir:           row.Dir,
			Authenticated: row.Authenticated != 0,
			CreatedAt:     time.UnixMilli(row.CreatedAt),
			LastUsedAt:    time.UnixMilli(row.LastUsedAt),
			Leased:        row.LeaseToken != "" && row.LeaseExpiresAt >= now.UnixMilli(),
			Expired:       m.expired(row, now),
		}
	}
	return out, nil
}

func (m *Manager) fail(span trace.Span, id string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.tel.ReportBroken(id, err)
	return err
}
