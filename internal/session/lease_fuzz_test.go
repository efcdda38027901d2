package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"testing"
	"time"

	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/fuzzing"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/db"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

// steps:
// - Create a session with random cookies, the creator holds it
// - Restore a known id (90%) or an unknown one (10%)
// - Persist a held session, sometimes after merging a new cookie
// - Release a held session
// - Evict a known id
// - SweepExpired
// - Advance the clock by seconds (60%), minutes (30%) or hours (10%)

// properties of the system:
// - at most one owner holds a live lease on a session
// - an owner whose lease was taken over can no longer persist
// - restoring gives back exactly the cookies that were last persisted
// - a session unused for longer than its ttl is never restored
// - evicting or sweeping never removes a session with a live lease

const (
	fuzzLease  = 10 * time.Minute
	fuzzTTL    = 2 * time.Hour
	fuzzMargin = 2 * time.Second
)

type fuzzState int

const (
	stateNo fuzzState = iota
	stateYes
	stateUnknown
)

// window says whether now is past start+d, stateUnknown close to the boundary.
func window(start time.Time, d time.Duration, now time.Time) fuzzState {
	switch {
	case now.After(start.Add(d + fuzzMargin)):
		return stateYes
	case now.Before(start.Add(d - fuzzMargin)):
		return stateNo
	}
	return stateUnknown
}

type fuzzHolder struct {
	s          *Session
	refreshed  time.Time
	superseded bool
}

type fuzzRecord struct {
	lastUsed time.Time
	cookies  []Cookie
	holder   *fuzzHolder
}

type leaseTarget struct {
	rndm    *rand.Rand
	manager *Manager
	clock   *chrono.Simulated

	ids     []string
	records map[string]*fuzzRecord
	gone    map[string]bool
	holders []*fuzzHolder

	pickID  func(*rand.Rand) int
	advance func(*rand.Rand) int
}

type leaseProvider struct {
	t testing.TB
}

func (p leaseProvider) CreateTarget(tel telemetry.API, rndm *rand.Rand) (fuzzing.Target, error) {
	database, err := db.Open(context.Background(), db.Config{File: ":memory:"})
	if err != nil {
		return nil, err
	}
	p.t.Cleanup(func() { database.Close() })

	dir, err := os.MkdirTemp("", "authcrawl-lease-fuzz-")
	if err != nil {
		return nil, err
	}
	p.t.Cleanup(func() { os.RemoveAll(dir) })

	clock := chrono.NewSimulated(epoch)
	manager, err := NewManager(database, Config{
		Dir:           dir,
		TTL:           fuzzTTL,
		LeaseDuration: fuzzLease,
	}, WithClock(clock), WithTelemetry(telemetry.NewScopedAPI("lease_fuzz", &telemetry.Recorder{})))
	if err != nil {
		return nil, err
	}

	return &leaseTarget{
		rndm:    rndm,
		manager: manager,
		clock:   clock,
		records: map[string]*fuzzRecord{},
		gone:    map[string]bool{},
		// 0: a known id
		// 1: an id that never existed
		pickID:  fuzzing.RandomSwitch(9, 1),
		advance: fuzzing.RandomSwitch(6, 3, 1),
	}, nil
}

func (l *leaseTarget) randomCookie() Cookie {
	return Cookie{
		Name:    fuzzing.RandomString(l.rndm, 2),
		Value:   fuzzing.RandomString(l.rndm, 8),
		Domain:  "app.example.com",
		Path:    "/",
		Expires: -1,
	}
}

func (l *leaseTarget) randomID() (string, bool) {
	if len(l.ids) == 0 || l.pickID(l.rndm) == 1 {
		return "01J0000000000000000UNKNOWN", false
	}
	return l.ids[l.rndm.Intn(len(l.ids))], true
}

func (l *leaseTarget) randomHolder() (int, *fuzzHolder) {
	if len(l.holders) == 0 {
		return -1, nil
	}
	i := l.rndm.Intn(len(l.holders))
	return i, l.holders[i]
}

// leased says whether the current holder of rec has a live lease.
func (l *leaseTarget) leased(rec *fuzzRecord) fuzzState {
	if rec.holder == nil || rec.holder.s.released {
		return stateNo
	}
	switch window(rec.holder.refreshed, fuzzLease, l.clock.Now()) {
	case stateYes:
		return stateNo
	case stateNo:
		return stateYes
	}
	return stateUnknown
}

func (l *leaseTarget) expired(rec *fuzzRecord) fuzzState {
	return window(rec.lastUsed, fuzzTTL, l.clock.Now())
}

// forget stops checking a session whose state can no longer be predicted.
func (l *leaseTarget) forget(id string) {
	delete(l.records, id)
}

func (l *leaseTarget) take(id string, s *Session) {
	rec := l.records[id]
	if rec.holder != nil {
		rec.holder.superseded = true
	}
	rec.holder = &fuzzHolder{s: s, refreshed: l.clock.Now()}
	l.holders = append(l.holders, rec.holder)
}

func sameCookies(a, b []Cookie) bool {
	return cmp.Equal(a, b, sortCookies, cmpopts.EquateEmpty())
}

func (l *leaseTarget) StepCreate(ctx context.Context, res *Results) error {
	cookies := make([]Cookie, l.rndm.Intn(4))
	for i := range cookies {
		cookies[i] = l.randomCookie()
	}
	s, err := l.manager.Create(ctx, CreateOptions{Label: fuzzing.RandomString(l.rndm, 6), Cookies: cookies})
	if err != nil {
		return err
	}
	l.ids = append(l.ids, s.ID())
	l.records[s.ID()] = &fuzzRecord{lastUsed: l.clock.Now(), cookies: s.Cookies()}
	l.take(s.ID(), s)
	return nil
}

func (l *leaseTarget) StepRestore(ctx context.Context, res *Results) error {
	id, known := l.randomID()
	s, err := l.manager.Restore(ctx, id)
	if !known || l.gone[id] {
		if !errors.Is(err, ErrNotFound) {
			res.Fail(fmt.Errorf("restore.not-found: restoring missing session %s gave %v", id, err))
		}
		return nil
	}
	rec, ok := l.records[id]
	if !ok {
		if err == nil {
			l.manager.Release(ctx, s)
		}
		return nil
	}

	var conflict *ConflictError
	var expired *ExpiredError
	switch l.expired(rec) {
	case stateUnknown:
		if err == nil {
			l.manager.Release(ctx, s)
		}
		l.forget(id)
		return nil
	case stateYes:
		if !errors.As(err, &expired) {
			res.Fail(fmt.Errorf("restore.ttl: session %s unused for %s was restored with %v", id, l.clock.Now().Sub(rec.lastUsed), err))
			return nil
		}
		switch l.leased(rec) {
		case stateNo:
			l.gone[id] = true
		case stateUnknown:
			l.forget(id)
		}
		return nil
	}

	leased := l.leased(rec)
	switch {
	case err == nil && leased == stateYes:
		res.Fail(fmt.Errorf("restore.exclusive: session %s restored while another owner holds a live lease", id))
		l.forget(id)
	case err == nil:
		if !sameCookies(rec.cookies, s.Cookies()) {
			res.Fail(fmt.Errorf("restore.cookies: session %s restored %v, persisted %v", id, s.Cookies(), rec.cookies))
		}
		l.take(id, s)
	case errors.As(err, &conflict):
		if leased == stateNo {
			res.Fail(fmt.Errorf("restore.conflict: session %s has no live owner but restore gave %v", id, err))
		}
	default:
		res.Fail(fmt.Errorf("restore.unexpected: session %s: %w", id, err))
	}
	return nil
}

func (l *leaseTarget) StepPersist(ctx context.Context, res *Results) error {
	_, h := l.randomHolder()
	if h == nil {
		return nil
	}
	id := h.s.ID()
	if l.rndm.Intn(2) == 0 {
		err := l.manager.MergeCookies(h.s, []Cookie{l.randomCookie()})
		if err != nil {
			res.Fail(fmt.Errorf("persist.merge: held session %s: %w", id, err))
			return nil
		}
	}

	err := l.manager.Persist(ctx, h.s)
	rec, tracked := l.records[id]
	stale := h.superseded || l.gone[id]
	if !tracked && !stale {
		return nil
	}
	switch {
	case stale && err == nil:
		res.Fail(fmt.Errorf("persist.stale: owner of %s persisted after losing the session", id))
		l.forget(id)
	case stale:
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			res.Fail(fmt.Errorf("persist.stale: expected a conflict for %s, got %v", id, err))
		}
	case err != nil:
		res.Fail(fmt.Errorf("persist.owner: current owner of %s could not persist: %w", id, err))
	case tracked:
		rec.lastUsed = l.clock.Now()
		rec.cookies = h.s.Cookies()
		h.refreshed = l.clock.Now()
	}
	return nil
}

func (l *leaseTarget) StepRelease(ctx context.Context, res *Results) error {
	i, h := l.randomHolder()
	if h == nil {
		return nil
	}
	l.holders = slices.Delete(l.holders, i, i+1)
	return l.manager.Release(ctx, h.s)
}

func (l *leaseTarget) StepEvict(ctx context.Context, res *Results) error {
	id, known := l.randomID()
	err := l.manager.Evict(ctx, id)
	if !known || l.gone[id] {
		if !errors.Is(err, ErrNotFound) {
			res.Fail(fmt.Errorf("evict.not-found: evicting missing session %s gave %v", id, err))
		}
		return nil
	}
	rec, ok := l.records[id]
	if !ok {
		if err == nil {
			l.gone[id] = true
		}
		return nil
	}

	var conflict *ConflictError
	switch leased := l.leased(rec); {
	case err == nil && leased == stateYes:
		res.Fail(fmt.Errorf("evict.exclusive: session %s evicted under a live lease", id))
		l.gone[id] = true
	case err == nil:
		l.gone[id] = true
	case errors.As(err, &conflict):
		if leased == stateNo {
			res.Fail(fmt.Errorf("evict.conflict: session %s has no live owner but evict gave %v", id, err))
		}
	default:
		res.Fail(fmt.Errorf("evict.unexpected: session %s: %w", id, err))
	}
	return nil
}

func (l *leaseTarget) StepSweep(ctx context.Context, res *Results) error {
	removed, err := l.manager.SweepExpired(ctx)
	if err != nil {
		return err
	}

	definite, possible := 0, 0
	for _, id := range l.ids {
		rec, ok := l.records[id]
		if !ok || l.gone[id] {
			continue
		}
		expired, leased := l.expired(rec), l.leased(rec)
		switch {
		case expired == stateYes && leased == stateNo:
			definite++
			l.gone[id] = true
		case expired == stateNo || leased == stateYes:
		default:
			possible++
			l.forget(id)
		}
	}
	if removed < definite || removed > definite+possible+l.untracked() {
		res.Fail(fmt.Errorf("sweep.count: removed %d sessions, expected between %d and %d", removed, definite, definite+possible))
	}
	return nil
}

// untracked counts sessions that were forgotten but may still exist.
func (l *leaseTarget) untracked() int {
	n := 0
	for _, id := range l.ids {
		if _, ok := l.records[id]; !ok && !l.gone[id] {
			n++
		}
	}
	return n
}

func (l *leaseTarget) StepAdvance(ctx context.Context, res *Results) error {
	var d time.Duration
	switch l.advance(l.rndm) {
	case 0:
		d = time.Duration(l.rndm.Intn(59)+1) * time.Second
	case 1:
		d = time.Duration(l.rndm.Intn(19)+1) * time.Minute
	case 2:
		d = time.Duration(l.rndm.Intn(3)+1) * time.Hour
	}
	l.clock.Advance(d)
	return nil
}

func (l *leaseTarget) OnEnd(ctx context.Context, res *Results) {
	infos, err := l.manager.List(ctx)
	if err != nil {
		res.Fail(fmt.Errorf("list: %w", err))
		return
	}
	listed := map[string]bool{}
	for _, info := range infos {
		listed[info.ID] = true
	}
	for _, id := range l.ids {
		_, tracked := l.records[id]
		switch {
		case l.gone[id] && listed[id]:
			res.Fail(fmt.Errorf("list.gone: removed session %s is still listed", id))
		case tracked && !l.gone[id] && !listed[id]:
			res.Fail(fmt.Errorf("list.missing: session %s disappeared", id))
		}
	}
}

// Results is shorthand for the fuzzer's results in step signatures.
type Results = fuzzing.Results

func TestLeaseInvariants(t *testing.T) {
	f, err := fuzzing.New(&telemetry.Recorder{}, leaseProvider{t: t}, 20, 120)
	require.NoError(t, err)

	ctx := context.Background()
	if raw := os.Getenv("AUTHCRAWL_FUZZ_PATH"); raw != "" {
		path, err := fuzzing.ParsePath(raw)
		require.NoError(t, err)
		require.NoError(t, f.RunPath(ctx, path))
		return
	}

	paths := 64
	if testing.Short() {
		paths = 8
	}
	require.NoError(t, f.Explore(ctx, 1, paths, 4))
}
