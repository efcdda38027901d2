package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/db"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	telemetry.SetupForTesting("test:session")
	m.Run()
}

func newTestManager(t testing.TB, ttl time.Duration) (*Manager, *chrono.Simulated) {
	t.Helper()
	database, err := db.Open(context.Background(), db.Config{File: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := chrono.NewSimulated(epoch)
	manager, err := NewManager(database, Config{
		Dir:           t.TempDir(),
		TTL:           ttl,
		LeaseDuration: 10 * time.Minute,
	}, WithClock(clock), WithTelemetry(&telemetry.Recorder{}))
	require.NoError(t, err)
	return manager, clock
}

func unix(t time.Time) float64 {
	return float64(t.Unix())
}

var sortCookies = cmpopts.SortSlices(func(a, b Cookie) bool {
	return a.key() < b.key()
})

func TestPersistRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t, 0)

	created, err := manager.Create(ctx, CreateOptions{
		Label: "intranet",
		Cookies: []Cookie{
			{Name: "sid", Value: "abc", Domain: "app.example.com", Path: "/", Expires: -1, HTTPOnly: true, Secure: true, SameSite: "Lax"},
			{Name: "pref", Value: "dark", Domain: ".example.com", Path: "/", Expires: unix(epoch.Add(24 * time.Hour))},
		},
	})
	require.NoError(t, err)
	require.DirExists(t, created.Dir())

	require.NoError(t, manager.MergeCookies(created, []Cookie{
		{Name: "csrf", Value: "t0k", Domain: "app.example.com", Path: "/login", Expires: -1},
		{Name: "sid", Value: "rotated", Domain: "app.example.com", Path: "/", Expires: -1, HTTPOnly: true, Secure: true, SameSite: "Lax"},
	}))
	require.NoError(t, manager.SetOrigins(created, []OriginState{{
		Origin:       "https://app.example.com",
		LocalStorage: []NameValue{{Name: "token", Value: "jwt"}},
	}}))
	require.NoError(t, manager.MarkAuthenticated(created, true))
	expected := created.Cookies()

	clock.Advance(time.Minute)
	require.NoError(t, manager.Persist(ctx, created))
	require.NoError(t, manager.Release(ctx, created))

	restored, err := manager.Restore(ctx, created.ID())
	require.NoError(t, err)
	defer manager.Release(ctx, restored)

	if diff := cmp.Diff(expected, restored.Cookies(), sortCookies); diff != "" {
		t.Fatal(diff)
	}
	require.Len(t, restored.Cookies(), 3)
	require.True(t, restored.Authenticated())
	require.Equal(t, "intranet", restored.Label())
	require.True(t, epoch.Add(time.Minute).Equal(restored.LastUsedAt()))
	require.Equal(t, "jwt", restored.StorageState().Origins[0].LocalStorage[0].Value)
}

func TestPersistedLayout(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t, 0)

	s, err := manager.Create(ctx, CreateOptions{
		Cookies: []Cookie{{Name: "a", Value: "1", Domain: "x.test", Path: "/", Expires: -1}},
	})
	require.NoError(t, err)
	require.NoError(t, manager.Persist(ctx, s))

	content, err := os.ReadFile(filepath.Join(s.Dir(), storageStateFile))
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.Unmarshal(content, &state))
	require.Contains(t, state, "cookies")
	require.Contains(t, state, "origins")

	content, err = os.ReadFile(filepath.Join(s.Dir(), cookiesFile))
	require.NoError(t, err)
	var cookies []map[string]any
	require.NoError(t, json.Unmarshal(content, &cookies))
	require.Equal(t, "a", cookies[0]["name"])
	require.Contains(t, cookies[0], "httpOnly")
	require.Contains(t, cookies[0], "expires")
}

func TestRestorePrunesExpiredCookies(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t, 0)

	s, err := manager.Create(ctx, CreateOptions{Cookies: []Cookie{
		{Name: "short", Value: "1", Domain: "x.test", Path: "/", Expires: unix(epoch.Add(time.Hour))},
		{Name: "long", Value: "2", Domain: "x.test", Path: "/", Expires: unix(epoch.Add(48 * time.Hour))},
	}})
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, s))

	clock.Advance(2 * time.Hour)
	restored, err := manager.Restore(ctx, s.ID())
	require.NoError(t, err)
	require.Len(t, restored.Cookies(), 1)
	require.Equal(t, "long", restored.Cookies()[0].Name)
}

func TestRestoreEmptyCookieSet(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t, 0)

	s, err := manager.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, s))

	restored, err := manager.Restore(ctx, s.ID())
	require.NoError(t, err)
	require.Empty(t, restored.Cookies())
}

func TestConcurrentRestoreConflicts(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t, 0)

	s, err := manager.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, s))

	const owners = 8
	var wg sync.WaitGroup
	results := make([]*Session, owners)
	errs := make([]error, owners)
	for i := 0; i < owners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = manager.Restore(ctx, s.ID())
		}(i)
	}
	wg.Wait()

	var winner *Session
	conflicts := 0
	for i := range errs {
		var conflict *ConflictError
		switch {
		case errs[i] == nil:
			require.Nil(t, winner, "two owners restored the same session")
			winner = results[i]
		case errors.As(errs[i], &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	require.NotNil(t, winner)
	require.Equal(t, owners-1, conflicts)

	require.NoError(t, manager.Release(ctx, winner))
	again, err := manager.Restore(ctx, s.ID())
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, again))
}

func TestAbandonedLeaseExpires(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t, 0)

	abandoned, err := manager.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = manager.Restore(ctx, abandoned.ID())
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	clock.Advance(11 * time.Minute)
	taken, err := manager.Restore(ctx, abandoned.ID())
	require.NoError(t, err)

	// the original owner lost the lease and must not overwrite the new owner's state
	err = manager.Persist(ctx, abandoned)
	require.ErrorAs(t, err, &conflict)
	require.NoError(t, manager.Persist(ctx, taken))
}

func TestSessionTTL(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t, time.Hour)

	s, err := manager.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, manager.Persist(ctx, s))
	require.NoError(t, manager.Release(ctx, s))

	clock.Advance(2 * time.Hour)
	_, err = manager.Restore(ctx, s.ID())
	var expired *ExpiredError
	require.ErrorAs(t, err, &expired)
	require.Equal(t, time.Hour, expired.TTL)
	require.NoDirExists(t, s.Dir())

	_, err = manager.Restore(ctx, s.ID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t, 0)

	s, err := manager.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, manager.Evict(ctx, s.ID()), &conflict)
	require.DirExists(t, s.Dir())

	require.NoError(t, manager.Release(ctx, s))
	require.NoError(t, manager.Evict(ctx, s.ID()))
	require.NoDirExists(t, s.Dir())
	require.ErrorIs(t, manager.Evict(ctx, s.ID()), ErrNotFound)
}

func TestEvictKeepsIndexAuthoritative(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(ctx, db.Config{File: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	tel := &telemetry.Recorder{}
	manager, err := NewManager(database, Config{Dir: t.TempDir()}, WithClock(chrono.NewSimulated(epoch)), WithTelemetry(tel))
	require.NoError(t, err)

	s, err := manager.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, s))

	// a directory below a regular file cannot be removed
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	_, err = database.ExecContext(ctx, "update sessions set dir = ? where id = ?", filepath.Join(blocker, "session"), s.ID())
	require.NoError(t, err)

	require.NoError(t, manager.Evict(ctx, s.ID()))
	require.Equal(t, 1, tel.Count("warning", report_manager_evict))

	infos, err := manager.List(ctx)
	require.NoError(t, err)
	require.Empty(t, infos)
	require.ErrorIs(t, manager.Evict(ctx, s.ID()), ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t, time.Hour)

	old, err := manager.Create(ctx, CreateOptions{Label: "old"})
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, old))

	clock.Advance(90 * time.Minute)
	fresh, err := manager.Create(ctx, CreateOptions{Label: "fresh"})
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, fresh))

	infos, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	removed, err := manager.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	infos, err = manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "fresh", infos[0].Label)
	require.False(t, infos[0].Leased)
}

func TestScheduleSweep(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t, time.Hour)

	s, err := manager.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, s))

	cron := &chrono.Manual{}
	require.NoError(t, manager.ScheduleSweep(cron, "@every 10m"))
	require.Equal(t, "@every 10m", cron.Spec("session sweep"))

	clock.Advance(2 * time.Hour)
	require.True(t, cron.Fire(ctx, "session sweep"))

	infos, err := manager.List(ctx)
	require.NoError(t, err)
	require.Empty(t, infos)
	require.NoDirExists(t, s.Dir())
}

func TestReleasedSessionIsReadOnly(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t, 0)

	s, err := manager.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, s))
	require.NoError(t, manager.Release(ctx, s))

	require.ErrorIs(t, manager.Persist(ctx, s), ErrReleased)
	require.ErrorIs(t, manager.SetCookies(s, nil), ErrReleased)
	require.ErrorIs(t, manager.MarkAuthenticated(s, true), ErrReleased)
}

func TestJar(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t, 0)

	s, err := manager.Create(ctx, CreateOptions{Cookies: []Cookie{
		{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: -1, Secure: true},
		{Name: "host", Value: "only", Domain: "app.example.com", Path: "/", Expires: -1},
	}})
	require.NoError(t, err)

	jar, err := s.Jar()
	require.NoError(t, err)

	u, err := url.Parse("https://app.example.com/home")
	require.NoError(t, err)
	names := []string{}
	for _, c := range jar.Cookies(u) {
		names = append(names, c.Name)
	}
	require.ElementsMatch(t, []string{"sid", "host"}, names)

	other, err := url.Parse("https://other.example.com/")
	require.NoError(t, err)
	require.Len(t, jar.Cookies(other), 1)
}

func TestSetStorageState(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t, 0)

	s, err := manager.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	state := StorageState{
		Cookies: []Cookie{{Name: "a", Value: "1", Domain: "x.test", Path: "/", Expires: -1}},
		Origins: []OriginState{{Origin: "https://x.test", LocalStorage: []NameValue{{Name: "k", Value: "v"}}}},
	}
	require.NoError(t, manager.SetStorageState(s, state))
	require.NoError(t, manager.Persist(ctx, s))
	require.NoError(t, manager.Release(ctx, s))

	restored, err := manager.Restore(ctx, s.ID())
	require.NoError(t, err)
	if diff := cmp.Diff(state, restored.StorageState()); diff != "" {
		t.Fatal(diff)
	}
}
