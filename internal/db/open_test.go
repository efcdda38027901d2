package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenFileAndLease(t *testing.T) {
	ctx := context.Background()
	database, err := Open(ctx, Config{File: filepath.Join(t.TempDir(), "nested", "index.db")})
	require.NoError(t, err)
	defer database.Close()

	qry := New(database)
	err = qry.CreateSession(ctx, CreateSessionParams{
		ID:         "01ABC",
		Dir:        "/tmp/01ABC",
		CreatedAt:  10,
		LastUsedAt: 10,
	})
	require.NoError(t, err)

	n, err := qry.AcquireLease(ctx, AcquireLeaseParams{LeaseToken: "a", LeaseExpiresAt: 100, ID: "01ABC", Now: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// held and unexpired
	n, err = qry.AcquireLease(ctx, AcquireLeaseParams{LeaseToken: "b", LeaseExpiresAt: 200, ID: "01ABC", Now: 50})
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	// the holder's lease ran out
	n, err = qry.AcquireLease(ctx, AcquireLeaseParams{LeaseToken: "b", LeaseExpiresAt: 300, ID: "01ABC", Now: 150})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = qry.ReleaseLease(ctx, ReleaseLeaseParams{ID: "01ABC", LeaseToken: "a"})
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	n, err = qry.DeleteSession(ctx, DeleteSessionParams{ID: "01ABC", Owner: "b", Now: 150})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = qry.GetSession(ctx, "01ABC")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSnapshotUpsert(t *testing.T) {
	ctx := context.Background()
	database, err := Open(ctx, Config{File: ":memory:"})
	require.NoError(t, err)
	defer database.Close()

	qry := New(database)
	require.NoError(t, qry.UpsertSnapshot(ctx, UpsertSnapshotParams{Key: "k", Url: "u", ContentHash: "h1", Content: "c1", CheckedAt: 1, ChangedAt: 1}))
	require.NoError(t, qry.UpsertSnapshot(ctx, UpsertSnapshotParams{Key: "k", Url: "u", ContentHash: "h2", Content: "c2", CheckedAt: 2, ChangedAt: 2}))

	snapshot, err := qry.GetSnapshot(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "h2", snapshot.ContentHash)
	require.EqualValues(t, 2, snapshot.ChangedAt)
}
