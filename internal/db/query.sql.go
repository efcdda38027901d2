package db

import (
	"context"
)

const acquireLease = `-- name: AcquireLease :execrows
update sessions set lease_token = ?, lease_expires_at = ?
where id = ? and (lease_token = '' or lease_expires_at < ?4)
`

type AcquireLeaseParams struct {
	LeaseToken     string
	LeaseExpiresAt int64
	ID             string
	Now            int64
}

func (q *Queries) AcquireLease(ctx context.Context, arg AcquireLeaseParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, acquireLease,
		arg.LeaseToken,
		arg.LeaseExpiresAt,
		arg.ID,
		arg.Now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const createSession = `-- name: CreateSession :exec
insert into sessions (id, dir, label, authenticated, created_at, last_used_at, lease_token, lease_expires_at)
values (?, ?, ?, ?, ?, ?, ?, ?)
`

type CreateSessionParams struct {
	ID             string
	Dir            string
	Label          string
	Authenticated  int64
	CreatedAt      int64
	LastUsedAt     int64
	LeaseToken     string
	LeaseExpiresAt int64
}

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) error {
	_, err := q.db.ExecContext(ctx, createSession,
		arg.ID,
		arg.Dir,
		arg.Label,
		arg.Authenticated,
		arg.CreatedAt,
		arg.LastUsedAt,
		arg.LeaseToken,
		arg.LeaseExpiresAt,
	)
	return err
}

const deleteSession = `-- name: DeleteSession :execrows
delete from sessions
where id = ? and (lease_token = '' or lease_token = ?2 or lease_expires_at < ?3)
`

type DeleteSessionParams struct {
	ID    string
	Owner string
	Now   int64
}

func (q *Queries) DeleteSession(ctx context.Context, arg DeleteSessionParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteSession, arg.ID, arg.Owner, arg.Now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getSession = `-- name: GetSession :one
select id, dir, label, authenticated, created_at, last_used_at, lease_token, lease_expires_at from sessions where id = ?
`

func (q *Queries) GetSession(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRowContext(ctx, getSession, id)
	var i Session
	err := row.Scan(
		&i.ID,
		&i.Dir,
		&i.Label,
		&i.Authenticated,
		&i.CreatedAt,
		&i.LastUsedAt,
		&i.LeaseToken,
		&i.LeaseExpiresAt,
	)
	return i, err
}

const getSnapshot = `-- name: GetSnapshot :one
select key, url, content_hash, content, checked_at, changed_at from monitor_snapshots where key = ?
`

func (q *Queries) GetSnapshot(ctx context.Context, key string) (MonitorSnapshot, error) {
	row := q.db.QueryRowContext(ctx, getSnapshot, key)
	var i MonitorSnapshot
	err := row.Scan(
		&i.Key,
		&i.Url,
		&i.ContentHash,
		&i.Content,
		&i.CheckedAt,
		&i.ChangedAt,
	)
	return i, err
}

const listExpiredSessions = `-- name: ListExpiredSessions :many
select id, dir, label, authenticated, created_at, last_used_at, lease_token, lease_expires_at from sessions
where last_used_at < ?1 and (lease_token = '' or lease_expires_at < ?2)
`

type ListExpiredSessionsParams struct {
	Cutoff int64
	Now    int64
}

func (q *Queries) ListExpiredSessions(ctx context.Context, arg ListExpiredSessionsParams) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx, listExpiredSessions, arg.Cutoff, arg.Now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Session
	for rows.Next() {
		var i Session
		if err := rows.Scan(
			&i.ID,
			&i.Dir,
			&i.Label,
			&i.Authenticated,
			&i.CreatedAt,
			&i.LastUsedAt,
			&i.LeaseToken,
			&i.LeaseExpiresAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listSessions = `-- name: ListSessions :many
select id, dir, label, authenticated, created_at, last_used_at, lease_token, lease_expires_at from sessions order by created_at desc
`

func (q *Queries) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx, listSessions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Session
	for rows.Next() {
		var i Session
		if err := rows.Scan(
			&i.ID,
			&i.Dir,
			&i.Label,
			&i.Authenticated,
			&i.CreatedAt,
			&i.LastUsedAt,
			&i.LeaseToken,
			&i.LeaseExpiresAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const releaseLease = `-- name: ReleaseLease :execrows
update sessions set lease_token = '', lease_expires_at = 0
where id = ? and lease_token = ?
`

type ReleaseLeaseParams struct {
	ID         string
	LeaseToken string
}

func (q *Queries) ReleaseLease(ctx context.Context, arg ReleaseLeaseParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, releaseLease, arg.ID, arg.LeaseToken)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const touchSession = `-- name: TouchSession :execrows
update sessions set last_used_at = ?, authenticated = ?, lease_expires_at = ?
where id = ? and lease_token = ?
`

type TouchSessionParams struct {
	LastUsedAt     int64
	Authenticated  int64
	LeaseExpiresAt int64
	ID             string
	LeaseToken     string
}

func (q *Queries) TouchSession(ctx context.Context, arg TouchSessionParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, touchSession,
		arg.LastUsedAt,
		arg.Authenticated,
		arg.LeaseExpiresAt,
		arg.ID,
		arg.LeaseToken,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const upsertSnapshot = `-- name: UpsertSnapshot :exec
insert into monitor_snapshots (key, url, content_hash, content, checked_at, changed_at)
values (?, ?, ?, ?, ?, ?)
on conflict (key) do update set
    url = excluded.url,
    content_hash = excluded.content_hash,
    content = excluded.content,
    checked_at = excluded.checked_at,
    changed_at = excluded.changed_at
`

type UpsertSnapshotParams struct {
	Key         string
	Url         string
	ContentHash string
	Content     string
	CheckedAt   int64
	ChangedAt   int64
}

func (q *Queries) UpsertSnapshot(ctx context.Context, arg UpsertSnapshotParams) error {
	_, err := q.db.ExecContext(ctx, upsertSnapshot,
		arg.Key,
		arg.Url,
		arg.ContentHash,
		arg.Content,
		arg.CheckedAt,
		arg.ChangedAt,
	)
	return err
}
