package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedcore/domain"
)

const (
	sqlSelectWebFinger = `SELECT acct, actor_url, inbox_url, expires_at, hit_count FROM webfinger_cache WHERE acct = ? AND expires_at > ?`

	// hit_count survives a refresh so pre-warm ranking is stable across TTL renewals
	sqlUpsertWebFinger = `INSERT INTO webfinger_cache(acct, actor_url, inbox_url, expires_at, hit_count, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(acct) DO UPDATE SET
			actor_url = excluded.actor_url,
			inbox_url = excluded.inbox_url,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`

	sqlIncrementWebFingerHits = `UPDATE webfinger_cache SET hit_count = hit_count + ? WHERE acct = ?`

	sqlSelectPrewarmCandidates = `SELECT acct, actor_url, inbox_url, expires_at, hit_count FROM webfinger_cache
		WHERE expires_at > ? AND expires_at <= ? ORDER BY hit_count DESC, acct LIMIT ?`

	sqlDeleteWebFinger = `DELETE FROM webfinger_cache WHERE acct = ?`

	sqlSelectActor = `SELECT actor_url, document, fetched_at, expires_at FROM remote_actor_cache WHERE actor_url = ? AND expires_at > ?`

	sqlUpsertActor = `INSERT INTO remote_actor_cache(actor_url, document, fetched_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(actor_url) DO UPDATE SET
			document = excluded.document,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`

	sqlDeleteActor = `DELETE FROM remote_actor_cache WHERE actor_url = ?`
)

// ReadWebFingerEntry returns the unexpired entry for acct, or ErrNotFound.
func (db *DB) ReadWebFingerEntry(ctx context.Context, acct string, now time.Time) (*domain.WebFingerCacheEntry, error) {
	return scanWebFinger(db.db.QueryRowContext(ctx, sqlSelectWebFinger, acct, toMillis(now)))
}

func (db *DB) UpsertWebFingerEntry(ctx context.Context, e *domain.WebFingerCacheEntry, now time.Time) error {
	_, err := db.db.ExecContext(ctx, sqlUpsertWebFinger, e.Acct, e.ActorURL, nullString(e.InboxURL), toMillis(e.ExpiresAt), e.HitCount, toMillis(now))
	return err
}

// IncrementWebFingerHits adds n to the hit counter of acct. Missing rows are ignored.
func (db *DB) IncrementWebFingerHits(ctx context.Context, acct string, n int64) error {
	_, err := db.db.ExecContext(ctx, sqlIncrementWebFingerHits, n, acct)
	return err
}

func (db *DB) DeleteWebFingerEntry(ctx context.Context, acct string) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteWebFinger, acct)
	return err
}

// ReadPrewarmCandidates returns up to limit unexpired entries that expire
// before the given deadline, most popular first.
func (db *DB) ReadPrewarmCandidates(ctx context.Context, now, deadline time.Time, limit int) ([]domain.WebFingerCacheEntry, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPrewarmCandidates, toMillis(now), toMillis(deadline), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.WebFingerCacheEntry
	for rows.Next() {
		e, err := scanWebFinger(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanWebFinger(row rowScanner) (*domain.WebFingerCacheEntry, error) {
	var e domain.WebFingerCacheEntry
	var inbox sql.NullString
	var expiresAt int64
	err := row.Scan(&e.Acct, &e.ActorURL, &inbox, &expiresAt, &e.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.InboxURL = fromNullString(inbox)
	e.ExpiresAt = fromMillis(expiresAt)
	return &e, nil
}

// ReadActorEntry returns the unexpired actor document for actorURL, or ErrNotFound.
func (db *DB) ReadActorEntry(ctx context.Context, actorURL string, now time.Time) (*domain.RemoteActorCacheEntry, error) {
	var e domain.RemoteActorCacheEntry
	var doc string
	var fetchedAt, expiresAt int64
	err := db.db.QueryRowContext(ctx, sqlSelectActor, actorURL, toMillis(now)).Scan(&e.ActorURL, &doc, &fetchedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Document = []byte(doc)
	e.FetchedAt = fromMillis(fetchedAt)
	e.ExpiresAt = fromMillis(expiresAt)
	return &e, nil
}

func (db *DB) UpsertActorEntry(ctx context.Context, e *domain.RemoteActorCacheEntry) error {
	_, err := db.db.ExecContext(ctx, sqlUpsertActor, e.ActorURL, string(e.Document), toMillis(e.FetchedAt), toMillis(e.ExpiresAt))
	return err
}

func (db *DB) DeleteActorEntry(ctx context.Context, actorURL string) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteActor, actorURL)
	return err
}
