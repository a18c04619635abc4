package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupCutoffs are the instants the cleanup predicates compare against.
type CleanupCutoffs struct {
	Now           time.Time
	FailedBefore  time.Time // failed_at older than this is reaped
	StalledBefore time.Time // processing since before this is reset
	BucketsBefore time.Time // hourly health buckets and completions older than this
	LogsBefore    time.Time
}

// CleanupTarget is one cleanup category. The same predicate drives both the
// dry-run count and the mutation.
type CleanupTarget struct {
	Category string
	table    string
	where    string
	set      string // empty means delete matching rows
	args     func(c CleanupCutoffs) []any
}

var cleanupTargets = []CleanupTarget{
	{
		Category: "failed_queue_items",
		table:    "federation_queue",
		where:    "state = 'failed' AND failed_at IS NOT NULL AND failed_at < ?",
		args:     func(c CleanupCutoffs) []any { return []any{toMillis(c.FailedBefore)} },
	},
	{
		Category: "expired_webfinger_cache",
		table:    "webfinger_cache",
		where:    "expires_at <= ?",
		args:     func(c CleanupCutoffs) []any { return []any{toMillis(c.Now)} },
	},
	{
		Category: "expired_actor_cache",
		table:    "remote_actor_cache",
		where:    "expires_at <= ?",
		args:     func(c CleanupCutoffs) []any { return []any{toMillis(c.Now)} },
	},
	{
		Category: "stalled_processing",
		table:    "federation_queue",
		where:    "state = 'processing' AND started_at IS NOT NULL AND started_at < ?",
		set:      "state = 'pending', started_at = NULL",
		args:     func(c CleanupCutoffs) []any { return []any{toMillis(c.StalledBefore)} },
	},
	{
		Category: "stale_health_buckets",
		table:    "remote_instance_buckets",
		where:    "bucket_start < ?",
		args:     func(c CleanupCutoffs) []any { return []any{toMillis(c.BucketsBefore)} },
	},
	{
		Category: "old_queue_completions",
		table:    "federation_queue_completions",
		where:    "completed_at < ?",
		args:     func(c CleanupCutoffs) []any { return []any{toMillis(c.BucketsBefore)} },
	},
	{
		Category: "old_federation_logs",
		table:    "federation_logs",
		where:    "created_at < ?",
		args:     func(c CleanupCutoffs) []any { return []any{toMillis(c.LogsBefore)} },
	},
}

// CleanupTargets returns every cleanup category in execution order.
func CleanupTargets() []CleanupTarget {
	return cleanupTargets
}

// Query returns the statement for target: a COUNT when dryRun is set,
// otherwise the DELETE or UPDATE.
func (t CleanupTarget) Query(dryRun bool) string {
	switch {
	case dryRun:
		return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", t.table, t.where)
	case t.set != "":
		return fmt.Sprintf("UPDATE %s SET %s WHERE %s", t.table, t.set, t.where)
	default:
		return fmt.Sprintf("DELETE FROM %s WHERE %s", t.table, t.where)
	}
}

// ApplyCleanup counts (dryRun) or mutates the rows matched by target and
// returns how many rows that is.
func (db *DB) ApplyCleanup(ctx context.Context, target CleanupTarget, cutoffs CleanupCutoffs, dryRun bool) (int64, error) {
	args := target.args(cutoffs)
	if dryRun {
		var n int64
		err := db.db.QueryRowContext(ctx, target.Query(true), args...).Scan(&n)
		return n, err
	}
	res, err := db.db.ExecContext(ctx, target.Query(false), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
