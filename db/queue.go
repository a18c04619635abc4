package db

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const (
	sqlQueueColumns   = `id, partition_key, host, payload, state, attempts, next_attempt_at, started_at, failed_at, last_error, created_at`
	sqlInsertQueue    = `INSERT INTO federation_queue(` + sqlQueueColumns + `) VALUES (?, ?, ?, ?, 'pending', 0, ?, NULL, NULL, '', ?)`
	sqlSelectQueueRow = `SELECT ` + sqlQueueColumns + ` FROM federation_queue WHERE id = ?`
	// single statement so two workers can never claim the same row
	sqlClaimQueue = `UPDATE federation_queue SET state = 'processing', started_at = ?
		WHERE state = 'pending' AND id IN (
			SELECT id FROM federation_queue
			WHERE partition_key = ? AND state = 'pending' AND next_attempt_at <= ?
			ORDER BY next_attempt_at, created_at LIMIT ?)
		RETURNING ` + sqlQueueColumns
	sqlSelectProcessing = `SELECT partition_key, started_at FROM federation_queue WHERE id = ? AND state = 'processing'`
	sqlDeleteQueueRow   = `DELETE FROM federation_queue WHERE id = ?`
	sqlInsertCompletion = `INSERT INTO federation_queue_completions(id, partition_key, duration_ms, completed_at) VALUES (?, ?, ?, ?)`
	sqlFailQueue        = `UPDATE federation_queue SET state = 'failed', attempts = attempts + 1, failed_at = ?, next_attempt_at = ?, last_error = ?, started_at = NULL
		WHERE id = ? AND state = 'processing'`
	sqlDeferQueue = `UPDATE federation_queue SET state = 'pending', next_attempt_at = ?, started_at = NULL
		WHERE id = ? AND state = 'processing'`
	sqlRequeueDue = `UPDATE federation_queue SET state = 'pending', failed_at = NULL
		WHERE state = 'failed' AND attempts < ? AND next_attempt_at <= ?`
	sqlCountQueueStates = `SELECT state, COUNT(*) FROM federation_queue GROUP BY state`
	sqlOldestPending    = `SELECT MIN(created_at) FROM federation_queue WHERE state = 'pending'`
	sqlAvgCompletion    = `SELECT COALESCE(AVG(duration_ms), 0) FROM federation_queue_completions WHERE completed_at >= ?`
	sqlPartitionCounts  = `SELECT partition_key, state, COUNT(*) FROM federation_queue GROUP BY partition_key, state ORDER BY partition_key, state`
)

// QueueSnapshot holds queue-wide counters read in one pass.
type QueueSnapshot struct {
	Pending         int64
	Processing      int64
	Failed          int64
	OldestPendingAt time.Time // zero when nothing is pending
	AvgProcessingMs float64
}

// PartitionCount is the number of items of one state in one partition.
type PartitionCount struct {
	Partition int
	State     domain.QueueState
	Count     int64
}

func (db *DB) InsertQueueItem(ctx context.Context, item *domain.FederationQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	item.State = domain.QueuePending
	_, err := db.db.ExecContext(ctx, sqlInsertQueue, item.Id, item.Partition, item.Host, string(item.Payload),
		toMillis(item.NextAttemptAt), toMillis(item.CreatedAt))
	return err
}

func (db *DB) ReadQueueItem(ctx context.Context, id uuid.UUID) (*domain.FederationQueueItem, error) {
	return scanQueueItem(db.db.QueryRowContext(ctx, sqlSelectQueueRow, id))
}

// ClaimQueueItems moves up to limit due pending items of partition to
// processing and returns them oldest due first.
func (db *DB) ClaimQueueItems(ctx context.Context, partition, limit int, now time.Time) ([]domain.FederationQueueItem, error) {
	ms := toMillis(now)
	rows, err := db.db.QueryContext(ctx, sqlClaimQueue, ms, partition, ms, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.FederationQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].NextAttemptAt.Equal(items[j].NextAttemptAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].NextAttemptAt.Before(items[j].NextAttemptAt)
	})
	return items, nil
}

// CompleteQueueItem deletes a processing item and records how long it took.
func (db *DB) CompleteQueueItem(ctx context.Context, id uuid.UUID, now time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var partition int
		var startedAt sql.NullInt64
		err := tx.QueryRowContext(ctx, sqlSelectProcessing, id).Scan(&partition, &startedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlDeleteQueueRow, id); err != nil {
			return err
		}
		var duration int64
		if startedAt.Valid {
			duration = max(toMillis(now)-startedAt.Int64, 0)
		}
		_, err = tx.ExecContext(ctx, sqlInsertCompletion, uuid.New(), partition, duration, toMillis(now))
		return err
	})
}

// FailQueueItem moves a processing item to failed, bumping its attempt count.
func (db *DB) FailQueueItem(ctx context.Context, id uuid.UUID, lastError string, nextAttempt, now time.Time) error {
	return db.execExpectRow(ctx, sqlFailQueue, toMillis(now), toMillis(nextAttempt), lastError, id)
}

// DeferQueueItem returns a processing item to pending without counting an attempt.
func (db *DB) DeferQueueItem(ctx context.Context, id uuid.UUID, until time.Time) error {
	return db.execExpectRow(ctx, sqlDeferQueue, toMillis(until), id)
}

// RequeueDueItems moves failed items whose backoff elapsed back to pending.
// Items that reached maxAttempts stay failed.
func (db *DB) RequeueDueItems(ctx context.Context, maxAttempts int, now time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx, sqlRequeueDue, maxAttempts, toMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) ReadQueueSnapshot(ctx context.Context, now time.Time, window time.Duration) (*QueueSnapshot, error) {
	var snap QueueSnapshot
	rows, err := db.db.QueryContext(ctx, sqlCountQueueStates)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, err
		}
		switch domain.QueueState(state) {
		case domain.QueuePending:
			snap.Pending = n
		case domain.QueueProcessing:
			snap.Processing = n
		case domain.QueueFailed:
			snap.Failed = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullInt64
	if err := db.db.QueryRowContext(ctx, sqlOldestPending).Scan(&oldest); err != nil {
		return nil, err
	}
	if oldest.Valid {
		snap.OldestPendingAt = fromMillis(oldest.Int64)
	}

	if err := db.db.QueryRowContext(ctx, sqlAvgCompletion, toMillis(now.Add(-window))).Scan(&snap.AvgProcessingMs); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (db *DB) ReadPartitionCounts(ctx context.Context) ([]PartitionCount, error) {
	rows, err := db.db.QueryContext(ctx, sqlPartitionCounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []PartitionCount
	for rows.Next() {
		var pc PartitionCount
		var state string
		if err := rows.Scan(&pc.Partition, &state, &pc.Count); err != nil {
			return nil, err
		}
		pc.State = domain.QueueState(state)
		counts = append(counts, pc)
	}
	return counts, rows.Err()
}

func (db *DB) execExpectRow(ctx context.Context, query string, args ...any) error {
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanQueueItem(row rowScanner) (*domain.FederationQueueItem, error) {
	var item domain.FederationQueueItem
	var payload, state string
	var nextAttempt, createdAt int64
	var startedAt, failedAt sql.NullInt64
	err := row.Scan(&item.Id, &item.Partition, &item.Host, &payload, &state, &item.Attempts,
		&nextAttempt, &startedAt, &failedAt, &item.LastError, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Payload = []byte(payload)
	item.State = domain.QueueState(state)
	item.NextAttemptAt = fromMillis(nextAttempt)
	item.StartedAt = fromNullMillis(startedAt)
	item.FailedAt = fromNullMillis(failedAt)
	item.CreatedAt = fromMillis(createdAt)
	return &item, nil
}
