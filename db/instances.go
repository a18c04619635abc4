package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedcore/domain"
)

const (
	sqlUpsertInstanceBucket = `INSERT INTO remote_instance_buckets(host, bucket_start, request_count, error_count) VALUES (?, ?, 1, ?)
		ON CONFLICT(host, bucket_start) DO UPDATE SET
			request_count = request_count + 1,
			error_count = error_count + excluded.error_count`
	sqlSumInstanceBuckets = `SELECT COALESCE(SUM(request_count), 0), COALESCE(SUM(error_count), 0)
		FROM remote_instance_buckets WHERE host = ? AND bucket_start >= ?`
	// a blocked host stays blocked until an operator unblocks it
	sqlUpsertInstance = `INSERT INTO remote_instances(host, status, health_score, request_count_24h, error_count_24h, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			status = CASE WHEN remote_instances.status = 'blocked' THEN 'blocked' ELSE excluded.status END,
			health_score = excluded.health_score,
			request_count_24h = excluded.request_count_24h,
			error_count_24h = excluded.error_count_24h,
			last_seen_at = MAX(remote_instances.last_seen_at, excluded.last_seen_at)`
	sqlSelectInstanceColumns = `SELECT host, status, health_score, request_count_24h, error_count_24h, first_seen_at, last_seen_at FROM remote_instances`
	sqlSelectInstance        = sqlSelectInstanceColumns + ` WHERE host = ?`
	sqlSelectInstances       = sqlSelectInstanceColumns + ` ORDER BY request_count_24h DESC, host LIMIT ?`
	sqlSelectInstanceHosts   = `SELECT host FROM remote_instances`
	sqlBlockInstance         = `INSERT INTO remote_instances(host, status, health_score, request_count_24h, error_count_24h, first_seen_at, last_seen_at)
		VALUES (?, 'blocked', 100, 0, 0, ?, ?)
		ON CONFLICT(host) DO UPDATE SET status = 'blocked'`
	sqlUnblockInstance = `UPDATE remote_instances SET status = ? WHERE host = ? AND status = 'blocked'`
)

// AddInstanceAttempt records one request, and an error when success is false,
// in the hourly bucket starting at bucketStart.
func (db *DB) AddInstanceAttempt(ctx context.Context, host string, bucketStart time.Time, success bool) error {
	errCount := 0
	if !success {
		errCount = 1
	}
	_, err := db.db.ExecContext(ctx, sqlUpsertInstanceBucket, host, toMillis(bucketStart), errCount)
	return err
}

// SumInstanceBuckets returns request and error totals of buckets starting at or after since.
func (db *DB) SumInstanceBuckets(ctx context.Context, host string, since time.Time) (requests, errs int64, err error) {
	err = db.db.QueryRowContext(ctx, sqlSumInstanceBuckets, host, toMillis(since)).Scan(&requests, &errs)
	return requests, errs, err
}

// UpsertInstance writes the rolling aggregate of inst. A zero LastSeenAt
// leaves the stored value untouched.
func (db *DB) UpsertInstance(ctx context.Context, inst *domain.RemoteInstance) error {
	firstSeen := inst.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = inst.LastSeenAt
	}
	_, err := db.db.ExecContext(ctx, sqlUpsertInstance, inst.Host, string(inst.Status), inst.HealthScore,
		inst.RequestCount24h, inst.ErrorCount24h, toMillis(firstSeen), toMillis(inst.LastSeenAt))
	return err
}

func (db *DB) ReadInstance(ctx context.Context, host string) (*domain.RemoteInstance, error) {
	return scanInstance(db.db.QueryRowContext(ctx, sqlSelectInstance, host))
}

// ReadInstances lists instances busiest first.
func (db *DB) ReadInstances(ctx context.Context, limit int) ([]domain.RemoteInstance, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectInstances, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []domain.RemoteInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func (db *DB) ReadInstanceHosts(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectInstanceHosts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// BlockInstance marks host blocked, creating the row if the host was never seen.
func (db *DB) BlockInstance(ctx context.Context, host string, now time.Time) error {
	_, err := db.db.ExecContext(ctx, sqlBlockInstance, host, toMillis(now), toMillis(now))
	return err
}

// UnblockInstance moves a blocked host to status. Returns ErrNotFound when
// the host is unknown or was not blocked.
func (db *DB) UnblockInstance(ctx context.Context, host string, status domain.InstanceStatus) error {
	res, err := db.db.ExecContext(ctx, sqlUnblockInstance, string(status), host)
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

func scanInstance(row rowScanner) (*domain.RemoteInstance, error) {
	var inst domain.RemoteInstance
	var status string
	var firstSeen, lastSeen int64
	err := row.Scan(&inst.Host, &status, &inst.HealthScore, &inst.RequestCount24h, &inst.ErrorCount24h, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inst.Status = domain.InstanceStatus(status)
	inst.FirstSeenAt = fromMillis(firstSeen)
	inst.LastSeenAt = fromMillis(lastSeen)
	return &inst, nil
}
