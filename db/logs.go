package db

import (
	"context"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertFederationLog = `INSERT INTO federation_logs(id, remote_host, endpoint, direction, success, response_time_ms, status_code, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFederationLogs = `SELECT id, remote_host, endpoint, direction, success, response_time_ms, status_code, error_message, created_at
		FROM federation_logs ORDER BY created_at DESC LIMIT ?`
)

func (db *DB) InsertFederationLog(ctx context.Context, l *domain.FederationLog) error {
	if l.Id == uuid.Nil {
		l.Id = uuid.New()
	}
	_, err := db.db.ExecContext(ctx, sqlInsertFederationLog, l.Id, l.RemoteHost, l.Endpoint, l.Direction, l.Success,
		l.ResponseTimeMs, l.StatusCode, l.ErrorMessage, toMillis(l.CreatedAt))
	return err
}

// ReadFederationLogs returns the most recent exchanges first.
func (db *DB) ReadFederationLogs(ctx context.Context, limit int) ([]domain.FederationLog, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFederationLogs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.FederationLog
	for rows.Next() {
		var l domain.FederationLog
		var createdAt int64
		if err := rows.Scan(&l.Id, &l.RemoteHost, &l.Endpoint, &l.Direction, &l.Success, &l.ResponseTimeMs,
			&l.StatusCode, &l.ErrorMessage, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = fromMillis(createdAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
