package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const (
	// the partial unique index on (type) WHERE acknowledged_at IS NULL makes this a no-op
	// while an alert of the same type is still open
	sqlInsertAlert      = `INSERT OR IGNORE INTO federation_alerts(id, type, severity, message, metadata, created_at, acknowledged_at) VALUES (?, ?, ?, ?, ?, ?, NULL)`
	sqlAlertColumns     = `SELECT id, type, severity, message, metadata, created_at, acknowledged_at FROM federation_alerts`
	sqlSelectAlerts     = sqlAlertColumns + ` ORDER BY created_at DESC LIMIT ?`
	sqlSelectOpenAlerts = sqlAlertColumns + ` WHERE acknowledged_at IS NULL ORDER BY created_at DESC LIMIT ?`
	sqlSelectAlert      = sqlAlertColumns + ` WHERE id = ?`
	sqlAckAlert         = `UPDATE federation_alerts SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`
)

// InsertAlertIfAbsent stores a, unless an unacknowledged alert of the same
// type exists. It reports whether a row was written.
func (db *DB) InsertAlertIfAbsent(ctx context.Context, a *domain.FederationAlert) (bool, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	res, err := db.db.ExecContext(ctx, sqlInsertAlert, a.Id, a.Type, string(a.Severity), a.Message, string(metaJSON), toMillis(a.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) ReadAlerts(ctx context.Context, unacknowledgedOnly bool, limit int) ([]domain.FederationAlert, error) {
	query := sqlSelectAlerts
	if unacknowledgedOnly {
		query = sqlSelectOpenAlerts
	}
	rows, err := db.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.FederationAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (db *DB) ReadAlert(ctx context.Context, id uuid.UUID) (*domain.FederationAlert, error) {
	return scanAlert(db.db.QueryRowContext(ctx, sqlSelectAlert, id))
}

// AcknowledgeAlert stamps the alert with now. Acknowledging twice keeps the
// first timestamp; an unknown id yields ErrNotFound.
func (db *DB) AcknowledgeAlert(ctx context.Context, id uuid.UUID, now time.Time) (*domain.FederationAlert, error) {
	if _, err := db.db.ExecContext(ctx, sqlAckAlert, toMillis(now), id); err != nil {
		return nil, err
	}
	return db.ReadAlert(ctx, id)
}

func scanAlert(row rowScanner) (*domain.FederationAlert, error) {
	var a domain.FederationAlert
	var severity, meta string
	var createdAt int64
	var ackAt sql.NullInt64
	err := row.Scan(&a.Id, &a.Type, &severity, &a.Message, &meta, &createdAt, &ackAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Severity = domain.AlertSeverity(severity)
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(createdAt)
	a.AcknowledgedAt = fromNullMillis(ackAt)
	return &a, nil
}
