package db

import (
	"context"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertDirectMessage = `INSERT INTO direct_messages(id, sender_id, recipient_id, body, is_encrypted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	// both directions of a conversation, oldest first
	sqlSelectConversation = `SELECT id, sender_id, recipient_id, body, is_encrypted, created_at FROM direct_messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY created_at, id`
)

func (db *DB) InsertDirectMessage(ctx context.Context, m *domain.DirectMessage) error {
	if m.Id == uuid.Nil {
		m.Id = uuid.New()
	}
	_, err := db.db.ExecContext(ctx, sqlInsertDirectMessage, m.Id, m.SenderId, m.RecipientId, m.Body.Blob, m.Body.IsEncrypted, toMillis(m.CreatedAt))
	return err
}

func (db *DB) ReadConversation(ctx context.Context, a, b uuid.UUID) ([]domain.DirectMessage, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectConversation, a, b, b, a)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.DirectMessage
	for rows.Next() {
		var m domain.DirectMessage
		var createdAt int64
		if err := rows.Scan(&m.Id, &m.SenderId, &m.RecipientId, &m.Body.Blob, &m.Body.IsEncrypted, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
