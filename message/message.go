// Package message stores direct messages between local accounts with the
// body encrypted at rest.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/encryption"
	"github.com/google/uuid"
)

const maxBodyLength = 10000

var ErrEmptyMessage = errors.New("message body is empty")

type Store interface {
	InsertDirectMessage(ctx context.Context, m *domain.DirectMessage) error
	ReadConversation(ctx context.Context, a, b uuid.UUID) ([]domain.DirectMessage, error)
}

// Message is a decrypted direct message.
type Message struct {
	Id          uuid.UUID `json:"id"`
	SenderId    uuid.UUID `json:"senderId"`
	RecipientId uuid.UUID `json:"recipientId"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Service struct {
	store  Store
	cipher *encryption.Cipher
	now    func() time.Time
}

func NewService(store Store, cipher *encryption.Cipher, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, cipher: cipher, now: now}
}

// Send encrypts text and stores it. Nothing is stored when encryption fails.
func (s *Service) Send(ctx context.Context, sender, recipient uuid.UUID, text string) (*domain.DirectMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if len(text) > maxBodyLength {
		return nil, fmt.Errorf("message body exceeds %d bytes", maxBodyLength)
	}
	blob, err := s.cipher.Encrypt(text)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}
	m := &domain.DirectMessage{
		SenderId:    sender,
		RecipientId: recipient,
		Body:        domain.EncryptedMessage{Blob: blob, IsEncrypted: true},
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertDirectMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	return m, nil
}

// Conversation returns both directions between a and b, oldest first.
// Rows written before encryption was enabled are returned as stored; rows
// that fail to decrypt carry encryption.Placeholder.
func (s *Service) Conversation(ctx context.Context, a, b uuid.UUID) ([]Message, error) {
	rows, err := s.store.ReadConversation(ctx, a, b)
	if err != nil {
		return nil, err
	}

	var blobs []string
	for _, r := range rows {
		if r.Body.IsEncrypted {
			blobs = append(blobs, r.Body.Blob)
		}
	}
	plain := s.cipher.DecryptBatch(blobs)

	msgs := make([]Message, len(rows))
	next := 0
	for i, r := range rows {
		text := r.Body.Blob
		if r.Body.IsEncrypted {
			text = plain[next]
			next++
		}
		msgs[i] = Message{Id: r.Id, SenderId: r.SenderId, RecipientId: r.RecipientId, Text: text, CreatedAt: r.CreatedAt}
	}
	return msgs, nil
}
