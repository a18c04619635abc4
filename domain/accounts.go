package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local user that remote servers can look up via WebFinger.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}

// String identifies the account in logs. Key material is never included.
func (acc *Account) String() string {
	if acc.DisplayName == "" {
		return fmt.Sprintf("%s (%s)", acc.Username, acc.Id)
	}
	return fmt.Sprintf("%s %q (%s)", acc.Username, acc.DisplayName, acc.Id)
}

// DirectMessage is a private message between two accounts. Body holds the
// encrypted blob once encryption succeeded.
type DirectMessage struct {
	Id          uuid.UUID
	SenderId    uuid.UUID
	RecipientId uuid.UUID
	Body        EncryptedMessage
	CreatedAt   time.Time
}

// EncryptedMessage is a message body as persisted. When IsEncrypted is false
// the blob is a plaintext row written before encryption was enabled.
type EncryptedMessage struct {
	Blob        string
	IsEncrypted bool
}
