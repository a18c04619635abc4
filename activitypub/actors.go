package activitypub

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/deemkeen/fedcore/domain"
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           any    `json:"@context,omitempty"`
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername,omitempty"`
	Name              string `json:"name,omitempty"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox,omitempty"`
	PublicKey         struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// inboxFromDocument extracts the inbox URL of an actor document.
func inboxFromDocument(doc []byte) (string, error) {
	var actor ActorResponse
	if err := json.Unmarshal(doc, &actor); err != nil {
		return "", fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if actor.Inbox == "" {
		return "", fmt.Errorf("actor document has no inbox")
	}
	u, err := url.Parse(actor.Inbox)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid inbox URL %q", actor.Inbox)
	}
	return actor.Inbox, nil
}

// ActorURI is the id of a local account's actor document.
func ActorURI(sslDomain, username string) string {
	return fmt.Sprintf("https://%s/users/%s", sslDomain, username)
}

// KeyID names a local account's signing key.
func KeyID(sslDomain, username string) string {
	return ActorURI(sslDomain, username) + "#main-key"
}

// LocalActor builds the actor document served for a local account.
func LocalActor(acc *domain.Account, sslDomain string) *ActorResponse {
	id := ActorURI(sslDomain, acc.Username)
	actor := &ActorResponse{
		Context: []any{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                id,
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              acc.DisplayName,
		Inbox:             id + "/inbox",
		Outbox:            id + "/outbox",
	}
	actor.PublicKey.ID = KeyID(sslDomain, acc.Username)
	actor.PublicKey.Owner = id
	actor.PublicKey.PublicKeyPem = acc.WebPublicKey
	return actor
}
