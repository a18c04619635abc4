package message

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/encryption"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *db.DB, *domain.Account, *domain.Account) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "fedcore.db"))
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	alice := &domain.Account{Username: "alice", CreatedAt: testNow}
	bob := &domain.Account{Username: "bob", CreatedAt: testNow}
	for _, acc := range []*domain.Account{alice, bob} {
		if err := database.CreateAccount(ctx, acc); err != nil {
			t.Fatal(err)
		}
	}

	cipher, err := encryption.New("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	clock := testNow
	now := func() time.Time {
		clock = clock.Add(time.Hour)
		return clock
	}
	return NewService(database, cipher, now), database, alice, bob
}

func TestSendStoresCiphertext(t *testing.T) {
	svc, database, alice, bob := setup(t)
	ctx := context.Background()

	m, err := svc.Send(ctx, alice.Id, bob.Id, "meet at noon")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !m.Body.IsEncrypted || strings.Contains(m.Body.Blob, "noon") {
		t.Errorf("Body stored in the clear: %+v", m.Body)
	}

	rows, err := database.ReadConversation(ctx, alice.Id, bob.Id)
	if err != nil || len(rows) != 1 {
		t.Fatalf("Expected 1 stored row, got %d, %v", len(rows), err)
	}
	if rows[0].Body.Blob != m.Body.Blob {
		t.Error("Stored blob differs from returned blob")
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	svc, _, alice, bob := setup(t)
	if _, err := svc.Send(context.Background(), alice.Id, bob.Id, "  \n"); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage, got %v", err)
	}
	if _, err := svc.Send(context.Background(), alice.Id, bob.Id, strings.Repeat("x", maxBodyLength+1)); err == nil {
		t.Error("Expected error for oversized body")
	}
}

func TestConversationMixesLegacyAndBroken(t *testing.T) {
	svc, database, alice, bob := setup(t)
	ctx := context.Background()

	if _, err := svc.Send(ctx, alice.Id, bob.Id, "hello bob"); err != nil {
		t.Fatal(err)
	}
	// written before encryption was enabled
	if err := database.InsertDirectMessage(ctx, &domain.DirectMessage{
		SenderId:    bob.Id,
		RecipientId: alice.Id,
		Body:        domain.EncryptedMessage{Blob: "old plaintext", IsEncrypted: false},
		CreatedAt:   testNow.Add(time.Hour + time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if err := database.InsertDirectMessage(ctx, &domain.DirectMessage{
		SenderId:    bob.Id,
		RecipientId: alice.Id,
		Body:        domain.EncryptedMessage{Blob: "AQID", IsEncrypted: true},
		CreatedAt:   testNow.Add(time.Hour + 2*time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Send(ctx, alice.Id, bob.Id, "ünïcödé ✓"); err != nil {
		t.Fatal(err)
	}

	msgs, err := svc.Conversation(ctx, bob.Id, alice.Id)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	want := []string{"hello bob", "old plaintext", encryption.Placeholder, "ünïcödé ✓"}
	if len(msgs) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		if msgs[i].Text != w {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Text, w)
		}
	}
}
