package activitypub

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/queue"
)

const remoteInbox = "remote.example/users/alice/inbox"

func createSender(t *testing.T, env *testEnv) string {
	t.Helper()
	_, privPEM, pubPEM := testKeys(t)
	acc := &domain.Account{Username: "bob", WebPublicKey: pubPEM, WebPrivateKey: privPEM, CreatedAt: testNow}
	if err := env.db.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return pubPEM
}

func enqueueDelivery(t *testing.T, q *queue.Queue, sender string) *domain.FederationQueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), "remote.example", domain.DeliveryPayload{
		InboxURI:     "https://" + remoteInbox,
		Sender:       sender,
		ActivityJSON: json.RawMessage(`{"type":"Follow","actor":"https://fed.example/users/bob"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return item
}

func newTestWorker(env *testEnv, q *queue.Queue) *DeliveryWorker {
	return NewDeliveryWorker(q, env.client, env.db, nil, DeliveryConfig{
		SslDomain: "fed.example",
		Batch:     10,
		DeferFor:  15 * time.Minute,
		Now:       env.clock.now,
	})
}

func TestDeliverySignsAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	pubPEM := createSender(t, env)
	env.transport.route(remoteInbox, mockRoute{status: http.StatusAccepted})
	q := queue.New(env.db, 4, 3, env.clock.now)
	item := enqueueDelivery(t, q, "bob")
	ctx := context.Background()

	summary, err := newTestWorker(env, q).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Delivered != 1 || summary.Failed != 0 {
		t.Errorf("Unexpected summary %+v", summary)
	}

	if len(env.transport.captured) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(env.transport.captured))
	}
	sent := env.transport.captured[0]
	if sent.req.Method != http.MethodPost {
		t.Errorf("Expected POST, got %s", sent.req.Method)
	}
	if ct := sent.req.Header.Get("Content-Type"); ct != ContentTypeActivityJSON {
		t.Errorf("Unexpected Content-Type %q", ct)
	}
	if string(sent.body) != `{"type":"Follow","actor":"https://fed.example/users/bob"}` {
		t.Errorf("Unexpected body %s", sent.body)
	}
	sum := sha256.Sum256(sent.body)
	if got := sent.req.Header.Get("Digest"); got != "SHA-256="+base64.StdEncoding.EncodeToString(sum[:]) {
		t.Errorf("Digest does not match body: %q", got)
	}
	actor, err := VerifyRequest(sent.req, pubPEM)
	if err != nil {
		t.Fatalf("Delivered request does not verify: %v", err)
	}
	if actor != "https://fed.example/users/bob" {
		t.Errorf("Unexpected signing actor %q", actor)
	}

	if _, err := q.Item(ctx, item.Id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Completed item should be removed, got %v", err)
	}
	h, err := q.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.TotalPending+h.TotalProcessing+h.TotalFailed != 0 {
		t.Errorf("Queue should be empty, got %+v", h)
	}
}

func TestDeliveryFailureBacksOff(t *testing.T) {
	env := newTestEnv(t)
	createSender(t, env)
	env.transport.route(remoteInbox, mockRoute{status: http.StatusInternalServerError})
	q := queue.New(env.db, 4, 3, env.clock.now)
	item := enqueueDelivery(t, q, "bob")
	worker := newTestWorker(env, q)
	ctx := context.Background()

	summary, err := worker.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Errorf("Unexpected summary %+v", summary)
	}
	got, err := q.Item(ctx, item.Id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.QueueFailed || got.Attempts != 1 {
		t.Errorf("Expected failed after one attempt, got %s/%d", got.State, got.Attempts)
	}
	if !got.NextAttemptAt.Equal(testNow.Add(time.Minute)) {
		t.Errorf("Expected retry in one minute, got %v", got.NextAttemptAt)
	}
	if got.LastError == "" {
		t.Error("Expected last error to be recorded")
	}

	// nothing happens before the backoff elapsed
	if summary, _ := worker.RunOnce(ctx); summary.Requeued != 0 || env.transport.count(remoteInbox) != 1 {
		t.Errorf("Retried too early: %+v", summary)
	}

	env.transport.route(remoteInbox, mockRoute{status: http.StatusAccepted})
	env.clock.advance(time.Minute)
	summary, err = worker.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Requeued != 1 || summary.Delivered != 1 {
		t.Errorf("Expected requeue and delivery, got %+v", summary)
	}
}

func TestDeliveryExhausted(t *testing.T) {
	env := newTestEnv(t)
	createSender(t, env)
	env.transport.route(remoteInbox, mockRoute{status: http.StatusBadRequest})
	q := queue.New(env.db, 4, 1, env.clock.now)
	item := enqueueDelivery(t, q, "bob")
	worker := newTestWorker(env, q)
	ctx := context.Background()

	if _, err := worker.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	env.clock.advance(24 * time.Hour)
	summary, err := worker.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Requeued != 0 {
		t.Errorf("Exhausted item was requeued: %+v", summary)
	}
	got, err := q.Item(ctx, item.Id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.QueueFailed {
		t.Errorf("Expected exhausted item to stay failed, got %s", got.State)
	}
}

func TestDeliveryUnknownSender(t *testing.T) {
	env := newTestEnv(t)
	q := queue.New(env.db, 4, 3, env.clock.now)
	item := enqueueDelivery(t, q, "nobody")
	ctx := context.Background()

	summary, err := newTestWorker(env, q).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 || env.transport.total() != 0 {
		t.Errorf("Expected local failure without network call, got %+v", summary)
	}
	got, err := q.Item(ctx, item.Id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.QueueFailed {
		t.Errorf("Expected failed, got %s", got.State)
	}
}

func TestDeliveryCircuitOpenDefers(t *testing.T) {
	env := newTestEnv(t)
	createSender(t, env)
	env.transport.route(remoteInbox, mockRoute{status: http.StatusServiceUnavailable})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := env.tracker.RecordAttempt(ctx, "remote.example", false); err != nil {
			t.Fatal(err)
		}
	}

	q := queue.New(env.db, 4, 3, env.clock.now)
	enqueueDelivery(t, q, "bob")
	enqueueDelivery(t, q, "bob")

	summary, err := newTestWorker(env, q).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// one probe goes out, the other item waits for the cooldown
	if summary.Failed != 1 || summary.Deferred != 1 {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if n := env.transport.count(remoteInbox); n != 1 {
		t.Errorf("Expected a single probe, got %d requests", n)
	}
	h, err := q.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.TotalPending != 1 || h.TotalFailed != 1 {
		t.Errorf("Unexpected queue health %+v", h)
	}
}

func TestDeliveryBlockedInstance(t *testing.T) {
	env := newTestEnv(t)
	createSender(t, env)
	ctx := context.Background()
	if err := env.tracker.SetBlocked(ctx, "remote.example", true); err != nil {
		t.Fatal(err)
	}
	q := queue.New(env.db, 4, 3, env.clock.now)
	enqueueDelivery(t, q, "bob")

	summary, err := newTestWorker(env, q).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 || env.transport.total() != 0 {
		t.Errorf("Blocked host must not be contacted, got %+v", summary)
	}
}

func TestDeliveryRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	q := queue.New(env.db, 2, 3, env.clock.now)
	worker := NewDeliveryWorker(q, env.client, env.db, nil, DeliveryConfig{Interval: 10 * time.Millisecond, Now: env.clock.now})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
