package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/alert"
	"github.com/deemkeen/fedcore/cache"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/health"
	"github.com/deemkeen/fedcore/maintenance"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/queue"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-gonic/gin"
)

const testDomain = "fed.example"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stubTransport answers host+path routes; anything else fails like a
// refused connection.
type stubTransport struct {
	mu     sync.Mutex
	routes map[string]stubRoute
}

type stubRoute struct {
	status int
	body   string
}

func (s *stubTransport) route(hostPath string, status int, body string) {
	s.mu.Lock()
	s.routes[hostPath] = stubRoute{status: status, body: body}
	s.mu.Unlock()
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	r, ok := s.routes[req.URL.Host+req.URL.Path]
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

type testServer struct {
	srv       *Server
	router    *gin.Engine
	db        *db.DB
	transport *stubTransport
	tracker   *health.Tracker
	queue     *queue.Queue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(filepath.Join(t.TempDir(), "fedcore.db"))
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	now := func() time.Time { return testNow }
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = testDomain

	transport := &stubTransport{routes: map[string]stubRoute{}}
	m := metrics.New()
	tracker := health.NewTracker(database, health.BreakerConfig{Score: 20, MinRequests: 3, Cooldown: 15 * time.Minute}, now)
	client := activitypub.NewClient(activitypub.ClientConfig{
		Transport: transport,
		UserAgent: "fedcore/test",
		Timeout:   time.Second,
		Health:    tracker,
		Logs:      database,
		Metrics:   m,
		Now:       now,
	})
	webfinger, err := cache.NewWebFingerCache(database, 100, time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	actors, err := cache.NewActorCache(database, 100, 7*24*time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		webfinger.Close()
		actors.Close()
	})

	resolver := activitypub.NewResolver(client, webfinger, actors, m)
	q := queue.New(database, 4, 3, now)
	srv := &Server{
		Conf:     conf,
		Accounts: database,
		Logs:     database,
		Resolver: resolver,
		Follower: activitypub.NewFollower(resolver, q, database, testDomain),
		Queue:    q,
		Health:   tracker,
		Maintainer: maintenance.New(database, resolver, m, maintenance.Config{
			FailedRetention: 7 * 24 * time.Hour,
			StallThreshold:  10 * time.Minute,
			LogRetention:    30 * 24 * time.Hour,
			PrewarmCount:    10,
			PrewarmWindow:   10 * time.Minute,
		}, now),
		Alerts:  alert.NewMonitor(database, q, tracker, alert.Thresholds{OldestPendingMinutes: 30, FailedItems: 10, InstanceHealthScore: 50}, m, now),
		Metrics: m,
		Now:     now,
	}
	return &testServer{
		srv:       srv,
		router:    srv.Router(),
		db:        database,
		transport: transport,
		tracker:   tracker,
		queue:     q,
	}
}

func (ts *testServer) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) createAccount(t *testing.T, username string) *domain.Account {
	t.Helper()
	acc := &domain.Account{Username: username, DisplayName: strings.ToUpper(username[:1]) + username[1:], WebPublicKey: "pub", WebPrivateKey: "priv", CreatedAt: testNow}
	if err := ts.db.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

// failHost records enough failed exchanges to mark host degraded.
func (ts *testServer) failHost(t *testing.T, host string) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if _, err := ts.tracker.RecordAttempt(context.Background(), host, false); err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}
}
