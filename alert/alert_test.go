package alert

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/health"
	"github.com/deemkeen/fedcore/queue"
	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeQueue struct {
	health queue.Health
}

func (f *fakeQueue) Health(ctx context.Context) (*queue.Health, error) {
	h := f.health
	return &h, nil
}

type fakeInstances []domain.RemoteInstance

func (f fakeInstances) ListInstances(ctx context.Context, limit int) ([]domain.RemoteInstance, error) {
	return f, nil
}

var testThresholds = Thresholds{OldestPendingMinutes: 30, FailedItems: 100, InstanceHealthScore: 20}

func setupMonitor(t *testing.T, q *fakeQueue, instances fakeInstances) (*Monitor, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "fedcore.db"))
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewMonitor(database, q, instances, testThresholds, nil, func() time.Time { return testNow }), database
}

func TestCheckQuiet(t *testing.T) {
	m, _ := setupMonitor(t, &fakeQueue{queue.Health{OldestPendingAgeMinutes: 30, TotalFailed: 100}},
		fakeInstances{{Host: "ok.example", Status: domain.InstanceActive, HealthScore: 20}})

	raised, err := m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 0 {
		t.Errorf("Values at the threshold should not alert, got %+v", raised)
	}
}

func TestCheckRaisesEachTypeOnce(t *testing.T) {
	q := &fakeQueue{queue.Health{OldestPendingAgeMinutes: 45, TotalFailed: 150, TotalPending: 12}}
	instances := fakeInstances{
		{Host: "bad.example", Status: domain.InstanceDegraded, HealthScore: 5},
		{Host: "worse.example", Status: domain.InstanceDegraded, HealthScore: 0},
		{Host: "blocked.example", Status: domain.InstanceBlocked, HealthScore: 0},
		{Host: "fine.example", Status: domain.InstanceActive, HealthScore: 90},
	}
	m, _ := setupMonitor(t, q, instances)
	ctx := context.Background()

	raised, err := m.Check(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byType := map[string]domain.FederationAlert{}
	for _, a := range raised {
		byType[a.Type] = a
	}
	if len(byType) != 3 {
		t.Fatalf("Expected 3 alert types, got %+v", raised)
	}
	if byType[TypeQueueBacklog].Severity != domain.SeverityWarning {
		t.Errorf("45 minutes should be a warning, got %s", byType[TypeQueueBacklog].Severity)
	}
	if byType[TypeInstanceUnhealthy].Severity != domain.SeverityCritical {
		t.Errorf("Unhealthy instances are critical, got %s", byType[TypeInstanceUnhealthy].Severity)
	}
	hosts, _ := byType[TypeInstanceUnhealthy].Metadata["hosts"].([]string)
	if len(hosts) != 2 {
		t.Errorf("Blocked or healthy hosts must not be listed, got %v", hosts)
	}

	// conditions persist, but no storm
	for i := 0; i < 3; i++ {
		again, err := m.Check(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != 0 {
			t.Errorf("Repeated check raised %+v", again)
		}
	}
	open, err := m.List(ctx, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 3 {
		t.Errorf("Expected 3 open alerts, got %d", len(open))
	}
}

func TestCheckScoredAtThreshold(t *testing.T) {
	// 80 errors in 100 requests scores exactly 20, which is not below 20
	instances := fakeInstances{
		{Host: "edge.example", Status: domain.InstanceDegraded, HealthScore: health.Score(100, 80)},
		{Host: "under.example", Status: domain.InstanceDegraded, HealthScore: health.Score(100, 81)},
	}
	m, _ := setupMonitor(t, &fakeQueue{}, instances)

	raised, err := m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 1 || raised[0].Type != TypeInstanceUnhealthy {
		t.Fatalf("Expected one instance alert, got %+v", raised)
	}
	hosts, _ := raised[0].Metadata["hosts"].([]string)
	if len(hosts) != 1 || hosts[0] != "under.example" {
		t.Errorf("Only the host below the threshold should be listed, got %v", hosts)
	}
}

func TestCheckCriticalBacklog(t *testing.T) {
	m, _ := setupMonitor(t, &fakeQueue{queue.Health{OldestPendingAgeMinutes: 121}}, nil)
	raised, err := m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(raised) != 1 || raised[0].Severity != domain.SeverityCritical {
		t.Errorf("Expected one critical backlog alert, got %+v", raised)
	}
}

func TestAcknowledgeAllowsNewAlert(t *testing.T) {
	m, _ := setupMonitor(t, &fakeQueue{queue.Health{TotalFailed: 500}}, nil)
	ctx := context.Background()

	raised, err := m.Check(ctx)
	if err != nil || len(raised) != 1 {
		t.Fatalf("Expected one alert, got %+v, %v", raised, err)
	}
	acked, err := m.Acknowledge(ctx, raised[0].Id)
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if acked.AcknowledgedAt == nil || !acked.AcknowledgedAt.Equal(testNow) {
		t.Errorf("Unexpected acknowledgement time %v", acked.AcknowledgedAt)
	}
	if _, err := m.Acknowledge(ctx, raised[0].Id); err != nil {
		t.Errorf("Acknowledging twice should succeed: %v", err)
	}

	next, err := m.Check(ctx)
	if err != nil || len(next) != 1 {
		t.Fatalf("Expected a fresh alert after acknowledgement, got %+v, %v", next, err)
	}
	all, err := m.List(ctx, false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("Acknowledged alerts are retained, expected 2 got %d", len(all))
	}

	if _, err := m.Acknowledge(ctx, uuid.New()); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFeedRSS(t *testing.T) {
	ack := testNow.Add(time.Minute)
	alerts := []domain.FederationAlert{
		{Id: uuid.New(), Type: TypeQueueBacklog, Severity: domain.SeverityWarning, Message: "backlog", CreatedAt: testNow},
		{Id: uuid.New(), Type: TypeInstanceUnhealthy, Severity: domain.SeverityCritical, Message: "bad hosts", CreatedAt: testNow, AcknowledgedAt: &ack},
	}
	rss, err := FeedRSS(alerts, "https://fed.example/api/federation/", testNow)
	if err != nil {
		t.Fatalf("FeedRSS failed: %v", err)
	}
	for _, want := range []string{"<rss", "Federation alerts", "[warning] queue_backlog", "(acknowledged)", "https://fed.example/api/federation/alerts/" + alerts[0].Id.String()} {
		if !strings.Contains(rss, want) {
			t.Errorf("RSS missing %q:\n%s", want, rss)
		}
	}
}
