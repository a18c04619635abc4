// Package alert raises federation alerts when queue or instance health
// crosses static thresholds. At most one unacknowledged alert exists per type.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	TypeQueueBacklog      = "queue_backlog"
	TypeQueueFailures     = "queue_failures"
	TypeInstanceUnhealthy = "instance_unhealthy"

	criticalBacklogFactor = 4
	instanceScanLimit     = 1000
)

type Store interface {
	InsertAlertIfAbsent(ctx context.Context, a *domain.FederationAlert) (bool, error)
	ReadAlerts(ctx context.Context, unacknowledgedOnly bool, limit int) ([]domain.FederationAlert, error)
	AcknowledgeAlert(ctx context.Context, id uuid.UUID, now time.Time) (*domain.FederationAlert, error)
}

type QueueHealth interface {
	Health(ctx context.Context) (*queue.Health, error)
}

type InstanceLister interface {
	ListInstances(ctx context.Context, limit int) ([]domain.RemoteInstance, error)
}

// Thresholds are inclusive lower bounds of the healthy range; crossing one raises an alert.
type Thresholds struct {
	OldestPendingMinutes int
	FailedItems          int
	InstanceHealthScore  int
}

type Monitor struct {
	store      Store
	queue      QueueHealth
	instances  InstanceLister
	thresholds Thresholds
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewMonitor(store Store, q QueueHealth, instances InstanceLister, thresholds Thresholds, m *metrics.Metrics, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{store: store, queue: q, instances: instances, thresholds: thresholds, metrics: m, now: now}
}

// Check evaluates every threshold and returns the alerts it newly raised.
// A condition whose type already has an open alert raises nothing.
func (m *Monitor) Check(ctx context.Context) ([]domain.FederationAlert, error) {
	var candidates []*domain.FederationAlert

	h, err := m.queue.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue health: %w", err)
	}
	if limit := m.thresholds.OldestPendingMinutes; limit > 0 && h.OldestPendingAgeMinutes > limit {
		severity := domain.SeverityWarning
		if h.OldestPendingAgeMinutes > criticalBacklogFactor*limit {
			severity = domain.SeverityCritical
		}
		candidates = append(candidates, &domain.FederationAlert{
			Type:     TypeQueueBacklog,
			Severity: severity,
			Message:  fmt.Sprintf("Oldest pending federation item is %d minutes old (threshold %d)", h.OldestPendingAgeMinutes, limit),
			Metadata: map[string]any{
				"oldestPendingAgeMinutes": h.OldestPendingAgeMinutes,
				"threshold":               limit,
				"totalPending":            h.TotalPending,
			},
		})
	}
	if limit := m.thresholds.FailedItems; limit > 0 && h.TotalFailed > int64(limit) {
		candidates = append(candidates, &domain.FederationAlert{
			Type:     TypeQueueFailures,
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("%d failed federation items (threshold %d)", h.TotalFailed, limit),
			Metadata: map[string]any{"totalFailed": h.TotalFailed, "threshold": limit},
		})
	}

	instances, err := m.instances.ListInstances(ctx, instanceScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	var unhealthy []string
	lowest := 100
	for _, inst := range instances {
		if inst.Status == domain.InstanceBlocked || inst.HealthScore >= m.thresholds.InstanceHealthScore {
			continue
		}
		unhealthy = append(unhealthy, inst.Host)
		lowest = min(lowest, inst.HealthScore)
	}
	if len(unhealthy) > 0 {
		candidates = append(candidates, &domain.FederationAlert{
			Type:     TypeInstanceUnhealthy,
			Severity: domain.SeverityCritical,
			Message:  fmt.Sprintf("%d remote instances below health score %d", len(unhealthy), m.thresholds.InstanceHealthScore),
			Metadata: map[string]any{"hosts": unhealthy, "lowestScore": lowest, "threshold": m.thresholds.InstanceHealthScore},
		})
	}

	var raised []domain.FederationAlert
	for _, a := range candidates {
		a.CreatedAt = m.now()
		created, err := m.store.InsertAlertIfAbsent(ctx, a)
		if err != nil {
			return raised, fmt.Errorf("insert %s alert: %w", a.Type, err)
		}
		if !created {
			continue
		}
		m.metrics.Alert(a.Type, string(a.Severity))
		log.Warn().Str("component", "alert").Str("type", a.Type).Str("severity", string(a.Severity)).Msg(a.Message)
		raised = append(raised, *a)
	}
	return raised, nil
}

// List returns the newest alerts first.
func (m *Monitor) List(ctx context.Context, unacknowledgedOnly bool, limit int) ([]domain.FederationAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.store.ReadAlerts(ctx, unacknowledgedOnly, limit)
}

// Acknowledge marks the alert handled. Acknowledging twice keeps the first
// acknowledgement time.
func (m *Monitor) Acknowledge(ctx context.Context, id uuid.UUID) (*domain.FederationAlert, error) {
	a, err := m.store.AcknowledgeAlert(ctx, id, m.now())
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "alert").Str("id", id.String()).Str("type", a.Type).Msg("Alert acknowledged")
	return a, nil
}
