// Package health keeps a rolling 24 hour health score per remote instance
// and gates outbound traffic with a per-host circuit breaker.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
)

const (
	// DegradedBelow is the score under which an instance is degraded.
	DegradedBelow = 50

	window          = 24 * time.Hour
	bucketWidth     = time.Hour
	snapshotMaxAge  = time.Minute
	defaultMinReqs  = 10
	defaultCooldown = 15 * time.Minute
)

var (
	ErrInstanceBlocked = errors.New("instance is blocked")
	ErrCircuitOpen     = errors.New("circuit open for instance")
)

// Store is the persistence the tracker needs.
type Store interface {
	AddInstanceAttempt(ctx context.Context, host string, bucketStart time.Time, success bool) error
	SumInstanceBuckets(ctx context.Context, host string, since time.Time) (int64, int64, error)
	UpsertInstance(ctx context.Context, inst *domain.RemoteInstance) error
	ReadInstance(ctx context.Context, host string) (*domain.RemoteInstance, error)
	ReadInstances(ctx context.Context, limit int) ([]domain.RemoteInstance, error)
	ReadInstanceHosts(ctx context.Context) ([]string, error)
	BlockInstance(ctx context.Context, host string, now time.Time) error
	UnblockInstance(ctx context.Context, host string, status domain.InstanceStatus) error
}

// BreakerConfig controls when Allow refuses traffic to a host.
type BreakerConfig struct {
	Score       int   // open below this score
	MinRequests int64 // ...once at least this many requests were seen
	Cooldown    time.Duration
}

type breakerState struct {
	status   domain.InstanceStatus
	score    int
	requests int64
	loadedAt time.Time
	openedAt time.Time // zero while closed
}

type Tracker struct {
	store    Store
	breaker  BreakerConfig
	now      func() time.Time
	snapshot *xsync.Map[string, breakerState]
}

func NewTracker(store Store, breaker BreakerConfig, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	if breaker.MinRequests <= 0 {
		breaker.MinRequests = defaultMinReqs
	}
	if breaker.Cooldown <= 0 {
		breaker.Cooldown = defaultCooldown
	}
	return &Tracker{
		store:    store,
		breaker:  breaker,
		now:      now,
		snapshot: xsync.NewMap[string, breakerState](),
	}
}

// Score is 100*(1 - errors/max(requests,1)), clamped to [0, 100]. Integer
// arithmetic keeps exact ratios exact: 80 errors in 100 requests is 20.
func Score(requests, errs int64) int {
	if requests < 1 {
		requests = 1
	}
	score := 100 * (requests - errs) / requests
	return int(min(max(score, 0), 100))
}

// StatusFor maps a score to active or degraded. Blocked is never automatic.
func StatusFor(score int) domain.InstanceStatus {
	if score >= DegradedBelow {
		return domain.InstanceActive
	}
	return domain.InstanceDegraded
}

// RecordAttempt counts one federation request with host and recomputes its
// 24 hour aggregate.
func (t *Tracker) RecordAttempt(ctx context.Context, host string, success bool) (*domain.RemoteInstance, error) {
	now := t.now()
	if err := t.store.AddInstanceAttempt(ctx, host, now.Truncate(bucketWidth), success); err != nil {
		return nil, fmt.Errorf("record attempt for %s: %w", host, err)
	}
	return t.recompute(ctx, host, now, now)
}

// Refresh recomputes every known instance so idle hosts roll out of the window.
func (t *Tracker) Refresh(ctx context.Context) (int, error) {
	hosts, err := t.store.ReadInstanceHosts(ctx)
	if err != nil {
		return 0, err
	}
	now := t.now()
	for i, host := range hosts {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := t.recompute(ctx, host, now, time.Time{}); err != nil {
			return i, err
		}
	}
	return len(hosts), nil
}

func (t *Tracker) recompute(ctx context.Context, host string, now, lastSeen time.Time) (*domain.RemoteInstance, error) {
	since := now.Truncate(bucketWidth).Add(-window + bucketWidth)
	requests, errs, err := t.store.SumInstanceBuckets(ctx, host, since)
	if err != nil {
		return nil, fmt.Errorf("sum buckets for %s: %w", host, err)
	}
	score := Score(requests, errs)
	inst := &domain.RemoteInstance{
		Host:            host,
		Status:          StatusFor(score),
		HealthScore:     score,
		RequestCount24h: requests,
		ErrorCount24h:   errs,
		LastSeenAt:      lastSeen,
	}
	if err := t.store.UpsertInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("upsert instance %s: %w", host, err)
	}
	stored, err := t.store.ReadInstance(ctx, host)
	if err != nil {
		return nil, err
	}
	t.remember(stored, now)
	return stored, nil
}

// SetBlocked blocks or unblocks host. An unblocked host gets the status its
// current score implies.
func (t *Tracker) SetBlocked(ctx context.Context, host string, blocked bool) error {
	defer t.snapshot.Delete(host)
	if blocked {
		log.Info().Str("component", "health").Str("host", host).Msg("Blocking instance")
		return t.store.BlockInstance(ctx, host, t.now())
	}
	inst, err := t.store.ReadInstance(ctx, host)
	if err != nil {
		return err
	}
	log.Info().Str("component", "health").Str("host", host).Msg("Unblocking instance")
	return t.store.UnblockInstance(ctx, host, StatusFor(inst.HealthScore))
}

func (t *Tracker) Instance(ctx context.Context, host string) (*domain.RemoteInstance, error) {
	return t.store.ReadInstance(ctx, host)
}

// ListInstances returns up to limit instances, busiest first.
func (t *Tracker) ListInstances(ctx context.Context, limit int) ([]domain.RemoteInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	return t.store.ReadInstances(ctx, limit)
}

// Allow reports whether a request to host may go out now. It returns
// ErrInstanceBlocked for blocked hosts and ErrCircuitOpen while a failing
// host is cooling down. After the cooldown one probe is let through.
func (t *Tracker) Allow(ctx context.Context, host string) error {
	now := t.now()
	state, ok := t.snapshot.Load(host)
	if !ok || now.Sub(state.loadedAt) > snapshotMaxAge {
		inst, err := t.store.ReadInstance(ctx, host)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			// health bookkeeping must not stop federation
			log.Warn().Str("component", "health").Str("host", host).Err(err).Msg("Could not load instance health")
			return nil
		}
		t.remember(inst, now)
	}

	var verdict error
	t.snapshot.Compute(host, func(s breakerState, loaded bool) (breakerState, xsync.ComputeOp) {
		if !loaded {
			return s, xsync.CancelOp
		}
		if s.status == domain.InstanceBlocked {
			verdict = ErrInstanceBlocked
			return s, xsync.CancelOp
		}
		if s.score >= t.breaker.Score || s.requests < t.breaker.MinRequests {
			s.openedAt = time.Time{}
			return s, xsync.UpdateOp
		}
		if !s.openedAt.IsZero() && now.Sub(s.openedAt) < t.breaker.Cooldown {
			verdict = ErrCircuitOpen
			return s, xsync.CancelOp
		}
		// closed-but-failing or cooled down: let this caller probe, hold the rest
		s.openedAt = now
		return s, xsync.UpdateOp
	})
	if verdict != nil {
		return fmt.Errorf("%w: %s", verdict, host)
	}
	return nil
}

func (t *Tracker) remember(inst *domain.RemoteInstance, now time.Time) {
	t.snapshot.Compute(inst.Host, func(s breakerState, loaded bool) (breakerState, xsync.ComputeOp) {
		s.status = inst.Status
		s.score = inst.HealthScore
		s.requests = inst.RequestCount24h
		s.loadedAt = now
		return s, xsync.UpdateOp
	})
}
