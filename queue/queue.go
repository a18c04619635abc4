// Package queue is the partitioned federation work queue. Items move
// pending -> processing -> deleted on success, or -> failed, and failed items
// return to pending once their backoff elapsed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/xxh3"
)

const (
	DefaultPartitions  = 16
	DefaultMaxAttempts = 10

	avgWindow = 24 * time.Hour
)

var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

// Backoff returns the delay before retry number attempt (1-based).
func Backoff(attempt int) time.Duration {
	i := min(max(attempt-1, 0), len(backoffMinutes)-1)
	return time.Duration(backoffMinutes[i]) * time.Minute
}

type Store interface {
	InsertQueueItem(ctx context.Context, item *domain.FederationQueueItem) error
	ReadQueueItem(ctx context.Context, id uuid.UUID) (*domain.FederationQueueItem, error)
	ClaimQueueItems(ctx context.Context, partition, limit int, now time.Time) ([]domain.FederationQueueItem, error)
	CompleteQueueItem(ctx context.Context, id uuid.UUID, now time.Time) error
	FailQueueItem(ctx context.Context, id uuid.UUID, lastError string, nextAttempt, now time.Time) error
	DeferQueueItem(ctx context.Context, id uuid.UUID, until time.Time) error
	RequeueDueItems(ctx context.Context, maxAttempts int, now time.Time) (int64, error)
	ReadQueueSnapshot(ctx context.Context, now time.Time, window time.Duration) (*db.QueueSnapshot, error)
	ReadPartitionCounts(ctx context.Context) ([]db.PartitionCount, error)
}

// Health summarizes the whole queue.
type Health struct {
	TotalPending            int64   `json:"totalPending"`
	TotalProcessing         int64   `json:"totalProcessing"`
	TotalFailed             int64   `json:"totalFailed"`
	OldestPendingAgeMinutes int     `json:"oldestPendingAgeMinutes"`
	AvgProcessingTimeMs     float64 `json:"avgProcessingTimeMs"`
}

// PartitionStats holds the item counts of one partition.
type PartitionStats struct {
	Partition  int   `json:"partition"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

type Queue struct {
	store       Store
	partitions  int
	maxAttempts int
	now         func() time.Time
}

func New(store Store, partitions, maxAttempts int, now func() time.Time) *Queue {
	if partitions < 1 {
		partitions = DefaultPartitions
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{store: store, partitions: partitions, maxAttempts: maxAttempts, now: now}
}

func (q *Queue) Partitions() int {
	return q.partitions
}

func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// PartitionFor maps host to a stable partition, so work for one instance is
// processed in order by a single worker.
func (q *Queue) PartitionFor(host string) int {
	return int(xxh3.HashString(host) % uint64(q.partitions))
}

// Enqueue stores payload for host. payload is marshaled to JSON unless it
// already is a json.RawMessage.
func (q *Queue) Enqueue(ctx context.Context, host string, payload any) (*domain.FederationQueueItem, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	now := q.now()
	item := &domain.FederationQueueItem{
		Partition:     q.PartitionFor(host),
		Host:          host,
		Payload:       raw,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := q.store.InsertQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue for %s: %w", host, err)
	}
	log.Debug().Str("component", "queue").Str("id", item.Id.String()).Str("host", host).Int("partition", item.Partition).Msg("Enqueued")
	return item, nil
}

// Claim moves up to limit due items of partition to processing.
func (q *Queue) Claim(ctx context.Context, partition, limit int) ([]domain.FederationQueueItem, error) {
	if partition < 0 || partition >= q.partitions {
		return nil, fmt.Errorf("partition %d out of range [0,%d)", partition, q.partitions)
	}
	return q.store.ClaimQueueItems(ctx, partition, limit, q.now())
}

// Complete removes a processed item and records its processing time.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	return q.store.CompleteQueueItem(ctx, id, q.now())
}

// Fail marks item failed and schedules its next attempt. exhausted reports
// that the item used its last attempt and will not be requeued.
func (q *Queue) Fail(ctx context.Context, item *domain.FederationQueueItem, cause error) (next time.Time, exhausted bool, err error) {
	now := q.now()
	attempt := item.Attempts + 1
	next = now.Add(Backoff(attempt))
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.store.FailQueueItem(ctx, item.Id, msg, next, now); err != nil {
		return time.Time{}, false, err
	}
	return next, attempt >= q.maxAttempts, nil
}

// Defer puts a processing item back to pending until the given time without
// using up an attempt.
func (q *Queue) Defer(ctx context.Context, id uuid.UUID, until time.Time) error {
	return q.store.DeferQueueItem(ctx, id, until)
}

// RequeueDue returns failed items whose backoff elapsed to pending.
func (q *Queue) RequeueDue(ctx context.Context) (int64, error) {
	return q.store.RequeueDueItems(ctx, q.maxAttempts, q.now())
}

func (q *Queue) Item(ctx context.Context, id uuid.UUID) (*domain.FederationQueueItem, error) {
	return q.store.ReadQueueItem(ctx, id)
}

func (q *Queue) Health(ctx context.Context) (*Health, error) {
	now := q.now()
	snap, err := q.store.ReadQueueSnapshot(ctx, now, avgWindow)
	if err != nil {
		return nil, err
	}
	h := &Health{
		TotalPending:        snap.Pending,
		TotalProcessing:     snap.Processing,
		TotalFailed:         snap.Failed,
		AvgProcessingTimeMs: snap.AvgProcessingMs,
	}
	if !snap.OldestPendingAt.IsZero() {
		h.OldestPendingAgeMinutes = max(int(now.Sub(snap.OldestPendingAt)/time.Minute), 0)
	}
	return h, nil
}

// Stats returns one entry per partition, including empty ones.
func (q *Queue) Stats(ctx context.Context) ([]PartitionStats, error) {
	counts, err := q.store.ReadPartitionCounts(ctx)
	if err != nil {
		return nil, err
	}
	stats := make([]PartitionStats, q.partitions)
	for i := range stats {
		stats[i].Partition = i
	}
	for _, c := range counts {
		if c.Partition < 0 || c.Partition >= q.partitions {
			// left over from a larger partition count
			continue
		}
		s := &stats[c.Partition]
		switch c.State {
		case domain.QueuePending:
			s.Pending = c.Count
		case domain.QueueProcessing:
			s.Processing = c.Count
		case domain.QueueFailed:
			s.Failed = c.Count
		}
	}
	return stats, nil
}
