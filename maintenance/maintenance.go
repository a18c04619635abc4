// Package maintenance reaps expired and terminal federation rows and keeps
// popular WebFinger entries warm before they expire.
package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	bucketRetention = 24 * time.Hour
	prewarmWorkers  = 4
)

type Store interface {
	ApplyCleanup(ctx context.Context, target db.CleanupTarget, cutoffs db.CleanupCutoffs, dryRun bool) (int64, error)
	ReadPrewarmCandidates(ctx context.Context, now, deadline time.Time, limit int) ([]domain.WebFingerCacheEntry, error)
}

// Refresher re-resolves a handle regardless of its cache state.
type Refresher interface {
	Refresh(ctx context.Context, acct string) (*activitypub.Resolution, error)
}

type Config struct {
	FailedRetention time.Duration
	StallThreshold  time.Duration
	LogRetention    time.Duration
	PrewarmCount    int
	PrewarmWindow   time.Duration
}

type CleanupReport struct {
	DryRun       bool             `json:"dryRun"`
	TotalCleaned int64            `json:"totalCleaned"`
	ByCategory   map[string]int64 `json:"byCategory"`
}

type PrewarmReport struct {
	Candidates int `json:"candidates"`
	Refreshed  int `json:"refreshed"`
	Failed     int `json:"failed"`
}

type Maintainer struct {
	store     Store
	refresher Refresher
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

func New(store Store, refresher Refresher, m *metrics.Metrics, cfg Config, now func() time.Time) *Maintainer {
	if now == nil {
		now = time.Now
	}
	return &Maintainer{store: store, refresher: refresher, metrics: m, cfg: cfg, now: now}
}

func (m *Maintainer) cutoffs() db.CleanupCutoffs {
	now := m.now()
	return db.CleanupCutoffs{
		Now:           now,
		FailedBefore:  now.Add(-m.cfg.FailedRetention),
		StalledBefore: now.Add(-m.cfg.StallThreshold),
		BucketsBefore: now.Add(-bucketRetention),
		LogsBefore:    now.Add(-m.cfg.LogRetention),
	}
}

// Cleanup counts (dryRun) or removes every category of expired, exhausted or
// stalled rows. Stalled processing items are reset to pending, not deleted.
// Categories run independently; the first error is returned after all ran.
func (m *Maintainer) Cleanup(ctx context.Context, dryRun bool) (*CleanupReport, error) {
	cutoffs := m.cutoffs()
	report := &CleanupReport{DryRun: dryRun, ByCategory: map[string]int64{}}

	var firstErr error
	for _, target := range db.CleanupTargets() {
		n, err := m.store.ApplyCleanup(ctx, target, cutoffs, dryRun)
		if err != nil {
			log.Error().Str("component", "cleanup").Str("category", target.Category).Err(err).Msg("Cleanup category failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("cleanup %s: %w", target.Category, err)
			}
			continue
		}
		report.ByCategory[target.Category] = n
		report.TotalCleaned += n
		if !dryRun {
			m.metrics.Cleaned(target.Category, n)
		}
	}

	log.Info().Str("component", "cleanup").Bool("dryRun", dryRun).Int64("total", report.TotalCleaned).Interface("byCategory", report.ByCategory).Msg("Cleanup finished")
	return report, firstErr
}

// Prewarm re-resolves the most requested WebFinger entries that expire
// within the configured window. A failed refresh leaves the old entry in
// place until it expires.
func (m *Maintainer) Prewarm(ctx context.Context) (*PrewarmReport, error) {
	if m.cfg.PrewarmCount <= 0 {
		return &PrewarmReport{}, nil
	}
	now := m.now()
	candidates, err := m.store.ReadPrewarmCandidates(ctx, now, now.Add(m.cfg.PrewarmWindow), m.cfg.PrewarmCount)
	if err != nil {
		return nil, fmt.Errorf("read prewarm candidates: %w", err)
	}

	var refreshed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prewarmWorkers)
	for _, c := range candidates {
		g.Go(func() error {
			if _, err := m.refresher.Refresh(gctx, c.Acct); err != nil {
				log.Info().Str("component", "prewarm").Str("acct", c.Acct).Str("reason", activitypub.Reason(err)).Msg("Refresh failed")
				failed.Add(1)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	g.Wait()

	report := &PrewarmReport{
		Candidates: len(candidates),
		Refreshed:  int(refreshed.Load()),
		Failed:     int(failed.Load()),
	}
	m.metrics.Prewarm("refreshed", report.Refreshed)
	m.metrics.Prewarm("failed", report.Failed)
	if report.Candidates > 0 {
		log.Info().Str("component", "prewarm").Int("refreshed", report.Refreshed).Int("failed", report.Failed).Msg("Prewarm finished")
	}
	return report, ctx.Err()
}
