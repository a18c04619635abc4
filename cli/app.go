package cli

import (
	"fmt"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/alert"
	"github.com/deemkeen/fedcore/cache"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/health"
	"github.com/deemkeen/fedcore/maintenance"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/queue"
	"github.com/deemkeen/fedcore/util"
	"github.com/deemkeen/fedcore/web"
	"github.com/spf13/cobra"
)

// app holds every federation component built from one config. Commands
// construct it, use what they need and Close it.
type app struct {
	conf       *util.AppConfig
	db         *db.DB
	metrics    *metrics.Metrics
	tracker    *health.Tracker
	webfinger  *cache.WebFingerCache
	actors     *cache.ActorCache
	resolver   *activitypub.Resolver
	queue      *queue.Queue
	follower   *activitypub.Follower
	delivery   *activitypub.DeliveryWorker
	maintainer *maintenance.Maintainer
	monitor    *alert.Monitor
}

func newApp(c *util.AppConfig) (*app, error) {
	database, err := db.Open(util.ResolveFilePath(c.Conf.DbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{conf: c, db: database, metrics: metrics.New()}
	f := c.Federation

	a.tracker = health.NewTracker(database, health.BreakerConfig{
		Score:       f.BreakerScore,
		MinRequests: f.BreakerMinRequests,
		Cooldown:    f.BreakerCooldown,
	}, nil)

	userAgent := util.UserAgent(c.Conf.ContactUrl)
	lookups := activitypub.NewClient(activitypub.ClientConfig{
		UserAgent: userAgent,
		Timeout:   f.RequestTimeout,
		Health:    a.tracker,
		Logs:      database,
		Metrics:   a.metrics,
	})
	deliveries := activitypub.NewClient(activitypub.ClientConfig{
		UserAgent: userAgent,
		Timeout:   f.DeliveryTimeout,
		Health:    a.tracker,
		Logs:      database,
		Metrics:   a.metrics,
	})

	if a.webfinger, err = cache.NewWebFingerCache(database, f.MemoryCacheSize, f.WebfingerTTL, nil); err != nil {
		a.Close()
		return nil, fmt.Errorf("webfinger cache: %w", err)
	}
	if a.actors, err = cache.NewActorCache(database, f.MemoryCacheSize, f.ActorTTL, nil); err != nil {
		a.Close()
		return nil, fmt.Errorf("actor cache: %w", err)
	}

	a.resolver = activitypub.NewResolver(lookups, a.webfinger, a.actors, a.metrics)
	a.queue = queue.New(database, f.Partitions, f.MaxAttempts, nil)
	a.follower = activitypub.NewFollower(a.resolver, a.queue, database, c.Conf.SslDomain)
	a.delivery = activitypub.NewDeliveryWorker(a.queue, deliveries, database, a.metrics, activitypub.DeliveryConfig{
		SslDomain: c.Conf.SslDomain,
		Interval:  f.DeliveryInterval,
		Batch:     f.DeliveryBatch,
		DeferFor:  f.BreakerCooldown,
	})
	a.maintainer = maintenance.New(database, a.resolver, a.metrics, maintenance.Config{
		FailedRetention: f.FailedRetention,
		StallThreshold:  f.StallThreshold,
		LogRetention:    f.LogRetention,
		PrewarmCount:    f.PrewarmCount,
		PrewarmWindow:   f.PrewarmWindow,
	}, nil)
	a.monitor = alert.NewMonitor(database, a.queue, a.tracker, alert.Thresholds{
		OldestPendingMinutes: c.Alerts.OldestPendingMinutes,
		FailedItems:          c.Alerts.FailedItems,
		InstanceHealthScore:  c.Alerts.InstanceHealthScore,
	}, a.metrics, nil)
	return a, nil
}

func (a *app) server() *web.Server {
	return &web.Server{
		Conf:       a.conf,
		Accounts:   a.db,
		Logs:       a.db,
		Resolver:   a.resolver,
		Follower:   a.follower,
		Queue:      a.queue,
		Health:     a.tracker,
		Maintainer: a.maintainer,
		Alerts:     a.monitor,
		Metrics:    a.metrics,
	}
}

// Close flushes pending cache hit counts and closes the database.
func (a *app) Close() {
	if a.webfinger != nil {
		a.webfinger.Close()
	}
	if a.actors != nil {
		a.actors.Close()
	}
	a.db.Close()
}

// withApp adapts a command body that needs the federation components.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(conf)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}
