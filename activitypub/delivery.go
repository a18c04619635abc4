package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/health"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/queue"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// AccountStore looks up local accounts by username.
type AccountStore interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
}

type DeliveryConfig struct {
	SslDomain string
	Interval  time.Duration
	Batch     int
	// DeferFor is how long an item waits when the breaker refuses its host.
	DeferFor time.Duration
	Now      func() time.Time
}

// DeliverySummary counts the outcomes of one delivery pass.
type DeliverySummary struct {
	Requeued  int64
	Delivered int64
	Failed    int64
	Deferred  int64
}

// DeliveryWorker drains the federation queue, one goroutine per partition.
type DeliveryWorker struct {
	queue    *queue.Queue
	client   *Client
	accounts AccountStore
	metrics  *metrics.Metrics
	cfg      DeliveryConfig
}

func NewDeliveryWorker(q *queue.Queue, client *Client, accounts AccountStore, m *metrics.Metrics, cfg DeliveryConfig) *DeliveryWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.DeferFor <= 0 {
		cfg.DeferFor = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DeliveryWorker{queue: q, client: client, accounts: accounts, metrics: m, cfg: cfg}
}

// Run processes the queue every interval until ctx is done.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	log.Info().Str("component", "delivery").Int("partitions", w.queue.Partitions()).Dur("interval", w.cfg.Interval).Msg("Starting delivery worker")

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Str("component", "delivery").Err(err).Msg("Delivery pass failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Str("component", "delivery").Msg("Delivery worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce requeues due failures and then claims and delivers one batch per partition.
func (w *DeliveryWorker) RunOnce(ctx context.Context) (*DeliverySummary, error) {
	summary := &DeliverySummary{}
	requeued, err := w.queue.RequeueDue(ctx)
	if err != nil {
		return summary, fmt.Errorf("requeue: %w", err)
	}
	summary.Requeued = requeued

	var delivered, failed, deferred atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < w.queue.Partitions(); p++ {
		g.Go(func() error {
			items, err := w.queue.Claim(gctx, p, w.cfg.Batch)
			if err != nil {
				return fmt.Errorf("claim partition %d: %w", p, err)
			}
			// items of one partition go out in order
			for i := range items {
				switch w.process(gctx, &items[i]) {
				case "delivered":
					delivered.Add(1)
				case "deferred":
					deferred.Add(1)
				default:
					failed.Add(1)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	summary.Delivered = delivered.Load()
	summary.Failed = failed.Load()
	summary.Deferred = deferred.Load()
	if summary.Delivered+summary.Failed+summary.Deferred > 0 {
		log.Info().Str("component", "delivery").
			Int64("delivered", summary.Delivered).
			Int64("failed", summary.Failed).
			Int64("deferred", summary.Deferred).
			Msg("Delivery pass done")
	}
	return summary, err
}

func (w *DeliveryWorker) process(ctx context.Context, item *domain.FederationQueueItem) string {
	ev := log.With().Str("component", "delivery").Str("id", item.Id.String()).Str("host", item.Host).Logger()

	if err := w.client.Allow(ctx, item.Host); errors.Is(err, health.ErrCircuitOpen) {
		until := w.cfg.Now().Add(w.cfg.DeferFor)
		if err := w.queue.Defer(ctx, item.Id, until); err != nil {
			ev.Error().Err(err).Msg("Could not defer delivery")
		}
		w.metrics.Delivery("deferred")
		return "deferred"
	} else if err != nil {
		return w.fail(ctx, item, err)
	}

	if err := w.deliver(ctx, item); err != nil {
		return w.fail(ctx, item, err)
	}
	if err := w.queue.Complete(ctx, item.Id); err != nil {
		ev.Error().Err(err).Msg("Delivered but could not complete queue item")
	}
	ev.Debug().Msg("Delivered")
	w.metrics.Delivery("delivered")
	return "delivered"
}

func (w *DeliveryWorker) fail(ctx context.Context, item *domain.FederationQueueItem, cause error) string {
	next, exhausted, err := w.queue.Fail(ctx, item, cause)
	ev := log.Warn().Str("component", "delivery").Str("id", item.Id.String()).Str("host", item.Host).Int("attempt", item.Attempts+1).AnErr("cause", cause)
	if err != nil {
		ev.Err(err).Msg("Could not mark delivery failed")
		return "failed"
	}
	if exhausted {
		ev.Msg("Giving up on delivery")
		w.metrics.Delivery("exhausted")
		return "failed"
	}
	ev.Time("nextAttemptAt", next).Msg("Delivery failed, will retry")
	w.metrics.Delivery("failed")
	return "failed"
}

// deliver POSTs the queued activity to its inbox, signed with the sender's key.
func (w *DeliveryWorker) deliver(ctx context.Context, item *domain.FederationQueueItem) error {
	var payload domain.DeliveryPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	inbox, err := url.Parse(payload.InboxURI)
	if err != nil || inbox.Host == "" {
		return fmt.Errorf("invalid inbox URI %q", payload.InboxURI)
	}

	account, err := w.accounts.ReadAccByUsername(ctx, payload.Sender)
	if err != nil {
		return fmt.Errorf("failed to get local account %s: %w", payload.Sender, err)
	}
	signer, err := NewSigner(account.WebPrivateKey, KeyID(w.cfg.SslDomain, account.Username))
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	body := []byte(payload.ActivityJSON)

	resp, err := w.client.do(ctx, kindInbox, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.InboxURI, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", ContentTypeActivityJSON)
		req.Header.Set("Accept", ContentTypeActivityJSON)
		if err := signer.Sign(req, body, w.cfg.Now()); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return nil
}
