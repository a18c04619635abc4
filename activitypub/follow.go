package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FollowResult describes a Follow activity that was queued for delivery.
type FollowResult struct {
	ActivityID string    `json:"activityId"`
	ActorURL   string    `json:"actorUrl"`
	InboxURL   string    `json:"inboxUrl"`
	QueueID    uuid.UUID `json:"queueId"`
	Partition  int       `json:"partition"`
}

// Follower resolves remote handles and queues Follow activities for them.
type Follower struct {
	resolver  *Resolver
	queue     *queue.Queue
	accounts  AccountStore
	sslDomain string
}

func NewFollower(resolver *Resolver, q *queue.Queue, accounts AccountStore, sslDomain string) *Follower {
	return &Follower{resolver: resolver, queue: q, accounts: accounts, sslDomain: sslDomain}
}

// Follow resolves target and enqueues a Follow from the local account
// username. A target without a known inbox yields ErrNoInbox.
func (f *Follower) Follow(ctx context.Context, username, target string) (*FollowResult, error) {
	account, err := f.accounts.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get local account %s: %w", username, err)
	}

	res, err := f.resolver.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	if res.InboxURL == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoInbox, res.ActorURL)
	}
	inbox, err := url.Parse(*res.InboxURL)
	if err != nil || inbox.Hostname() == "" {
		return nil, fmt.Errorf("%w: invalid inbox %q", ErrNoInbox, *res.InboxURL)
	}

	followID := fmt.Sprintf("https://%s/activities/%s", f.sslDomain, uuid.New().String())
	follow := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       followID,
		"type":     "Follow",
		"actor":    ActorURI(f.sslDomain, account.Username),
		"object":   res.ActorURL,
	}
	activity, err := json.Marshal(follow)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal follow: %w", err)
	}

	item, err := f.queue.Enqueue(ctx, inbox.Hostname(), domain.DeliveryPayload{
		InboxURI:     *res.InboxURL,
		Sender:       account.Username,
		ActivityJSON: activity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue follow: %w", err)
	}

	log.Info().Str("component", "follow").Str("actor", account.Username).Str("object", res.ActorURL).Int("partition", item.Partition).Msg("Queued Follow")
	return &FollowResult{
		ActivityID: followID,
		ActorURL:   res.ActorURL,
		InboxURL:   *res.InboxURL,
		QueueID:    item.Id,
		Partition:  item.Partition,
	}, nil
}
