package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/fedcore/cache"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/health"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/rs/zerolog/log"
)

// Resolution is the outcome of resolving an account handle.
type Resolution struct {
	Acct     string  `json:"acct"`
	ActorURL string  `json:"actorUrl"`
	InboxURL *string `json:"inboxUrl"`
	Cached   bool    `json:"cached"`
}

// Resolver turns user@domain handles into actor and inbox URLs. Concurrent
// resolutions of the same handle are not serialized; each cache write is a
// last-writer-wins upsert.
type Resolver struct {
	client    *Client
	webfinger *cache.WebFingerCache
	actors    *cache.ActorCache
	metrics   *metrics.Metrics
}

func NewResolver(client *Client, webfinger *cache.WebFingerCache, actors *cache.ActorCache, m *metrics.Metrics) *Resolver {
	return &Resolver{client: client, webfinger: webfinger, actors: actors, metrics: m}
}

// Resolve looks up resource (user@domain, acct:user@domain or @user@domain),
// answering from the cache while the entry is fresh.
func (r *Resolver) Resolve(ctx context.Context, resource string) (*Resolution, error) {
	handle, err := parseResource(resource)
	if err != nil {
		r.metrics.Resolution(Reason(err))
		return nil, err
	}

	acct := handle.Acct()
	entry, ok, err := r.webfinger.Get(ctx, acct)
	if err != nil {
		log.Warn().Str("component", "resolver").Str("acct", acct).Err(err).Msg("WebFinger cache read failed, resolving remotely")
	}
	if ok {
		r.webfinger.RecordHit(acct)
		r.metrics.Resolution("cached")
		return &Resolution{Acct: acct, ActorURL: entry.ActorURL, InboxURL: entry.InboxURL, Cached: true}, nil
	}

	res, err := r.lookup(ctx, handle)
	if err != nil {
		r.metrics.Resolution(Reason(err))
		return nil, err
	}
	r.metrics.Resolution("fetched")
	return res, nil
}

// Refresh resolves acct remotely even when a fresh cache entry exists.
func (r *Resolver) Refresh(ctx context.Context, acct string) (*Resolution, error) {
	handle, err := parseResource(acct)
	if err != nil {
		return nil, err
	}
	return r.lookup(ctx, handle)
}

func parseResource(resource string) (domain.AccountHandle, error) {
	handle, err := domain.ParseHandle(resource)
	switch {
	case errors.Is(err, domain.ErrInvalidDomain):
		return handle, fmt.Errorf("%w: %q", ErrInvalidDomain, resource)
	case err != nil:
		return handle, fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	return handle, nil
}

func (r *Resolver) lookup(ctx context.Context, handle domain.AccountHandle) (*Resolution, error) {
	if err := r.client.Allow(ctx, handle.Domain); err != nil {
		if errors.Is(err, health.ErrInstanceBlocked) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceBlocked, handle.Domain)
		}
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	}

	resp, err := r.client.get(ctx, kindWebFinger, webFingerURL(handle.Domain, handle.Resource()), acceptWebFinger)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, handle.Acct())
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: webfinger %s returned status %d", ErrRemoteLookupFailed, handle.Domain, resp.StatusCode)
	}

	jrd, err := parseJRD(resp.Body)
	if err != nil {
		return nil, err
	}
	actorURL, err := jrd.ActorURL()
	if err != nil {
		return nil, err
	}

	acct := handle.Acct()
	inbox, err := r.inboxFor(ctx, actorURL)
	if err != nil {
		// the caller went away after WebFinger answered: hand back what we
		// have, but do not pin a missing inbox in the cache
		log.Info().Str("component", "resolver").Str("acct", acct).Err(err).Msg("Actor fetch canceled")
		return &Resolution{Acct: acct, ActorURL: actorURL}, nil
	}

	if _, err := r.webfinger.Put(ctx, acct, actorURL, inbox); err != nil {
		log.Warn().Str("component", "resolver").Str("acct", acct).Err(err).Msg("Could not cache WebFinger result")
	}
	log.Info().Str("component", "resolver").Str("acct", acct).Str("actorUrl", actorURL).Bool("hasInbox", inbox != nil).Msg("Resolved")
	return &Resolution{Acct: acct, ActorURL: actorURL, InboxURL: inbox, Cached: false}, nil
}

// inboxFor returns the inbox of actorURL from the actor cache or by fetching
// the document. Fetch failures yield a nil inbox; only a canceled ctx is an error.
func (r *Resolver) inboxFor(ctx context.Context, actorURL string) (*string, error) {
	entry, ok, err := r.actors.Get(ctx, actorURL)
	if err != nil {
		log.Warn().Str("component", "resolver").Str("actorUrl", actorURL).Err(err).Msg("Actor cache read failed")
	}
	if ok {
		if inbox, err := inboxFromDocument(entry.Document); err == nil {
			return &inbox, nil
		}
	}

	resp, err := r.client.get(ctx, kindActor, actorURL, acceptActor)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Info().Str("component", "resolver").Str("actorUrl", actorURL).Err(err).Msg("Actor fetch failed")
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		log.Info().Str("component", "resolver").Str("actorUrl", actorURL).Int("statusCode", resp.StatusCode).Msg("Actor fetch failed")
		return nil, nil
	}
	inbox, err := inboxFromDocument(resp.Body)
	if err != nil {
		log.Info().Str("component", "resolver").Str("actorUrl", actorURL).Err(err).Msg("Unusable actor document")
		return nil, nil
	}
	if _, err := r.actors.Put(ctx, actorURL, resp.Body); err != nil {
		log.Warn().Str("component", "resolver").Str("actorUrl", actorURL).Err(err).Msg("Could not cache actor document")
	}
	return &inbox, nil
}
