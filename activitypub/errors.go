package activitypub

import (
	"context"
	"errors"
)

var (
	ErrInvalidResource    = errors.New("invalid resource")
	ErrInvalidDomain      = errors.New("invalid domain")
	ErrRemoteTimeout      = errors.New("remote timeout")
	ErrRemoteUnreachable  = errors.New("remote unreachable")
	ErrRemoteLookupFailed = errors.New("remote lookup failed")
	ErrUserNotFound       = errors.New("user not found")
	ErrNoActivityPubActor = errors.New("no ActivityPub actor")
	ErrInstanceBlocked    = errors.New("instance blocked")
	ErrNoInbox            = errors.New("actor has no inbox")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrInvalidResource, "invalid_resource"},
	{ErrInvalidDomain, "invalid_domain"},
	{ErrRemoteTimeout, "remote_timeout"},
	{ErrRemoteUnreachable, "remote_unreachable"},
	{ErrRemoteLookupFailed, "remote_lookup_failed"},
	{ErrUserNotFound, "user_not_found"},
	{ErrNoActivityPubActor, "no_activitypub_actor"},
	{ErrInstanceBlocked, "instance_blocked"},
	{ErrNoInbox, "no_inbox"},
	{context.Canceled, "canceled"},
	{context.DeadlineExceeded, "remote_timeout"},
}

// Reason maps a resolution error to a stable machine-readable string.
// Unknown errors map to "internal".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}

// Retryable reports whether err is transient and worth retrying later.
func Retryable(err error) bool {
	return errors.Is(err, ErrRemoteTimeout) || errors.Is(err, ErrRemoteUnreachable) || errors.Is(err, ErrRemoteLookupFailed)
}
