package activitypub

import (
	"errors"
	"net/url"
	"testing"
)

func TestJRDActorURL(t *testing.T) {
	tests := []struct {
		name    string
		links   []JRDLink
		want    string
		wantErr bool
	}{
		{
			name:  "activity json",
			links: []JRDLink{{Rel: "self", Type: ContentTypeActivityJSON, Href: "https://example.social/users/alice"}},
			want:  "https://example.social/users/alice",
		},
		{
			name:  "ld profile",
			links: []JRDLink{{Rel: "self", Type: ContentTypeLDProfile, Href: "https://example.social/users/alice"}},
			want:  "https://example.social/users/alice",
		},
		{
			name: "first usable link wins",
			links: []JRDLink{
				{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: "https://example.social/@alice"},
				{Rel: "self", Type: ContentTypeActivityJSON, Href: "not a url"},
				{Rel: "self", Type: ContentTypeActivityJSON, Href: "https://example.social/users/alice"},
			},
			want: "https://example.social/users/alice",
		},
		{name: "no links", wantErr: true},
		{name: "html self", links: []JRDLink{{Rel: "self", Type: "text/html", Href: "https://example.social/@alice"}}, wantErr: true},
		{name: "ftp href", links: []JRDLink{{Rel: "self", Type: ContentTypeActivityJSON, Href: "ftp://example.social/alice"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jrd := &JRD{Subject: "acct:alice@example.social", Links: tt.links}
			got, err := jrd.ActorURL()
			if tt.wantErr {
				if !errors.Is(err, ErrNoActivityPubActor) {
					t.Errorf("Expected ErrNoActivityPubActor, got %q, %v", got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Expected %q, got %q, %v", tt.want, got, err)
			}
		})
	}
}

func TestWebFingerURL(t *testing.T) {
	raw := webFingerURL("example.social", "acct:alice@example.social")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != "https" || u.Host != "example.social" || u.Path != "/.well-known/webfinger" {
		t.Errorf("Unexpected URL %s", raw)
	}
	if got := u.Query().Get("resource"); got != "acct:alice@example.social" {
		t.Errorf("Unexpected resource %q", got)
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidResource, "invalid_resource"},
		{errors.Join(errors.New("x"), ErrUserNotFound), "user_not_found"},
		{wrap(ErrRemoteTimeout), "remote_timeout"},
		{wrap(ErrNoActivityPubActor), "no_activitypub_actor"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if !Retryable(wrap(ErrRemoteUnreachable)) || Retryable(ErrUserNotFound) {
		t.Error("Retryable misclassifies errors")
	}
}

func wrap(err error) error {
	return errors.Join(err, errors.New("context"))
}
