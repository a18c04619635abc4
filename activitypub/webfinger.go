package activitypub

import (
	"encoding/json"
	"fmt"
	"net/url"
)

const (
	ContentTypeActivityJSON = "application/activity+json"
	ContentTypeLDProfile    = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	ContentTypeJRD          = "application/jrd+json"

	acceptWebFinger = "application/jrd+json, application/json"
	acceptActor     = ContentTypeActivityJSON + ", " + ContentTypeLDProfile + ";q=0.9, application/json;q=0.5"
)

// JRD is a WebFinger JSON Resource Descriptor
type JRD struct {
	Subject string    `json:"subject"`
	Aliases []string  `json:"aliases,omitempty"`
	Links   []JRDLink `json:"links"`
}

type JRDLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

func parseJRD(body []byte) (*JRD, error) {
	var jrd JRD
	if err := json.Unmarshal(body, &jrd); err != nil {
		return nil, fmt.Errorf("%w: invalid JRD: %v", ErrRemoteLookupFailed, err)
	}
	return &jrd, nil
}

// ActorURL returns the href of the first rel=self link typed as an
// ActivityPub actor.
func (j *JRD) ActorURL() (string, error) {
	for _, link := range j.Links {
		if link.Rel != "self" || !isActivityPubType(link.Type) {
			continue
		}
		u, err := url.Parse(link.Href)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			continue
		}
		return link.Href, nil
	}
	return "", fmt.Errorf("%w: subject %q has no self link", ErrNoActivityPubActor, j.Subject)
}

func isActivityPubType(t string) bool {
	return t == ContentTypeActivityJSON || t == ContentTypeLDProfile
}

func webFingerURL(domainName, resource string) string {
	return (&url.URL{
		Scheme:   "https",
		Host:     domainName,
		Path:     "/.well-known/webfinger",
		RawQuery: url.Values{"resource": {resource}}.Encode(),
	}).String()
}
