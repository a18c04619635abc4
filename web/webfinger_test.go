package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/deemkeen/fedcore/activitypub"
)

func TestWebFingerResponse(t *testing.T) {
	jrd := webFingerResponse("alice", "example.com")

	if jrd.Subject != "acct:alice@example.com" {
		t.Errorf("Expected subject acct:alice@example.com, got %s", jrd.Subject)
	}
	if len(jrd.Aliases) != 1 || jrd.Aliases[0] != "https://example.com/users/alice" {
		t.Errorf("Unexpected aliases: %v", jrd.Aliases)
	}
	if len(jrd.Links) != 2 {
		t.Fatalf("Expected 2 links, got %d", len(jrd.Links))
	}
	self := jrd.Links[0]
	if self.Rel != "self" || self.Type != activitypub.ContentTypeActivityJSON || self.Href != "https://example.com/users/alice" {
		t.Errorf("Unexpected self link: %+v", self)
	}
	if jrd.Links[1].Href != "https://example.com/@alice" {
		t.Errorf("Unexpected profile link: %+v", jrd.Links[1])
	}
}

func TestParseLocalResource(t *testing.T) {
	tests := []struct {
		resource string
		want     string
		wantErr  bool
	}{
		{"acct:alice@fed.example", "alice", false},
		{"acct:alice@FED.example", "alice", false},
		{"", "", true},
		{"alice@fed.example", "", true},
		{"acct:alice", "", true},
		{"acct:alice@other.example", "", true},
		{"acct:@fed.example", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			got, err := parseLocalResource(tt.resource, testDomain)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLocalResource(%q) error = %v, wantErr %v", tt.resource, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseLocalResource(%q) = %q, want %q", tt.resource, got, tt.want)
			}
		})
	}
}

func TestWebFingerServesLocalAccount(t *testing.T) {
	ts := newTestServer(t)
	ts.createAccount(t, "alice")

	w := ts.do(http.MethodGet, "/.well-known/webfinger?resource="+url.QueryEscape("acct:alice@fed.example"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/jrd+json; charset=utf-8" {
		t.Errorf("Unexpected Content-Type %q", ct)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header on WebFinger response")
	}

	var jrd activitypub.JRD
	if err := json.Unmarshal(w.Body.Bytes(), &jrd); err != nil {
		t.Fatalf("Response is not a JRD: %v", err)
	}
	if jrd.Subject != "acct:alice@fed.example" {
		t.Errorf("Unexpected subject %s", jrd.Subject)
	}
	if jrd.Links[0].Href != "https://fed.example/users/alice" {
		t.Errorf("Unexpected self href %s", jrd.Links[0].Href)
	}

	logs, err := ts.db.ReadFederationLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReadFederationLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("Expected 1 log row, got %d", len(logs))
	}
	entry := logs[0]
	if entry.Direction != "inbound" || !entry.Success || entry.StatusCode != http.StatusOK {
		t.Errorf("Unexpected log row %+v", entry)
	}
	if entry.Endpoint != "/.well-known/webfinger" {
		t.Errorf("Expected endpoint /.well-known/webfinger, got %s", entry.Endpoint)
	}
	if entry.RemoteHost == "" {
		t.Error("Expected the client address as remote host")
	}
}

func TestWebFingerRejectsBadResources(t *testing.T) {
	ts := newTestServer(t)
	ts.createAccount(t, "alice")

	for _, resource := range []string{"", "alice@fed.example", "acct:alice", "acct:alice@other.example"} {
		w := ts.do(http.MethodGet, "/.well-known/webfinger?resource="+url.QueryEscape(resource), nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("resource %q: expected 400, got %d", resource, w.Code)
		}
	}

	logs, err := ts.db.ReadFederationLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReadFederationLogs failed: %v", err)
	}
	if len(logs) != 4 {
		t.Fatalf("Expected 4 log rows, got %d", len(logs))
	}
	for _, l := range logs {
		if l.Success || l.StatusCode != http.StatusBadRequest || l.ErrorMessage == "" {
			t.Errorf("Unexpected log row %+v", l)
		}
	}
}

func TestWebFingerUnknownUser(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/.well-known/webfinger?resource=acct:nobody@fed.example", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestActorEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.createAccount(t, "alice")

	w := ts.do(http.MethodGet, "/users/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/activity+json; charset=utf-8" {
		t.Errorf("Unexpected Content-Type %q", ct)
	}
	var actor map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &actor); err != nil {
		t.Fatalf("Invalid actor JSON: %v", err)
	}
	if actor["id"] != "https://fed.example/users/alice" {
		t.Errorf("Unexpected id %v", actor["id"])
	}
	if actor["inbox"] != "https://fed.example/users/alice/inbox" {
		t.Errorf("Unexpected inbox %v", actor["inbox"])
	}

	if w := ts.do(http.MethodGet, "/users/nobody", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown actor, got %d", w.Code)
	}
}
