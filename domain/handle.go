package domain

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

const maxDomainLength = 253

var (
	ErrMalformedHandle = errors.New("handle must look like user@domain")
	ErrInvalidDomain   = errors.New("domain is not a valid DNS host")

	dnsHostPattern = regexp.MustCompile(`^(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,63}$`)
)

// AccountHandle is a federated account address
type AccountHandle struct {
	Username string
	Domain   string
}

// Acct returns the cache key form username@domain.
func (h AccountHandle) Acct() string {
	return h.Username + "@" + h.Domain
}

// Resource returns the WebFinger resource form acct:username@domain.
func (h AccountHandle) Resource() string {
	return "acct:" + h.Acct()
}

// ParseHandle parses user@domain, acct:user@domain or @user@domain.
// The domain is lower-cased; username case is preserved.
func ParseHandle(s string) (AccountHandle, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "acct:")
	s = strings.TrimPrefix(s, "@")

	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return AccountHandle{}, ErrMalformedHandle
	}
	username, host := s[:at], s[at+1:]
	if strings.ContainsAny(username, "@/ \t") {
		return AccountHandle{}, ErrMalformedHandle
	}

	host = strings.ToLower(host)
	if !IsValidDomain(host) {
		return AccountHandle{}, ErrInvalidDomain
	}
	return AccountHandle{Username: username, Domain: host}, nil
}

// IsValidDomain reports whether s is a syntactically valid DNS host name.
// The URL parse runs first since it rejects most garbage without the regexp.
func IsValidDomain(s string) bool {
	if s == "" || len(s) > maxDomainLength {
		return false
	}

	u, err := url.Parse("https://" + s)
	if err != nil || u.Host != s || u.Hostname() != s || u.Port() != "" {
		return false
	}
	if u.User != nil || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return false
	}

	return dnsHostPattern.MatchString(s)
}
