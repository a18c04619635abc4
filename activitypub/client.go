package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/rs/zerolog/log"
)

const (
	maxResponseBytes = 1 << 20
	recordTimeout    = 2 * time.Second

	kindWebFinger = "webfinger"
	kindActor     = "actor"
	kindInbox     = "inbox"
)

// HealthRecorder receives the outcome of every outbound call.
type HealthRecorder interface {
	RecordAttempt(ctx context.Context, host string, success bool) (*domain.RemoteInstance, error)
	Allow(ctx context.Context, host string) error
}

// LogStore persists federation request logs.
type LogStore interface {
	InsertFederationLog(ctx context.Context, l *domain.FederationLog) error
}

type ClientConfig struct {
	Transport http.RoundTripper // nil means http.DefaultTransport
	UserAgent string
	Timeout   time.Duration
	Health    HealthRecorder // optional
	Logs      LogStore       // optional
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Client performs outbound federation requests with a per-call timeout and
// records each exchange on the health tracker and in the federation log.
type Client struct {
	http      *http.Client
	userAgent string
	timeout   time.Duration
	health    HealthRecorder
	logs      LogStore
	metrics   *metrics.Metrics
	now       func() time.Time
}

type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func NewClient(cfg ClientConfig) *Client {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				if req.URL.Scheme != "https" && req.URL.Scheme != "http" {
					return fmt.Errorf("redirect to unsupported scheme %q", req.URL.Scheme)
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		health:    cfg.Health,
		logs:      cfg.Logs,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
}

// Allow asks the health tracker whether host may be contacted.
func (c *Client) Allow(ctx context.Context, host string) error {
	if c.health == nil {
		return nil
	}
	return c.health.Allow(ctx, host)
}

// get issues a GET with the given Accept header.
func (c *Client) get(ctx context.Context, kind, rawURL, accept string) (*response, error) {
	return c.do(ctx, kind, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", accept)
		return req, nil
	})
}

// do builds the request under a fresh timeout, sends it and reads at most
// maxResponseBytes of the body. Transport failures come back as
// ErrRemoteTimeout or ErrRemoteUnreachable; a canceled caller gets ctx.Err().
func (c *Client) do(ctx context.Context, kind string, build func(ctx context.Context) (*http.Request, error)) (*response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := build(callCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRemoteLookupFailed, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	host := req.URL.Hostname()

	start := c.now()
	resp, err := c.http.Do(req)
	var out *response
	if err == nil {
		defer resp.Body.Close()
		var body []byte
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		out = &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	}
	elapsed := c.now().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			// the caller gave up; not the remote's fault
			return nil, ctx.Err()
		}
		wrapped := fmt.Errorf("%w: %s %s: %v", classify(err, callCtx), kind, host, err)
		c.record(ctx, kind, req, 0, elapsed, wrapped)
		return nil, wrapped
	}

	c.record(ctx, kind, req, out.StatusCode, elapsed, nil)
	return out, nil
}

func classify(err error, callCtx context.Context) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return ErrRemoteTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrRemoteTimeout
	}
	return ErrRemoteUnreachable
}

// healthy reports whether a response counts as a successful exchange for the
// instance health score. 4xx answers other than 429 are the remote working
// as intended.
func healthy(status int, transportErr error) bool {
	if transportErr != nil {
		return false
	}
	return status < 500 && status != http.StatusTooManyRequests
}

func (c *Client) record(ctx context.Context, kind string, req *http.Request, status int, elapsed time.Duration, transportErr error) {
	host := req.URL.Hostname()
	ok := healthy(status, transportErr)

	outcome := "ok"
	switch {
	case errors.Is(transportErr, ErrRemoteTimeout):
		outcome = "timeout"
	case transportErr != nil:
		outcome = "unreachable"
	case status >= 300:
		outcome = "http_error"
	}
	c.metrics.Outbound(kind, outcome, elapsed)

	// bookkeeping outlives a caller that stops waiting
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if c.health != nil {
		if _, err := c.health.RecordAttempt(recCtx, host, ok); err != nil {
			log.Warn().Str("component", "federation").Str("host", host).Err(err).Msg("Could not record instance health")
		}
	}

	entry := &domain.FederationLog{
		RemoteHost:     host,
		Endpoint:       req.URL.Path,
		Direction:      "outbound",
		Success:        transportErr == nil && status >= 200 && status < 300,
		ResponseTimeMs: elapsed.Milliseconds(),
		StatusCode:     status,
		CreatedAt:      c.now(),
	}
	if transportErr != nil {
		entry.ErrorMessage = transportErr.Error()
	} else if !entry.Success {
		entry.ErrorMessage = http.StatusText(status)
	}

	ev := log.Debug()
	if !entry.Success {
		ev = log.Info()
	}
	ev.Str("component", "federation").
		Str("remoteHost", host).
		Str("endpoint", entry.Endpoint).
		Str("kind", kind).
		Bool("success", entry.Success).
		Int64("responseTimeMs", entry.ResponseTimeMs).
		Int("statusCode", status).
		Msg("Outbound federation request")

	if c.logs != nil {
		if err := c.logs.InsertFederationLog(recCtx, entry); err != nil {
			log.Warn().Str("component", "federation").Err(err).Msg("Could not persist federation log")
		}
	}
}
