package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// fakeClock is a settable time source for limiter tests.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClockedLimiter(r rate.Limit, b int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: testNow}
	rl := NewRateLimiter(r, b)
	rl.now = clock.now
	return rl, clock
}

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func hit(r http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiterBurstThenRefill(t *testing.T) {
	rl, clock := newClockedLimiter(rate.Limit(2), 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("203.0.113.7") {
			t.Fatalf("request %d inside burst was refused", i+1)
		}
	}
	if rl.Allow("203.0.113.7") {
		t.Fatal("fourth request at the same instant should be refused")
	}

	// 2 tokens per second: half a second buys exactly one more
	clock.advance(500 * time.Millisecond)
	if !rl.Allow("203.0.113.7") {
		t.Error("token should refill after 500ms")
	}
	if rl.Allow("203.0.113.7") {
		t.Error("only one token should have refilled")
	}
}

func TestRateLimiterIsPerClient(t *testing.T) {
	rl, _ := newClockedLimiter(rate.Limit(1), 1)

	if !rl.Allow("198.51.100.1") || rl.Allow("198.51.100.1") {
		t.Fatal("first client should get exactly one request")
	}
	if !rl.Allow("198.51.100.2") {
		t.Error("second client must not share the first client's bucket")
	}
	if got := rl.Tracked(); got != 2 {
		t.Errorf("Tracked() = %d, want 2", got)
	}
}

func TestMiddlewareRejectsWithRetryAfter(t *testing.T) {
	tests := []struct {
		limit rate.Limit
		want  string
	}{
		{rate.Limit(10), "1"},
		{rate.Limit(1), "1"},
		{rate.Every(2 * time.Second), "2"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.limit), func(t *testing.T) {
			rl, _ := newClockedLimiter(tt.limit, 1)
			r := limitedRouter(rl)

			if w := hit(r, "192.0.2.10:5000"); w.Code != http.StatusOK || w.Body.String() != "pong" {
				t.Fatalf("first request: %d %q", w.Code, w.Body.String())
			}
			w := hit(r, "192.0.2.10:5001")
			if w.Code != http.StatusTooManyRequests {
				t.Fatalf("second request: status %d", w.Code)
			}
			if got := w.Header().Get("Retry-After"); got != tt.want {
				t.Errorf("Retry-After = %q, want %q", got, tt.want)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["error"] != "rate_limited" {
				t.Errorf("error = %q", body["error"])
			}
		})
	}
}

func TestMiddlewareKeysOnClientIP(t *testing.T) {
	rl, clock := newClockedLimiter(rate.Limit(1), 2)
	r := limitedRouter(rl)

	// the port differs per connection but the budget is per address
	statuses := []int{
		hit(r, "192.0.2.20:1000").Code,
		hit(r, "192.0.2.20:1001").Code,
		hit(r, "192.0.2.20:1002").Code,
		hit(r, "192.0.2.21:1000").Code,
	}
	want := []int{200, 200, 429, 200}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("request %d: status %d, want %d", i, statuses[i], want[i])
		}
	}

	clock.advance(time.Second)
	if w := hit(r, "192.0.2.20:1003"); w.Code != http.StatusOK {
		t.Errorf("after refill: status %d", w.Code)
	}
}

func TestSweep(t *testing.T) {
	rl, clock := newClockedLimiter(rate.Limit(1), 1)
	rl.Allow("stale")
	clock.advance(limiterIdleTTL)
	rl.Allow("fresh")
	clock.advance(time.Second)

	if n := rl.sweep(clock.now(), limiterIdleTTL); n != 1 {
		t.Errorf("sweep removed %d, want 1", n)
	}
	if rl.Tracked() != 1 {
		t.Errorf("Tracked() = %d after sweep", rl.Tracked())
	}
	// a forgotten client starts with a full bucket again
	if !rl.Allow("stale") {
		t.Error("swept client should be allowed")
	}
}

func TestSweepResetsOverCapacity(t *testing.T) {
	rl, clock := newClockedLimiter(rate.Limit(1), 1)
	for i := 0; i <= maxTrackedLimiters; i++ {
		rl.Allow(fmt.Sprintf("10.%d.%d.%d", i>>16&0xff, i>>8&0xff, i&0xff))
	}
	if n := rl.sweep(clock.now(), limiterIdleTTL); n != maxTrackedLimiters+1 {
		t.Errorf("sweep removed %d", n)
	}
	if rl.Tracked() != 0 {
		t.Errorf("Tracked() = %d, want 0", rl.Tracked())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(MaxBytesMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		var v map[string]any
		if err := c.ShouldBindJSON(&v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, v)
	})

	post := func(body string, chunked bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if chunked {
			req.ContentLength = -1
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := post(`{"a":1}`, false); w.Code != http.StatusOK {
		t.Errorf("small body: status %d", w.Code)
	}

	w := post(`{"resource":"acct:alice@example.social"}`, false)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("declared oversize body: status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "payload_too_large") {
		t.Errorf("unexpected body %s", w.Body.String())
	}

	// without a Content-Length the reader trips instead
	if w := post(`{"resource":"acct:alice@example.social"}`, true); w.Code != http.StatusBadRequest {
		t.Errorf("undeclared oversize body: status %d", w.Code)
	}
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status %d", w.Code)
	}
}
