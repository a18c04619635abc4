package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Resolution("cached")
	m.Outbound("webfinger", "ok", time.Second)
	m.Delivery("delivered")
	m.QueueItems(1, 2, 3)
	m.Cleaned("expired_webfinger_cache", 4)
	m.Alert("queue_backlog", "warning")
	m.Prewarm("refreshed", 1)
	if m.Registry() != nil {
		t.Error("nil Metrics returned a registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Resolution("cached")
	m.Resolution("cached")
	m.Resolution("user_not_found")
	m.Cleaned("old_federation_logs", 7)
	m.Cleaned("old_federation_logs", 0)

	body := scrape(t, m)
	for _, want := range []string{
		`fedcore_resolver_resolutions_total{result="cached"} 2`,
		`fedcore_resolver_resolutions_total{result="user_not_found"} 1`,
		`fedcore_cleanup_rows_total{category="old_federation_logs"} 7`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Delivery("delivered")
	m.QueueItems(5, 1, 0)

	body := scrape(t, m)
	for _, want := range []string{"fedcore_delivery_attempts_total", `fedcore_queue_items{state="pending"} 5`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
