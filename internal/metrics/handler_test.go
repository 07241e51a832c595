package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ワーカーのメトリクスサーバーは/metricsのみを公開する
func TestSetupMetricsRoute_ServesPublishMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordDispatch("twitter", "published", "")
	c.RecordDispatch("bluesky", "retry_pending", "transient")
	c.RecordDispatchLatency("twitter", 250*time.Millisecond)
	c.RecordTick(3, 2, 1, 0)
	c.RecordRateLimitDeferral("linkedin")
	c.RecordCrawl(true, 4)

	handler := SetupMetricsRoute(reg)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`postcaster_dispatch_total{error_class="transient",outcome="retry_pending",platform="bluesky"} 1`,
		"postcaster_dispatch_latency_seconds_count",
		"postcaster_tick_enqueued_total 3",
		`postcaster_rate_limit_deferrals_total{platform="linkedin"} 1`,
		"postcaster_crawled_pages_total 4",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSetupMetricsRoute_OtherPathsNotFound(t *testing.T) {
	handler := SetupMetricsRoute(prometheus.NewRegistry())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
