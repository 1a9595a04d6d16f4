package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveHTTP("/api/detect-score", http.MethodPost, http.StatusOK, 120*time.Millisecond)
	m.ObserveUpstream("query", http.StatusOK, time.Second)
	m.IncCorrectionRetry()
	m.IncDefaultScoreFallback()
	m.IncModelRejection("blocked")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	body, _ := io.ReadAll(w.Body)
	for _, want := range []string{
		`dartscore_http_requests_total{method="POST",route="/api/detect-score",status="200"} 1`,
		`dartscore_upstream_requests_total{operation="query",status="200"} 1`,
		`dartscore_correction_retries_total 1`,
		`dartscore_default_score_fallbacks_total 1`,
		`dartscore_model_rejections_total{reason="blocked"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveHTTP("/", http.MethodGet, http.StatusOK, time.Millisecond)
	m.ObserveUpstream("query", http.StatusOK, time.Millisecond)
	m.IncCorrectionRetry()
	m.IncDefaultScoreFallback()
	m.IncModelRejection("empty")
}
