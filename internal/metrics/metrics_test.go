package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/erazemk/oprema/internal/rules"
)

func TestObserveCountsOutcomes(t *testing.T) {
	r := New()
	r.Observe("commit", true, 10*time.Millisecond)
	r.Observe("commit", false, 5*time.Millisecond)
	r.Observe("commit", true, time.Millisecond)

	if got := testutil.ToFloat64(r.results.WithLabelValues("commit", "success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.results.WithLabelValues("commit", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestRejectedAndInconsistencies(t *testing.T) {
	r := New()
	r.Rejected(rules.Violation{Rule: "scope", Collection: rules.Items})
	r.Inconsistencies(map[string]int{"flag_without_request": 2})
	r.Inconsistencies(map[string]int{"over_allocated": 1})

	if got := testutil.ToFloat64(r.rejections.WithLabelValues("scope", "items")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(r.inconsistencies); got != 1 {
		t.Errorf("inconsistency series = %d, want 1 after reset", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.FeedError("items")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `oprema_feed_errors_total{feed="items"} 1`) {
		t.Errorf("feed error counter missing from exposition:\n%s", body)
	}
}
