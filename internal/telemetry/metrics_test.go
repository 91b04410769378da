package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentCountsStatusClass(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "2xx"))

	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))

	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "2xx")) - before; got != 1 {
		t.Fatalf("requests_total delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(InFlight.WithLabelValues("test_op")); got != 0 {
		t.Fatalf("in_flight after request = %v, want 0", got)
	}
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	Artifact("test", "seen")
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "relaymesh_artifacts_total") {
		t.Fatalf("metrics output missing relaymesh_artifacts_total")
	}
}
