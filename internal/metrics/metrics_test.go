package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit_Idempotent(t *testing.T) {
	Init("test", "nats")
	Init("test", "nats")

	if got := testutil.ToFloat64(ServerInfo.WithLabelValues("test", "nats")); got != 1 {
		t.Errorf("server_info = %v, want 1", got)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	Init("test", "pebble")
	SkipRetry.WithLabelValues(SkipStaleCommand).Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `logbackup_skip_retry_total{reason="stale-command"}`) {
		t.Error("metrics output missing logbackup_skip_retry_total")
	}
}
