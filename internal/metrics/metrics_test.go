package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	m := New()
	m.EpochsCommitted.Inc()
	m.RowsWritten.Add(10)
	m.NextEpoch.Set(1)
	m.VectorsSuppressed.WithLabelValues("invalid").Inc()
	m.Predictions.WithLabelValues("ENGINE_FAILURE", "BASIC").Inc()
	m.RefreshDuration.Observe(0.2)

	if got := testutil.ToFloat64(m.RowsWritten); got != 10 {
		t.Fatalf("rows written = %v", got)
	}
	if got := testutil.ToFloat64(m.Predictions.WithLabelValues("ENGINE_FAILURE", "BASIC")); got != 1 {
		t.Fatalf("predictions = %v", got)
	}
	if n := testutil.CollectAndCount(m.RefreshDuration); n != 1 {
		t.Fatalf("histogram samples = %d", n)
	}
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(`
# HELP fleetops_next_epoch Next global epoch to be written.
# TYPE fleetops_next_epoch gauge
fleetops_next_epoch 1
`), "fleetops_next_epoch"); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.EpochsCommitted.Add(3)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "fleetops_epochs_committed_total 3") {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}
