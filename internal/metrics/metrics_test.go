package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"entitycore/internal/core"
)

var (
	_ core.MetricsRecorder  = (*Recorder)(nil)
	_ core.ConflictObserver = (*Recorder)(nil)
)

// gathered flattens the registry into "name{label=value,...}" -> value.
func gathered(t *testing.T, r *Recorder) map[string]float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			key := mf.GetName() + "{" + strings.Join(labels, ",") + "}"
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder("")
	ctx := context.Background()
	r.Observe(ctx, "uow.complete", true, 5*time.Millisecond)
	r.Observe(ctx, "uow.complete", false, time.Millisecond)
	r.Observe(ctx, "uow.get", true, time.Millisecond)
	r.ObserveConflict(ctx, "transfer", 2)

	got := gathered(t, r)
	want := map[string]float64{
		"entitycore_uow_operations_total{operation=uow.complete,outcome=success}": 1,
		"entitycore_uow_operations_total{operation=uow.complete,outcome=error}":   1,
		"entitycore_uow_operations_total{operation=uow.get,outcome=success}":      1,
		"entitycore_uow_operation_duration_seconds{operation=uow.complete}":       2,
		"entitycore_uow_operation_duration_seconds{operation=uow.get}":            1,
		"entitycore_uow_conflicts_total{usecase=transfer}":                        1,
		"entitycore_uow_conflicting_entities_total{}":                             2,
	}
	for key, v := range want {
		if got[key] != v {
			t.Fatalf("%s: expected %v, got %v (all: %v)", key, v, got[key], got)
		}
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	r := NewRecorder("crm")
	r.Observe(context.Background(), "uow.get", true, time.Millisecond)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `crm_uow_operations_total{operation="uow.get",outcome="success"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
