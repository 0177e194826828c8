package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveProgressSetsGauge(t *testing.T) {
	ObserveProgress("purge", 0.42)
	got := testutil.ToFloat64(OperationFraction.WithLabelValues("purge"))
	if got != 0.42 {
		t.Errorf("got %v, want 0.42", got)
	}
}

func TestCountersRegisteredOnRegistry(t *testing.T) {
	FilesetsRewritten.Inc()
	metricFamilies, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "duplicati_purge_filesets_rewritten_total" {
			found = true
		}
	}
	if !found {
		t.Error("filesets_rewritten_total not present in the registry's gathered families")
	}
}
