// Package metrics exposes Prometheus counters/gauges mirrored from the
// same call sites that publish internal/progress events, so a
// long-running purge or compact can be scraped by an operator's
// existing monitoring without coupling the core to any particular sink.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is this package's own registry, following the pack's own
// convention of a package-local Registry rather than registering
// directly against prometheus.DefaultRegisterer (so embedding this
// library into a larger process never collides with that process's own
// metric names).
var Registry = prometheus.NewRegistry()

var (
	FilesetsRewritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duplicati",
		Subsystem: "purge",
		Name:      "filesets_rewritten_total",
		Help:      "Filesets replaced by a purge operation.",
	})
	FilesPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duplicati",
		Subsystem: "purge",
		Name:      "files_removed_total",
		Help:      "File entries removed by a purge filter across all filesets.",
	})
	VolumesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duplicati",
		Subsystem: "objectstore",
		Name:      "volumes_uploaded_total",
		Help:      "Remote volumes successfully uploaded.",
	})
	VolumesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duplicati",
		Subsystem: "objectstore",
		Name:      "volumes_deleted_total",
		Help:      "Remote volumes successfully deleted.",
	})
	CompactCandidates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duplicati",
		Subsystem: "compact",
		Name:      "candidate_volumes",
		Help:      "dblock volumes selected for repacking in the current compact pass.",
	})
	OperationFraction = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "duplicati",
		Name:      "operation_progress_fraction",
		Help:      "Current progress fraction (0-1) of the named phase, mirroring internal/progress events.",
	}, []string{"phase"})
)

func init() {
	Registry.MustRegister(
		FilesetsRewritten,
		FilesPurged,
		VolumesUploaded,
		VolumesDeleted,
		CompactCandidates,
		OperationFraction,
	)
}

// ObserveProgress mirrors a progress.Event into OperationFraction; call
// this from the same call site that publishes to an internal/progress
// Bus.
func ObserveProgress(phase string, fraction float64) {
	OperationFraction.WithLabelValues(phase).Set(fraction)
}
