package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "speleostore"

// Metrics groups the collectors updated by the engine
type Metrics struct {
	MutexOperations *prometheus.CounterVec
	CommitsPushed   prometheus.Counter
	GitRetries      *prometheus.CounterVec
	Snapshots       *prometheus.CounterVec
	Downloads       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer.
// A nil registerer leaves them unregistered, which tests rely on.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		MutexOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutex",
			Name:      "operations_total",
			Help:      "Mutex acquire and release attempts by outcome.",
		}, []string{"operation", "outcome"}),
		CommitsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "git",
			Name:      "commits_pushed_total",
			Help:      "Commits created and pushed to project remotes.",
		}),
		GitRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "git",
			Name:      "retries_total",
			Help:      "Immediate retries of clone and push operations.",
		}, []string{"operation"}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geojson",
			Name:      "snapshots_total",
			Help:      "GeoJSON snapshot builds by outcome.",
		}, []string{"outcome"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "downloads_total",
			Help:      "Prepared downloads by format.",
		}, []string{"format"}),
	}

	if registerer != nil {
		registerer.MustRegister(m.MutexOperations, m.CommitsPushed, m.GitRetries, m.Snapshots, m.Downloads)
	}
	return m
}
