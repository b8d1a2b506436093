package session

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "mixd"
	metricsSubsystem = "session"
)

// Metrics holds the probe/dial counters the session Manager exports.
// Grounded on dantte-lp-gobfd's internal/metrics/collector.go: a handful of
// CounterVecs, one label set, registered against a caller-supplied
// Registerer so a nil Manager.metrics (the zero value) is still usable.
type Metrics struct {
	OpenAttempts *prometheus.CounterVec
	OpenFailures *prometheus.CounterVec
	ProbesSent   *prometheus.CounterVec
	ProbeFailed  *prometheus.CounterVec
}

// NewMetrics creates and registers a Metrics against reg. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	destLabel := []string{"destination"}
	m := &Metrics{
		OpenAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "open_attempts_total",
			Help:      "Total session open attempts per destination.",
		}, destLabel),
		OpenFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "open_failures_total",
			Help:      "Total session open failures per destination.",
		}, destLabel),
		ProbesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "probes_sent_total",
			Help:      "Total liveness probes sent per destination.",
		}, destLabel),
		ProbeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "probe_failures_total",
			Help:      "Total liveness probe failures per destination.",
		}, destLabel),
	}

	reg.MustRegister(m.OpenAttempts, m.OpenFailures, m.ProbesSent, m.ProbeFailed)
	return m
}
