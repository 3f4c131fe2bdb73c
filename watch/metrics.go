package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bodrovis/kubex/apierr"
)

// Metrics counts what the watch loops see. A nil *Metrics is a no-op.
type Metrics struct {
	events     *prometheus.CounterVec
	directives *prometheus.CounterVec
	restarts   *prometheus.CounterVec
}

// NewMetrics registers the kubex_watch_* collectors with reg. A nil reg
// builds unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubex_watch_events_total",
				Help: "Watch events received, by resource and event type",
			},
			[]string{"resource", "type"},
		),
		directives: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubex_watch_directives_total",
				Help: "Recovery directives taken after watch failures",
			},
			[]string{"resource", "directive"},
		),
		restarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubex_watch_restarts_total",
				Help: "Relists forced by an expired resourceVersion",
			},
			[]string{"resource"},
		),
	}
}

func (m *Metrics) event(resource, typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(resource, typ).Inc()
}

func (m *Metrics) directive(resource string, d apierr.Directive) {
	if m == nil {
		return
	}
	m.directives.WithLabelValues(resource, d.String()).Inc()
	if d == apierr.RestartFromEmpty {
		m.restarts.WithLabelValues(resource).Inc()
	}
}
