package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sindef/redis-sentinel/pkg/events"
)

// Registry holds the monitor's prometheus collectors.
type Registry struct {
	registry *prometheus.Registry

	EventsTotal    *prometheus.CounterVec
	FailoversTotal *prometheus.CounterVec
	CurrentEpoch   prometheus.Gauge
	Tilt           prometheus.Gauge

	PrimaryDown     *prometheus.GaugeVec
	FailoverState   *prometheus.GaugeVec
	ConfigEpoch     *prometheus.GaugeVec
	KnownReplicas   *prometheus.GaugeVec
	KnownMonitors   *prometheus.GaugeVec
	PendingCommands *prometheus.GaugeVec
}

// NewRegistry creates a registry with every collector registered.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.EventsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_total",
			Help: "Total number of events emitted, by event type",
		},
		[]string{"type"},
	)

	r.FailoversTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_failovers_total",
			Help: "Failover attempts by outcome",
		},
		[]string{"result"}, // started, completed, timeout, aborted
	)

	r.CurrentEpoch = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_current_epoch",
			Help: "Current epoch of this monitor",
		},
	)

	r.Tilt = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_tilt",
			Help: "Whether the monitor is in tilt mode (1=yes, 0=no)",
		},
	)

	r.PrimaryDown = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_primary_down",
			Help: "Whether a primary is considered down (1=yes, 0=no)",
		},
		[]string{"primary", "kind"}, // sdown, odown
	)

	r.FailoverState = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_failover_state",
			Help: "Failover state of a primary (0=none ... 6=update_config)",
		},
		[]string{"primary"},
	)

	r.ConfigEpoch = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_primary_config_epoch",
			Help: "Configuration epoch of a primary",
		},
		[]string{"primary"},
	)

	r.KnownReplicas = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_known_replicas",
			Help: "Number of replicas known for a primary",
		},
		[]string{"primary"},
	)

	r.KnownMonitors = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_known_monitors",
			Help: "Number of other monitors known for a primary",
		},
		[]string{"primary"},
	)

	r.PendingCommands = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_primary_pending_commands",
			Help: "Commands awaiting a reply on a primary's link",
		},
		[]string{"primary"},
	)

	return r
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Emit implements events.Sink.
func (r *Registry) Emit(e events.Event) {
	r.EventsTotal.WithLabelValues(e.Type).Inc()

	switch {
	case e.Type == "+try-failover":
		r.FailoversTotal.WithLabelValues("started").Inc()
	case e.Type == "+failover-end":
		r.FailoversTotal.WithLabelValues("completed").Inc()
	case e.Type == "-failover-end-for-timeout":
		r.FailoversTotal.WithLabelValues("timeout").Inc()
	case strings.HasPrefix(e.Type, "-failover-abort"):
		r.FailoversTotal.WithLabelValues("aborted").Inc()
	case e.Type == "+tilt":
		r.Tilt.Set(1)
	case e.Type == "-tilt":
		r.Tilt.Set(0)
	}
}

// PrimaryStats is the per-primary snapshot pushed on every tick.
type PrimaryStats struct {
	Name          string
	SDown, ODown  bool
	FailoverState int
	ConfigEpoch   uint64
	Replicas      int
	Monitors      int
	Pending       int
}

// UpdatePrimary records a primary snapshot.
func (r *Registry) UpdatePrimary(s PrimaryStats) {
	r.PrimaryDown.WithLabelValues(s.Name, "sdown").Set(boolToFloat(s.SDown))
	r.PrimaryDown.WithLabelValues(s.Name, "odown").Set(boolToFloat(s.ODown))
	r.FailoverState.WithLabelValues(s.Name).Set(float64(s.FailoverState))
	r.ConfigEpoch.WithLabelValues(s.Name).Set(float64(s.ConfigEpoch))
	r.KnownReplicas.WithLabelValues(s.Name).Set(float64(s.Replicas))
	r.KnownMonitors.WithLabelValues(s.Name).Set(float64(s.Monitors))
	r.PendingCommands.WithLabelValues(s.Name).Set(float64(s.Pending))
}

// ForgetPrimary drops every series labelled with name.
func (r *Registry) ForgetPrimary(name string) {
	for _, kind := range []string{"sdown", "odown"} {
		r.PrimaryDown.DeleteLabelValues(name, kind)
	}
	r.FailoverState.DeleteLabelValues(name)
	r.ConfigEpoch.DeleteLabelValues(name)
	r.KnownReplicas.DeleteLabelValues(name)
	r.KnownMonitors.DeleteLabelValues(name)
	r.PendingCommands.DeleteLabelValues(name)
}

// SetEpoch records the current epoch.
func (r *Registry) SetEpoch(epoch uint64) {
	r.CurrentEpoch.Set(float64(epoch))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
