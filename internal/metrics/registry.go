// Package metrics exposes a process-wide Prometheus registry for the
// sensor's own health: scan cycles, decoy trips, event bus throughput,
// and incident counts. Uses the same promauto constructors and metric
// naming the teacher's internal/server/middleware.go registers its
// HTTP counters/histogram with, collected here into one lazily-built
// registry instead of package-level vars since this sensor has many
// more components emitting metrics than the teacher's single
// middleware file.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds every metric this sensor exports.
type Registry struct {
	ScanCyclesTotal   prometheus.Counter
	ScanDurationSec   prometheus.Histogram
	HostsDiscovered   prometheus.Gauge
	DecoyTripsTotal   *prometheus.CounterVec
	DecoysActive      prometheus.Gauge
	EventBusPublishes *prometheus.CounterVec
	IncidentsActive   prometheus.Gauge
	IncidentsOpened   prometheus.Counter
	IncidentsClosed   prometheus.Counter
	AlertsDispatched  *prometheus.CounterVec
}

// Get returns the process-wide registry, creating it on first use.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.ScanCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homesensor_scan_cycles_total",
		Help: "Total completed scan loop cycles",
	})
	r.ScanDurationSec = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "homesensor_scan_duration_seconds",
		Help:    "Duration of a single scan loop cycle",
		Buckets: prometheus.DefBuckets,
	})
	r.HostsDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homesensor_hosts_discovered",
		Help: "Number of hosts discovered in the most recent scan cycle",
	})

	r.DecoyTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homesensor_decoy_trips_total",
		Help: "Total decoy connections observed, labeled by whether a credential was used",
	}, []string{"decoy_type", "credential_used"})
	r.DecoysActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homesensor_decoys_active",
		Help: "Number of currently active (non-degraded, non-stopped) decoys",
	})

	r.EventBusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homesensor_eventbus_publishes_total",
		Help: "Total events published, labeled by topic",
	}, []string{"topic"})

	r.IncidentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homesensor_incidents_active",
		Help: "Number of currently active incidents",
	})
	r.IncidentsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homesensor_incidents_opened_total",
		Help: "Total incidents opened",
	})
	r.IncidentsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homesensor_incidents_closed_total",
		Help: "Total incidents closed by the periodic closure job",
	})

	r.AlertsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homesensor_alerts_dispatched_total",
		Help: "Total alert dispatch attempts, labeled by channel and outcome",
	}, []string{"channel", "outcome"})

	return r
}
