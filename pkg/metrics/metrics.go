package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CurrentPort reports the public port currently believed to be leased
	// and pushed into the torrent client. Zero when no port is known yet.
	CurrentPort = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbouncer_current_port",
			Help: "Public port currently leased via NAT-PMP and configured in the torrent client",
		},
	)

	ConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbouncer_consecutive_failures",
			Help: "Current consecutive tick failure count",
		},
	)

	KillswitchActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbouncer_killswitch_active",
			Help: "Whether the firewall killswitch chain is currently installed (1) or not (0)",
		},
	)

	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbouncer_ticks_total",
			Help: "Total number of supervisor ticks by resulting state",
		},
		[]string{"state"},
	)

	PortRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbouncer_port_refreshes_total",
			Help: "Total number of NAT-PMP refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qbouncer_tick_duration_seconds",
			Help:    "Time taken to process a single supervisor tick, by state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		CurrentPort,
		ConsecutiveFailures,
		KillswitchActive,
		TicksTotal,
		PortRefreshesTotal,
		TickDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing a single tick.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
