package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usketch",
			Name:      "transport_frames_total",
			Help:      "Messages moved by the cluster transport.",
		},
		[]string{"direction", "code"},
	)

	LaneUpdates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "usketch",
			Name:      "lane_updates",
			Help:      "Updates applied by a distributor lane during the current epoch.",
		},
		[]string{"lane"},
	)

	LaneStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "usketch",
			Name:      "lanes_in_state",
			Help:      "Number of distributor lanes per state.",
		},
		[]string{"state"},
	)

	IngestionRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "usketch",
			Name:      "ingestion_rate_updates_per_second",
			Help:      "Update ingestion rate over the whole epoch, the last interval and the best interval.",
		},
		[]string{"window"},
	)

	BarrierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "usketch",
			Name:      "barrier_duration_seconds",
			Help:      "Time spent draining or restarting the update pipeline.",
			// 1ms .. ~16s.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "usketch",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "usketch",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(FramesTotal, LaneUpdates, LaneStates, IngestionRate, BarrierDuration, buildInfo, uptime)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}
