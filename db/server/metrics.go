package server

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shmdb",
			Subsystem: "server",
			Name:      "sessions",
			Help:      "Number of open client sessions.",
		})

	rejectedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shmdb",
			Subsystem: "server",
			Name:      "rejected_connections",
			Help:      "Counter of refused client connections by reason.",
		}, []string{"reason"})

	eventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shmdb",
			Subsystem: "server",
			Name:      "session_events",
			Help:      "Counter of handled session events.",
		}, []string{"event"})

	commitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shmdb",
			Subsystem: "server",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of COMMIT_TXN handling time by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
		}, []string{"type"})

	heapGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shmdb",
			Subsystem: "server",
			Name:      "heap_bytes",
			Help:      "Object heap bytes by state.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(sessionGauge)
	prometheus.MustRegister(rejectedCounter)
	prometheus.MustRegister(eventCounter)
	prometheus.MustRegister(commitDuration)
	prometheus.MustRegister(heapGauge)
}
