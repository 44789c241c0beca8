package commit

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shmdb",
			Subsystem: "txn",
			Name:      "decisions",
			Help:      "Counter of commit decisions by outcome.",
		}, []string{"type"})

	validationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "shmdb",
			Subsystem: "txn",
			Name:      "validation_duration_seconds",
			Help:      "Bucketed histogram of commit validation time.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
		})

	watermarkGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shmdb",
			Subsystem: "maintenance",
			Name:      "watermark",
			Help:      "Current value of each maintenance watermark.",
		}, []string{"type"})

	appliedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shmdb",
			Subsystem: "maintenance",
			Name:      "applied_logs",
			Help:      "Counter of committed logs applied to the shared view.",
		})

	gcCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shmdb",
			Subsystem: "maintenance",
			Name:      "reclaimed_logs",
			Help:      "Counter of decided logs reclaimed.",
		})
)

func init() {
	prometheus.MustRegister(decisionCounter)
	prometheus.MustRegister(validationDuration)
	prometheus.MustRegister(watermarkGauge)
	prometheus.MustRegister(appliedCounter)
	prometheus.MustRegister(gcCounter)
}
