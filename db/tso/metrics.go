package tso

import "github.com/prometheus/client_golang/prometheus"

var tsoCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "shmdb",
		Subsystem: "tso",
		Name:      "events",
		Help:      "Counter of timestamp allocation events.",
	}, []string{"type"})

func init() {
	prometheus.MustRegister(tsoCounter)
}
