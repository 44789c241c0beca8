package wal

import "github.com/prometheus/client_golang/prometheus"

var persistedBytes = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "shmdb",
		Subsystem: "wal",
		Name:      "persisted_bytes_total",
		Help:      "Bytes written to the write-ahead log.",
	})

func init() {
	prometheus.MustRegister(persistedBytes)
}
