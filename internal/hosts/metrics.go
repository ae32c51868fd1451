package hosts

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sourceFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kooixhost_source_fetch_total",
			Help: "Total subscription source fetches by result",
		},
		[]string{"source", "result"},
	)
	sourceFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kooixhost_source_fetch_duration_seconds",
			Help:    "Subscription source fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
	probeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kooixhost_probe_total",
			Help: "Total connectivity probes by result",
		},
		[]string{"result"},
	)
	updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kooixhost_updates_total",
			Help: "Total hosts file updates by result",
		},
		[]string{"result"},
	)
	lastUpdateTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kooixhost_last_update_timestamp_seconds",
			Help: "Unix time of the last successful hosts update",
		},
	)
)

func init() {
	prometheus.MustRegister(sourceFetchTotal, sourceFetchDuration, probeTotal, updatesTotal, lastUpdateTimestamp)
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func observeFetch(source string, ok bool, d time.Duration) {
	sourceFetchTotal.WithLabelValues(source, resultLabel(ok)).Inc()
	sourceFetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

func observeProbe(ok bool) {
	probeTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// ObserveUpdate 记录一次 hosts 更新结果
func ObserveUpdate(ok bool, at time.Time) {
	updatesTotal.WithLabelValues(resultLabel(ok)).Inc()
	if ok {
		lastUpdateTimestamp.Set(float64(at.Unix()))
	}
}
