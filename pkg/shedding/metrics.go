package shedding

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	unloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadshed_unloads_total",
			Help: "Total bundle unloads selected by the threshold shedder, by broker",
		},
		[]string{"broker"},
	)

	overloadedBrokers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadshed_broker_overloaded",
			Help: "1 if the broker was flagged overloaded on the most recent tick, else 0",
		},
		[]string{"broker"},
	)

	clusterAverageUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loadshed_cluster_average_usage",
			Help: "Fleet-wide average of smoothed weighted resource usage on the most recent tick",
		},
	)

	smoothedUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadshed_broker_smoothed_usage",
			Help: "EWMA-smoothed weighted resource usage per broker",
		},
		[]string{"broker"},
	)

	shedderTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loadshed_shedder_tick_duration_seconds",
			Help:    "Wall time spent evaluating the threshold shedder per tick",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

func recordTickMetrics(smoothed map[string]float64, avg float64, overloaded map[string]bool, unloads []Unload, took time.Duration) {
	clusterAverageUsage.Set(avg)
	shedderTickDuration.Observe(took.Seconds())

	for broker, usage := range smoothed {
		smoothedUsage.WithLabelValues(broker).Set(usage)
		if overloaded[broker] {
			overloadedBrokers.WithLabelValues(broker).Set(1)
		} else {
			overloadedBrokers.WithLabelValues(broker).Set(0)
		}
	}

	for _, u := range unloads {
		unloadsTotal.WithLabelValues(u.Broker).Inc()
	}
}
