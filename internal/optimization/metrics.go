package optimization

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of the optimizers
type Metrics struct {
	Evaluations *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	Duration    prometheus.Histogram
	BestFitness *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategylab",
			Name:      "evaluations_total",
			Help:      "Number of strategy evaluations.",
		}, []string{"optimizer"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategylab",
			Name:      "evaluation_failures_total",
			Help:      "Number of evaluations that failed and scored zero.",
		}, []string{"optimizer"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strategylab",
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of one evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		BestFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strategylab",
			Name:      "best_fitness",
			Help:      "Best fitness found by the running optimizer.",
		}, []string{"optimizer"}),
	}

	if reg != nil {
		reg.MustRegister(m.Evaluations, m.Failures, m.Duration, m.BestFitness)
	}
	return m
}
