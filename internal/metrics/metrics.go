package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed check cycles.
	OutcomeSuccess = "success"
	// OutcomeError labels cycles that failed on a dependency.
	OutcomeError = "error"
	// OutcomeSkipped labels cycles skipped because another instance held the lock.
	OutcomeSkipped = "skipped"
)

var (
	checkCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendguard",
			Name:      "check_cycles_total",
			Help:      "Total number of check cycles executed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendguard",
			Name:      "anomalies_total",
			Help:      "Total anomalies flagged, partitioned by severity.",
		},
		[]string{"severity"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendguard",
			Name:      "remediations_total",
			Help:      "Total remediation attempts, partitioned by terminal state.",
		},
		[]string{"state"},
	)

	remediationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "spendguard",
			Name:      "remediation_seconds",
			Help:      "Remediation attempt latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
)

// Register attaches spendguard collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		checkCyclesTotal,
		anomaliesTotal,
		remediationsTotal,
		remediationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCheckCycle records one check cycle outcome.
func ObserveCheckCycle(outcome string) {
	checkCyclesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAnomaly records one flagged anomaly.
func ObserveAnomaly(severity string) {
	anomaliesTotal.WithLabelValues(severity).Inc()
}

// ObserveRemediation records a remediation terminal state and latency.
func ObserveRemediation(state string, duration time.Duration) {
	remediationsTotal.WithLabelValues(state).Inc()
	if duration < 0 {
		duration = 0
	}
	remediationSeconds.Observe(duration.Seconds())
}
