// Package metrics exposes the Prometheus counters and gauges the agent
// reports about itself: update-job outcomes, rollback events, and
// certificate rotation/expiry, grounded on the same client_golang wiring the
// pack already uses for its own self-observability.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keelos_update_jobs_total",
			Help: "Total number of update jobs by terminal status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keelos_update_job_duration_seconds",
			Help:    "Time taken for an update job to reach a terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keelos_rollbacks_total",
			Help: "Total number of rollbacks performed, by trigger",
		},
		[]string{"trigger"},
	)

	CertificateRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keelos_certificate_rotations_total",
			Help: "Total number of certificate rotation attempts by outcome",
		},
		[]string{"outcome"},
	)

	CertificateDaysUntilExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keelos_certificate_days_until_expiry",
			Help: "Days remaining before a managed leaf certificate expires",
		},
		[]string{"leaf"},
	)

	HealthStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keelos_health_status",
			Help: "Current boot-health classification (0=healthy, 1=degraded, 2=unhealthy)",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(CertificateRotationsTotal)
	prometheus.MustRegister(CertificateDaysUntilExpiry)
	prometheus.MustRegister(HealthStatus)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
