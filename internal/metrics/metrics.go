// Package metrics defines the Prometheus instruments spec §6.4 names,
// wired into the Lifecycle Manager's hooks and served via
// promhttp.HandlerFor on metrics_addr over the registry passed to New.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument this core exposes. Construct once
// with New and hand it to the Lifecycle Manager via
// lifecycle.WithMetrics.
type Metrics struct {
	AttestationsCreatedTotal  prometheus.Counter
	AttestationsVerifiedTotal *prometheus.CounterVec
	VerificationDuration      prometheus.Histogram
	RecordsCleanedTotal       *prometheus.CounterVec
	BoottimeRegressionsTotal  prometheus.Counter
}

// New registers every instrument against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttestationsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "verifier_attestations_created_total",
			Help: "Total attestation records created.",
		}),
		AttestationsVerifiedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_attestations_verified_total",
			Help: "Total attestation verification outcomes, by failure_type (empty for success).",
		}, []string{"failure_type"}),
		VerificationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "verifier_verification_duration_seconds",
			Help:    "Wall-clock time spent in verify_evidence.",
			Buckets: prometheus.DefBuckets,
		}),
		RecordsCleanedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_records_cleaned_total",
			Help: "Total attestation records deleted by cleanup, by reason.",
		}, []string{"reason"}),
		BoottimeRegressionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "verifier_boottime_regressions_total",
			Help: "Total boottime regressions detected at create time.",
		}),
	}
}

// AttestationCreated records a new attestation record being opened.
func (m *Metrics) AttestationCreated() {
	m.AttestationsCreatedTotal.Inc()
}

// VerificationCompleted records the outcome of a verify_evidence call.
// failureType is empty on success.
func (m *Metrics) VerificationCompleted(failureType string, duration time.Duration) {
	m.AttestationsVerifiedTotal.WithLabelValues(failureType).Inc()
	m.VerificationDuration.Observe(duration.Seconds())
}

// RecordCleaned records a stale or superseded attestation record deletion.
func (m *Metrics) RecordCleaned(reason string) {
	m.RecordsCleanedTotal.WithLabelValues(reason).Inc()
}

// BoottimeRegression records a reported boottime older than the prior
// authenticated attestation's boottime.
func (m *Metrics) BoottimeRegression() {
	m.BoottimeRegressionsTotal.Inc()
}
