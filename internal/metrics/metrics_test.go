package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestAttestationCreatedIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AttestationCreated()
	m.AttestationCreated()

	if got := counterValue(t, m.AttestationsCreatedTotal); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestVerificationCompletedLabelsByFailureType(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.VerificationCompleted("", 10*time.Millisecond)
	m.VerificationCompleted("quote_authentication", 5*time.Millisecond)
	m.VerificationCompleted("quote_authentication", 5*time.Millisecond)

	if got := counterValue(t, m.AttestationsVerifiedTotal.WithLabelValues("")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := counterValue(t, m.AttestationsVerifiedTotal.WithLabelValues("quote_authentication")); got != 2 {
		t.Fatalf("expected 2 quote_authentication failures, got %v", got)
	}
}

func TestRecordCleanedLabelsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCleaned("stale_prior")
	m.RecordCleaned("verified_prior")
	m.RecordCleaned("stale_prior")

	if got := counterValue(t, m.RecordsCleanedTotal.WithLabelValues("stale_prior")); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestBoottimeRegressionIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BoottimeRegression()

	if got := counterValue(t, m.BoottimeRegressionsTotal); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}
