package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreattest/verifier/internal/core"
	"github.com/coreattest/verifier/internal/lockset"
	"github.com/coreattest/verifier/internal/policyengine"
	"github.com/coreattest/verifier/internal/store"
	"github.com/coreattest/verifier/internal/tpmverify"
)

type fakeAdapter struct {
	result  *tpmverify.QuoteResult
	failure *tpmverify.AuthenticationFailure
}

func (f fakeAdapter) Verify(req tpmverify.Request) (*tpmverify.QuoteResult, *tpmverify.AuthenticationFailure) {
	return f.result, f.failure
}

type fakeMetrics struct {
	created       int
	verifications []string
	cleaned       []string
	regressions   int
}

func (f *fakeMetrics) AttestationCreated() { f.created++ }
func (f *fakeMetrics) VerificationCompleted(failureType string, _ time.Duration) {
	f.verifications = append(f.verifications, failureType)
}
func (f *fakeMetrics) RecordCleaned(reason string) { f.cleaned = append(f.cleaned, reason) }
func (f *fakeMetrics) BoottimeRegression()         { f.regressions++ }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "verifier.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newManager(t *testing.T, s *store.Store, adapter tpmverify.Adapter, opts ...Option) *Manager {
	t.Helper()
	cfg := Config{
		NonceLifetime:       time.Minute,
		QuoteInterval:       time.Minute,
		VerificationTimeout: 30 * time.Second,
	}
	return New(s, lockset.New(), adapter, policyengine.New(), cfg, opts...)
}

func upsertTestAgent(t *testing.T, s *store.Store, id string) {
	t.Helper()
	if err := s.UpsertAgent(context.Background(), core.Agent{
		ID:                 id,
		AcceptHashAlgs:     []string{"sha256"},
		AcceptEncAlgs:      []string{"rsa"},
		AcceptSignAlgs:     []string{"rsa"},
		AcceptAttestations: true,
	}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
}

func testCaps() Capabilities {
	return Capabilities{
		Boottime:          100,
		SupportedHashAlgs: []string{"sha256"},
		SupportedEncAlgs:  []string{"rsa"},
		SupportedSignAlgs: []string{"rsa"},
	}
}

func TestCreateNegotiatesAlgorithmsAndRecordsMetric(t *testing.T) {
	s := openTestStore(t)
	upsertTestAgent(t, s, "agent-1")
	metrics := &fakeMetrics{}
	mgr := newManager(t, s, fakeAdapter{}, WithMetrics(metrics))

	rec, err := mgr.Create(context.Background(), "agent-1", testCaps())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Index != 0 || rec.Status != core.StatusWaiting {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.HashAlg != "sha256" || rec.EncAlg != "rsa" || rec.SignAlg != "rsa" {
		t.Fatalf("unexpected negotiated algorithms: %+v", rec)
	}
	if metrics.created != 1 {
		t.Fatalf("expected 1 created metric, got %d", metrics.created)
	}
}

func TestCreateRejectsUnsupportedHashAlg(t *testing.T) {
	s := openTestStore(t)
	upsertTestAgent(t, s, "agent-1")
	mgr := newManager(t, s, fakeAdapter{})

	caps := testCaps()
	caps.SupportedHashAlgs = []string{"sha3"}
	_, err := mgr.Create(context.Background(), "agent-1", caps)
	var negErr *core.CapabilityNegotiationError
	if !errors.As(err, &negErr) {
		t.Fatalf("expected *core.CapabilityNegotiationError, got %T: %v", err, err)
	}
}

func TestCreateDetectsBoottimeRegression(t *testing.T) {
	s := openTestStore(t)
	upsertTestAgent(t, s, "agent-1")
	metrics := &fakeMetrics{}
	mgr := newManager(t, s, fakeAdapter{result: &tpmverify.QuoteResult{PCRs: map[int][]byte{}}}, WithMetrics(metrics))
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "agent-1", testCaps())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := mgr.ReceiveEvidence(ctx, "agent-1", rec.Index, Evidence{TPMQuote: []byte("quote")}); err != nil {
		t.Fatalf("receive evidence: %v", err)
	}
	if _, err := mgr.VerifyEvidence(ctx, "agent-1", rec.Index); err != nil {
		t.Fatalf("verify evidence: %v", err)
	}

	caps := testCaps()
	caps.Boottime = 50
	_, err = mgr.Create(ctx, "agent-1", caps)
	var regressionErr *core.BoottimeRegressionError
	if !errors.As(err, &regressionErr) {
		t.Fatalf("expected boottime regression error, got %v", err)
	}
	if metrics.regressions != 1 {
		t.Fatalf("expected 1 regression metric, got %d", metrics.regressions)
	}
}

func TestReceiveEvidenceRejectsWrongStartingOffset(t *testing.T) {
	s := openTestStore(t)
	upsertTestAgent(t, s, "agent-1")
	mgr := newManager(t, s, fakeAdapter{})
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "agent-1", testCaps())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = mgr.ReceiveEvidence(ctx, "agent-1", rec.Index, Evidence{TPMQuote: []byte("quote"), StartingIMAOffset: 7})
	if err == nil {
		t.Fatalf("expected protocol error for offset mismatch")
	}
}

func TestReceiveEvidenceRequiresTPMQuote(t *testing.T) {
	s := openTestStore(t)
	upsertTestAgent(t, s, "agent-1")
	mgr := newManager(t, s, fakeAdapter{})
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "agent-1", testCaps())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = mgr.ReceiveEvidence(ctx, "agent-1", rec.Index, Evidence{})
	var missing *core.EvidenceMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected evidence missing error, got %v", err)
	}
}

func TestFullCycleReachesVerifiedAndRecordsMetrics(t *testing.T) {
	s := openTestStore(t)
	upsertTestAgent(t, s, "agent-1")
	metrics := &fakeMetrics{}
	invalidated := 0
	mgr := newManager(t, s, fakeAdapter{result: &tpmverify.QuoteResult{PCRs: map[int][]byte{}}},
		WithMetrics(metrics),
		WithSchedulerInvalidation(func(agentID string) { invalidated++ }),
	)
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "agent-1", testCaps())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := mgr.ReceiveEvidence(ctx, "agent-1", rec.Index, Evidence{TPMQuote: []byte("quote")}); err != nil {
		t.Fatalf("receive evidence: %v", err)
	}
	verified, err := mgr.VerifyEvidence(ctx, "agent-1", rec.Index)
	if err != nil {
		t.Fatalf("verify evidence: %v", err)
	}
	if verified.Status != core.StatusVerified {
		t.Fatalf("expected verified, got %s", verified.Status)
	}
	if len(metrics.verifications) != 1 || metrics.verifications[0] != "" {
		t.Fatalf("expected one success verification metric, got %v", metrics.verifications)
	}
	if invalidated == 0 {
		t.Fatalf("expected scheduler invalidation hook to fire")
	}
}

func TestVerifyEvidenceQuoteAuthenticationFailureRevokesAndRecordsMetric(t *testing.T) {
	s := openTestStore(t)
	upsertTestAgent(t, s, "agent-1")
	metrics := &fakeMetrics{}
	var revoked core.FailureType
	mgr := newManager(t, s, fakeAdapter{failure: &tpmverify.AuthenticationFailure{Stage: tpmverify.StageQuote, Cause: tpmverify.CauseBadSignature}},
		WithMetrics(metrics),
		WithRevocationHook(func(ctx context.Context, agentID string, index uint64, failureType core.FailureType) {
			revoked = failureType
		}),
	)
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "agent-1", testCaps())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := mgr.ReceiveEvidence(ctx, "agent-1", rec.Index, Evidence{TPMQuote: []byte("quote")}); err != nil {
		t.Fatalf("receive evidence: %v", err)
	}
	failed, err := mgr.VerifyEvidence(ctx, "agent-1", rec.Index)
	if err != nil {
		t.Fatalf("verify evidence: %v", err)
	}
	if failed.Status != core.StatusFailed || failed.FailureType != core.FailureQuoteAuthentication {
		t.Fatalf("unexpected outcome: %+v", failed)
	}
	if len(metrics.verifications) != 1 || metrics.verifications[0] != string(core.FailureQuoteAuthentication) {
		t.Fatalf("expected quote_authentication verification metric, got %v", metrics.verifications)
	}
	// No prior verified record exists yet, so the revocation hook must
	// not fire for this first cycle (spec §7).
	if revoked != "" {
		t.Fatalf("expected no revocation on a first attestation, got %q", revoked)
	}
}

func TestCleanupDropsStaleWaitingPrior(t *testing.T) {
	s := openTestStore(t)
	upsertTestAgent(t, s, "agent-1")
	metrics := &fakeMetrics{}
	mgr := newManager(t, s, fakeAdapter{result: &tpmverify.QuoteResult{PCRs: map[int][]byte{}}}, WithMetrics(metrics))
	ctx := context.Background()

	first, err := mgr.Create(ctx, "agent-1", testCaps())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// first is left in waiting; creating a second attestation should
	// clean it up since it never received evidence.
	if _, err := mgr.Create(ctx, "agent-1", testCaps()); err != nil {
		t.Fatalf("create second: %v", err)
	}

	got, err := s.Get(ctx, "agent-1", first.Index)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected stale waiting prior to be deleted, found %+v", got)
	}
	found := false
	for _, reason := range metrics.cleaned {
		if reason == "stale_prior" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stale_prior cleanup metric, got %v", metrics.cleaned)
	}
}
