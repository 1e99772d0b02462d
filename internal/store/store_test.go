package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreattest/verifier/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verifier.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAttestation(agentID string, index uint64) core.Attestation {
	now := time.Now().UTC().Truncate(time.Second)
	return core.Attestation{
		AgentID:           agentID,
		Index:             index,
		Status:            core.StatusWaiting,
		Boottime:          100,
		SupportedHashAlgs: []string{"sha256"},
		Nonce:             []byte{1, 2, 3, 4},
		NonceCreatedAt:    now,
		NonceExpiresAt:    now.Add(5 * time.Minute),
		HashAlg:           "sha256",
		StartingIMAOffset: 0,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := sampleAttestation("agent-1", 0)

	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Get(ctx, "agent-1", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record, got nil")
	}
	if got.Status != core.StatusWaiting || got.Boottime != 100 || got.HashAlg != "sha256" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.SupportedHashAlgs) != 1 || got.SupportedHashAlgs[0] != "sha256" {
		t.Fatalf("unexpected supported hash algs: %v", got.SupportedHashAlgs)
	}
}

func TestInsertConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := sampleAttestation("agent-1", 0)

	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.Insert(ctx, a)
	if err == nil {
		t.Fatalf("expected conflict error on duplicate insert")
	}
	if _, ok := err.(*core.ConflictError); !ok {
		t.Fatalf("expected *core.ConflictError, got %T: %v", err, err)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(context.Background(), "agent-x", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing record, got %+v", got)
	}
}

func TestGetLastReturnsHighestIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := uint64(0); i < 3; i++ {
		a := sampleAttestation("agent-1", i)
		if err := s.Insert(ctx, a); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	last, err := s.GetLast(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get last: %v", err)
	}
	if last == nil || last.Index != 2 {
		t.Fatalf("expected index 2, got %+v", last)
	}
}

func TestGetPreviousAuthenticatedSkipsQuoteAuthFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a0 := sampleAttestation("agent-1", 0)
	a0.Status = core.StatusFailed
	a0.FailureType = core.FailureQuoteAuthentication
	if err := s.Insert(ctx, a0); err != nil {
		t.Fatalf("insert 0: %v", err)
	}

	a1 := sampleAttestation("agent-1", 1)
	a1.Status = core.StatusFailed
	a1.FailureType = core.FailurePolicyViolation
	if err := s.Insert(ctx, a1); err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	prev, err := s.GetPreviousAuthenticated(ctx, "agent-1", 2)
	if err != nil {
		t.Fatalf("get previous authenticated: %v", err)
	}
	if prev == nil || prev.Index != 1 {
		t.Fatalf("expected index 1 (quote_authentication failure at 0 skipped), got %+v", prev)
	}
}

func TestGetPreviousSuccessfulOnlyVerified(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a0 := sampleAttestation("agent-1", 0)
	a0.Status = core.StatusVerified
	if err := s.Insert(ctx, a0); err != nil {
		t.Fatalf("insert 0: %v", err)
	}
	a1 := sampleAttestation("agent-1", 1)
	a1.Status = core.StatusFailed
	a1.FailureType = core.FailurePolicyViolation
	if err := s.Insert(ctx, a1); err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	prev, err := s.GetPreviousSuccessful(ctx, "agent-1", 2)
	if err != nil {
		t.Fatalf("get previous successful: %v", err)
	}
	if prev == nil || prev.Index != 0 {
		t.Fatalf("expected index 0, got %+v", prev)
	}
}

func TestUpdateOverwritesRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := sampleAttestation("agent-1", 0)
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	a.Status = core.StatusVerified
	a.QuotedIMAEntriesCount = 42
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, "agent-1", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.StatusVerified || got.QuotedIMAEntriesCount != 42 {
		t.Fatalf("unexpected record after update: %+v", got)
	}
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(context.Background(), sampleAttestation("agent-missing", 0))
	if err == nil {
		t.Fatalf("expected not found error")
	}
	if _, ok := err.(*core.NotFoundError); !ok {
		t.Fatalf("expected *core.NotFoundError, got %T", err)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := sampleAttestation("agent-1", 0)
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Delete(ctx, "agent-1", 0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.Get(ctx, "agent-1", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected record to be gone, got %+v", got)
	}
}

func TestAgentUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := core.Agent{
		ID:             "agent-1",
		AKTPM:          []byte("ak-public-bytes"),
		AcceptHashAlgs: []string{"sha256", "sha1"},
		TPMPolicy: core.PCRPolicy{
			Mask: 0xFF,
			Accepted: map[int]map[string]struct{}{
				0: {"aabbcc": {}},
			},
		},
		RuntimePolicy: core.RuntimePolicy{
			Allowlist: map[string]string{"/usr/bin/bash": "112233"},
			Exclude:   []string{"^/var/log/.*"},
		},
		AcceptAttestations: true,
	}

	if err := s.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatalf("expected agent, got nil")
	}
	if got.TPMPolicy.Mask != 0xFF {
		t.Fatalf("unexpected mask: %v", got.TPMPolicy.Mask)
	}
	if _, ok := got.TPMPolicy.Accepted[0]["aabbcc"]; !ok {
		t.Fatalf("expected pcr policy round trip, got %+v", got.TPMPolicy.Accepted)
	}
	if got.RuntimePolicy.Allowlist["/usr/bin/bash"] != "112233" {
		t.Fatalf("unexpected runtime policy: %+v", got.RuntimePolicy)
	}
	if !got.AcceptAttestations {
		t.Fatalf("expected accept_attestations to round trip true")
	}
}

func TestSetAttestationGate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertAgent(ctx, core.Agent{ID: "agent-1"}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	if err := s.SetAttestationGate(ctx, "agent-1", true, []byte("keyring-bytes")); err != nil {
		t.Fatalf("set attestation gate: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !got.AcceptAttestations {
		t.Fatalf("expected accept_attestations=true")
	}
	if string(got.LearnedIMAKeyrings) != "keyring-bytes" {
		t.Fatalf("unexpected learned keyrings: %q", got.LearnedIMAKeyrings)
	}
}

func TestDeleteAgentCascadesAttestations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertAgent(ctx, core.Agent{ID: "agent-1"}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	if err := s.Insert(ctx, sampleAttestation("agent-1", 0)); err != nil {
		t.Fatalf("insert attestation: %v", err)
	}

	if err := s.DeleteAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("delete agent: %v", err)
	}

	gotAgent, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if gotAgent != nil {
		t.Fatalf("expected agent to be gone")
	}
	gotAttestation, err := s.Get(ctx, "agent-1", 0)
	if err != nil {
		t.Fatalf("get attestation: %v", err)
	}
	if gotAttestation != nil {
		t.Fatalf("expected attestation to be gone")
	}
}
