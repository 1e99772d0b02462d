package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreattest/verifier/internal/core"
)

// pcrPolicyJSON is the wire shape for core.PCRPolicy, since its
// Accepted map keys are ints (not directly JSON-marshalable as a plain
// map[int]map[string]struct{} round trip back into the same type).
type pcrPolicyJSON struct {
	Mask     uint32                     `json:"mask"`
	Accepted map[string]map[string]bool `json:"accepted"`
}

func marshalPCRPolicy(p core.PCRPolicy) (string, error) {
	wire := pcrPolicyJSON{Mask: p.Mask, Accepted: make(map[string]map[string]bool, len(p.Accepted))}
	for pcr, digests := range p.Accepted {
		set := make(map[string]bool, len(digests))
		for d := range digests {
			set[d] = true
		}
		wire.Accepted[itoaKey(pcr)] = set
	}
	raw, err := json.Marshal(wire)
	return string(raw), err
}

func unmarshalPCRPolicy(raw string) (core.PCRPolicy, error) {
	var wire pcrPolicyJSON
	if raw == "" {
		return core.PCRPolicy{}, nil
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return core.PCRPolicy{}, err
	}
	p := core.PCRPolicy{Mask: wire.Mask, Accepted: make(map[int]map[string]struct{}, len(wire.Accepted))}
	for pcrStr, digests := range wire.Accepted {
		pcr, err := keyToInt(pcrStr)
		if err != nil {
			return core.PCRPolicy{}, err
		}
		set := make(map[string]struct{}, len(digests))
		for d := range digests {
			set[d] = struct{}{}
		}
		p.Accepted[pcr] = set
	}
	return p, nil
}

func itoaKey(n int) string {
	return fmt.Sprintf("%d", n)
}

func keyToInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

type runtimePolicyJSON struct {
	Allowlist        map[string]string `json:"allowlist"`
	RequireSignature map[string]bool   `json:"require_signature"`
	Exclude          []string          `json:"exclude"`
	VerificationKeys [][]byte          `json:"verification_keys"`
	DMPolicy         map[string]any    `json:"dm_policy"`
}

func marshalRuntimePolicy(p core.RuntimePolicy) (string, error) {
	wire := runtimePolicyJSON{
		Allowlist:        p.Allowlist,
		RequireSignature: p.RequireSignature,
		Exclude:          p.Exclude,
		VerificationKeys: p.VerificationKeys,
		DMPolicy:         p.DMPolicy,
	}
	raw, err := json.Marshal(wire)
	return string(raw), err
}

func unmarshalRuntimePolicy(raw string) (core.RuntimePolicy, error) {
	if raw == "" {
		return core.RuntimePolicy{}, nil
	}
	var wire runtimePolicyJSON
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return core.RuntimePolicy{}, err
	}
	return core.RuntimePolicy{
		Allowlist:        wire.Allowlist,
		RequireSignature: wire.RequireSignature,
		Exclude:          wire.Exclude,
		VerificationKeys: wire.VerificationKeys,
		DMPolicy:         wire.DMPolicy,
	}, nil
}

// GetAgent returns the agent projection for id, or nil if absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ak_tpm, accept_hash_algs, accept_enc_algs, accept_sign_algs,
			tpm_policy, mb_policy, runtime_policy, accept_attestations, learned_ima_keyrings
		 FROM agents WHERE id=?;`, id)

	var a core.Agent
	var hashAlgsJSON, encAlgsJSON, signAlgsJSON, tpmPolicyJSON, mbPolicyJSON, runtimePolicyRaw string
	var acceptAttestations int
	var learnedKeyrings []byte

	err := row.Scan(&a.ID, &a.AKTPM, &hashAlgsJSON, &encAlgsJSON, &signAlgsJSON,
		&tpmPolicyJSON, &mbPolicyJSON, &runtimePolicyRaw, &acceptAttestations, &learnedKeyrings)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}

	_ = json.Unmarshal([]byte(hashAlgsJSON), &a.AcceptHashAlgs)
	_ = json.Unmarshal([]byte(encAlgsJSON), &a.AcceptEncAlgs)
	_ = json.Unmarshal([]byte(signAlgsJSON), &a.AcceptSignAlgs)
	_ = json.Unmarshal([]byte(mbPolicyJSON), &a.MBPolicy)

	if a.TPMPolicy, err = unmarshalPCRPolicy(tpmPolicyJSON); err != nil {
		return nil, fmt.Errorf("unmarshal tpm_policy: %w", err)
	}
	if a.RuntimePolicy, err = unmarshalRuntimePolicy(runtimePolicyRaw); err != nil {
		return nil, fmt.Errorf("unmarshal runtime_policy: %w", err)
	}
	a.AcceptAttestations = acceptAttestations != 0
	a.LearnedIMAKeyrings = learnedKeyrings
	return &a, nil
}

// UpsertAgent creates or fully overwrites the agent projection for
// a.ID, used by the registrar-facing enrollment path.
func (s *Store) UpsertAgent(ctx context.Context, a core.Agent) error {
	hashAlgs, _ := json.Marshal(a.AcceptHashAlgs)
	encAlgs, _ := json.Marshal(a.AcceptEncAlgs)
	signAlgs, _ := json.Marshal(a.AcceptSignAlgs)
	mbPolicy, _ := json.Marshal(a.MBPolicy)
	tpmPolicy, err := marshalPCRPolicy(a.TPMPolicy)
	if err != nil {
		return fmt.Errorf("marshal tpm_policy: %w", err)
	}
	runtimePolicy, err := marshalRuntimePolicy(a.RuntimePolicy)
	if err != nil {
		return fmt.Errorf("marshal runtime_policy: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, ak_tpm, accept_hash_algs, accept_enc_algs, accept_sign_algs,
			tpm_policy, mb_policy, runtime_policy, accept_attestations, learned_ima_keyrings, created_at, updated_at)
		 VALUES (?,?,?,?,?, ?,?,?,?,?, ?,?)
		 ON CONFLICT(id) DO UPDATE SET
			ak_tpm=excluded.ak_tpm, accept_hash_algs=excluded.accept_hash_algs,
			accept_enc_algs=excluded.accept_enc_algs, accept_sign_algs=excluded.accept_sign_algs,
			tpm_policy=excluded.tpm_policy, mb_policy=excluded.mb_policy, runtime_policy=excluded.runtime_policy,
			accept_attestations=excluded.accept_attestations, learned_ima_keyrings=excluded.learned_ima_keyrings,
			updated_at=excluded.updated_at;`,
		a.ID, nullBytes(a.AKTPM), string(hashAlgs), string(encAlgs), string(signAlgs),
		tpmPolicy, string(mbPolicy), runtimePolicy, boolToInt(a.AcceptAttestations), nullBytes(a.LearnedIMAKeyrings),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// SetAttestationGate updates the fields the Lifecycle Manager is
// permitted to write on the agent projection: accept_attestations
// (spec §4.D.3 step 7) and learned_ima_keyrings (steps 5-6).
func (s *Store) SetAttestationGate(ctx context.Context, agentID string, acceptAttestations bool, learnedIMAKeyrings []byte) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET accept_attestations=?, learned_ima_keyrings=?, updated_at=? WHERE id=?;`,
		boolToInt(acceptAttestations), nullBytes(learnedIMAKeyrings), time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("set attestation gate: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set attestation gate rows affected: %w", err)
	}
	if affected == 0 {
		return &core.NotFoundError{AgentID: agentID}
	}
	return nil
}

// DeleteAgent removes the agent projection and all of its attestation
// records.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete agent transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attestations WHERE agent_id=?;`, agentID); err != nil {
		return fmt.Errorf("delete agent attestations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id=?;`, agentID); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
