package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreattest/verifier/internal/core"
)

const attestationColumns = `agent_id, idx, status, failure_type,
	boottime, supported_hash_algs, supported_enc_algs, supported_sign_algs,
	nonce, nonce_created_at, nonce_expires_at, hash_alg, enc_alg, sign_alg, starting_ima_offset,
	tpm_quote, ima_entries, mb_entries,
	quoted_ima_entries_count, evidence_received_at,
	tpm_clock_info, ima_pcrs`

// GetLast returns the highest-index attestation for agentID, or nil if
// none exists.
func (s *Store) GetLast(ctx context.Context, agentID string) (*core.Attestation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attestationColumns+` FROM attestations WHERE agent_id=? ORDER BY idx DESC LIMIT 1;`, agentID)
	return scanAttestation(row)
}

// Get returns the attestation at (agentID, index), or nil if absent.
func (s *Store) Get(ctx context.Context, agentID string, index uint64) (*core.Attestation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attestationColumns+` FROM attestations WHERE agent_id=? AND idx=?;`, agentID, index)
	return scanAttestation(row)
}

// GetPreviousAuthenticated returns the most recent record before
// beforeIndex with status in {verified, failed} and
// failure_type != quote_authentication.
func (s *Store) GetPreviousAuthenticated(ctx context.Context, agentID string, beforeIndex uint64) (*core.Attestation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attestationColumns+` FROM attestations
		 WHERE agent_id=? AND idx<?
		   AND status IN (?, ?)
		   AND failure_type != ?
		 ORDER BY idx DESC LIMIT 1;`,
		agentID, beforeIndex, core.StatusVerified, core.StatusFailed, core.FailureQuoteAuthentication)
	return scanAttestation(row)
}

// GetPreviousSuccessful returns the most recent record before
// beforeIndex with status = verified.
func (s *Store) GetPreviousSuccessful(ctx context.Context, agentID string, beforeIndex uint64) (*core.Attestation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attestationColumns+` FROM attestations
		 WHERE agent_id=? AND idx<? AND status=?
		 ORDER BY idx DESC LIMIT 1;`,
		agentID, beforeIndex, core.StatusVerified)
	return scanAttestation(row)
}

// Insert creates a new attestation record. It returns *core.ConflictError
// if (agent_id, index) already exists — the store's signal per spec
// §4.C that a concurrent cycle started; the caller must abort.
func (s *Store) Insert(ctx context.Context, a core.Attestation) error {
	hashAlgs, err := json.Marshal(a.SupportedHashAlgs)
	if err != nil {
		return fmt.Errorf("marshal supported_hash_algs: %w", err)
	}
	encAlgs, err := json.Marshal(a.SupportedEncAlgs)
	if err != nil {
		return fmt.Errorf("marshal supported_enc_algs: %w", err)
	}
	signAlgs, err := json.Marshal(a.SupportedSignAlgs)
	if err != nil {
		return fmt.Errorf("marshal supported_sign_algs: %w", err)
	}
	imaPCRs, err := json.Marshal(a.IMAPCRs)
	if err != nil {
		return fmt.Errorf("marshal ima_pcrs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attestations (`+attestationColumns+`) VALUES (?,?,?,?, ?,?,?,?, ?,?,?,?,?,?,?, ?,?,?, ?,?, ?,?);`,
		a.AgentID, a.Index, string(a.Status), string(a.FailureType),
		a.Boottime, string(hashAlgs), string(encAlgs), string(signAlgs),
		nullBytes(a.Nonce), nullTime(a.NonceCreatedAt), nullTime(a.NonceExpiresAt), a.HashAlg, a.EncAlg, a.SignAlg, a.StartingIMAOffset,
		nullBytes(a.TPMQuote), nullBytes(a.IMAEntries), nullBytes(a.MBEntries),
		a.QuotedIMAEntriesCount, nullTime(a.EvidenceReceivedAt),
		nullBytes(a.TPMClockInfo), string(imaPCRs),
	)
	if err != nil {
		if isUniqueConstraintViolation(err) {
			return &core.ConflictError{AgentID: a.AgentID, Index: a.Index}
		}
		return fmt.Errorf("insert attestation: %w", err)
	}
	return nil
}

// Update idempotently overwrites the record at (a.AgentID, a.Index).
func (s *Store) Update(ctx context.Context, a core.Attestation) error {
	hashAlgs, _ := json.Marshal(a.SupportedHashAlgs)
	encAlgs, _ := json.Marshal(a.SupportedEncAlgs)
	signAlgs, _ := json.Marshal(a.SupportedSignAlgs)
	imaPCRs, _ := json.Marshal(a.IMAPCRs)

	result, err := s.db.ExecContext(ctx,
		`UPDATE attestations SET
			status=?, failure_type=?,
			boottime=?, supported_hash_algs=?, supported_enc_algs=?, supported_sign_algs=?,
			nonce=?, nonce_created_at=?, nonce_expires_at=?, hash_alg=?, enc_alg=?, sign_alg=?, starting_ima_offset=?,
			tpm_quote=?, ima_entries=?, mb_entries=?,
			quoted_ima_entries_count=?, evidence_received_at=?,
			tpm_clock_info=?, ima_pcrs=?
		 WHERE agent_id=? AND idx=?;`,
		string(a.Status), string(a.FailureType),
		a.Boottime, string(hashAlgs), string(encAlgs), string(signAlgs),
		nullBytes(a.Nonce), nullTime(a.NonceCreatedAt), nullTime(a.NonceExpiresAt), a.HashAlg, a.EncAlg, a.SignAlg, a.StartingIMAOffset,
		nullBytes(a.TPMQuote), nullBytes(a.IMAEntries), nullBytes(a.MBEntries),
		a.QuotedIMAEntriesCount, nullTime(a.EvidenceReceivedAt),
		nullBytes(a.TPMClockInfo), string(imaPCRs),
		a.AgentID, a.Index,
	)
	if err != nil {
		return fmt.Errorf("update attestation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update attestation rows affected: %w", err)
	}
	if affected == 0 {
		return &core.NotFoundError{AgentID: a.AgentID, Index: &a.Index}
	}
	return nil
}

// Delete removes the record at (agentID, index). It is not an error
// to delete an absent record.
func (s *Store) Delete(ctx context.Context, agentID string, index uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attestations WHERE agent_id=? AND idx=?;`, agentID, index)
	if err != nil {
		return fmt.Errorf("delete attestation: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAttestation(row scannable) (*core.Attestation, error) {
	var a core.Attestation
	var status, failureType string
	var hashAlgsJSON, encAlgsJSON, signAlgsJSON, imaPCRsJSON string
	var nonce, tpmQuote, imaEntries, mbEntries, tpmClockInfo []byte
	var nonceCreatedAt, nonceExpiresAt, evidenceReceivedAt sql.NullTime

	err := row.Scan(
		&a.AgentID, &a.Index, &status, &failureType,
		&a.Boottime, &hashAlgsJSON, &encAlgsJSON, &signAlgsJSON,
		&nonce, &nonceCreatedAt, &nonceExpiresAt, &a.HashAlg, &a.EncAlg, &a.SignAlg, &a.StartingIMAOffset,
		&tpmQuote, &imaEntries, &mbEntries,
		&a.QuotedIMAEntriesCount, &evidenceReceivedAt,
		&tpmClockInfo, &imaPCRsJSON,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan attestation: %w", err)
	}

	a.Status = core.Status(status)
	a.FailureType = core.FailureType(failureType)
	a.Nonce = nonce
	a.TPMQuote = tpmQuote
	a.IMAEntries = imaEntries
	a.MBEntries = mbEntries
	a.TPMClockInfo = tpmClockInfo
	if nonceCreatedAt.Valid {
		a.NonceCreatedAt = nonceCreatedAt.Time
	}
	if nonceExpiresAt.Valid {
		a.NonceExpiresAt = nonceExpiresAt.Time
	}
	if evidenceReceivedAt.Valid {
		a.EvidenceReceivedAt = evidenceReceivedAt.Time
	}
	_ = json.Unmarshal([]byte(hashAlgsJSON), &a.SupportedHashAlgs)
	_ = json.Unmarshal([]byte(encAlgsJSON), &a.SupportedEncAlgs)
	_ = json.Unmarshal([]byte(signAlgsJSON), &a.SupportedSignAlgs)
	_ = json.Unmarshal([]byte(imaPCRsJSON), &a.IMAPCRs)

	return &a, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
