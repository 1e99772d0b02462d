// Package tpmverify implements Component A, the TPM Verification
// Adapter from spec §4.A: a stateless capability that authenticates a
// signed TPM quote against an AK, a nonce, and a PCR selection, and
// replays the IMA and measured-boot logs into synthetic PCRs for
// comparison against what the quote actually committed to.
//
// Authentication (is this quote genuine?) is kept separate from policy
// (does its content match expectations?) because the two failure
// classes have different operator consequences — see policyengine for
// the latter.
package tpmverify

import (
	"bytes"
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-attestation/attest"
)

// FailureCause enumerates the causes spec §4.A enumerates for a
// QuoteAuthenticationFailure / LogAuthenticationFailure.
type FailureCause string

const (
	CauseMalformed      FailureCause = "malformed"
	CauseBadSignature   FailureCause = "bad_signature"
	CauseNonceMismatch  FailureCause = "nonce_mismatch"
	CauseMBPCRMismatch  FailureCause = "mb_pcr_mismatch"
	CauseIMAPCRMismatch FailureCause = "ima_pcr_mismatch"
)

// FailureStage distinguishes a quote-level failure from a log-replay
// failure, matching the quote_authentication/log_authentication split
// in spec §4.A and §4.D.3.
type FailureStage string

const (
	StageQuote FailureStage = "quote_authentication"
	StageLog   FailureStage = "log_authentication"
)

// AuthenticationFailure is returned when the quote or a replayed log
// fails authentication; it is never surfaced to the agent as policy
// detail, only as the failure_type stored on the record.
type AuthenticationFailure struct {
	Stage FailureStage
	Cause FailureCause
	Err   error
}

func (e *AuthenticationFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %v", e.Stage, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s/%s", e.Stage, e.Cause)
}

// ClockInfo is the parsed TPM clock/reset/restart counters from the
// quote, carried forward as attest-state seed material per spec
// §4.D.3 step 1.
type ClockInfo struct {
	Clock        uint64
	ResetCount   uint32
	RestartCount uint32
}

// QuoteResult is the successful output of Verify: the PCR map the
// quote actually committed to, the parsed clock info, and the number
// of IMA log entries the replay consumed.
type QuoteResult struct {
	PCRs               map[int][]byte
	Clock              ClockInfo
	IMAEntriesConsumed uint64
}

// Request bundles the inputs to a single verification, per the
// contract in spec §4.A. Quote is the opaque blob the agent submitted;
// this adapter's wire format for it is an Envelope (below).
type Request struct {
	Nonce             []byte
	AKPublic          []byte
	Quote             []byte
	HashAlg           string
	IMALog            []byte // raw ascii_runtime_measurements-style log, may be nil
	MBLog             []byte // raw TCG PC Client event log, may be nil
	StartingIMAOffset uint64
	PriorIMAPCR       []byte // ima_pcrs[IMAPCR] carried forward from previous_authenticated_attestation; required when StartingIMAOffset != 0
	MeasuredBootPCRs  []int
	IMAPCR            int
}

// Envelope is the concrete encoding this adapter expects inside the
// opaque tpm_quote blob: the TPM's attested bytes and signature over
// them (what a real TPM2_Quote produces), plus the raw PCR bank values
// the agent read out of the TPM immediately before quoting. A
// TPM2_Quote's internal commitment is a single hash of the
// concatenated PCR values, not a per-PCR digest map, so the verifier
// needs the candidate PCR values supplied alongside the quote in order
// to check per-PCR policy and log replay against them.
type Envelope struct {
	AttestedBytes []byte         `json:"attested_bytes"`
	Signature     []byte         `json:"signature"`
	PCRs          map[int]string `json:"pcrs"` // index -> hex digest
}

func decodeEnvelope(raw []byte) (*Envelope, map[int][]byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("decode quote envelope: %w", err)
	}
	if len(env.AttestedBytes) == 0 || len(env.Signature) == 0 {
		return nil, nil, fmt.Errorf("quote envelope missing attested bytes or signature")
	}
	pcrs := make(map[int][]byte, len(env.PCRs))
	for idx, digestHex := range env.PCRs {
		digest, err := hex.DecodeString(digestHex)
		if err != nil {
			return nil, nil, fmt.Errorf("decode pcr %d digest: %w", idx, err)
		}
		pcrs[idx] = digest
	}
	return &env, pcrs, nil
}

// Adapter is the pluggable capability the Lifecycle Manager depends
// on, per Design Note "Global TPM singleton": inject a capability,
// never reach for a package-level TPM object.
type Adapter interface {
	Verify(req Request) (*QuoteResult, *AuthenticationFailure)
}

// GoAttestationAdapter implements Adapter against
// github.com/google/go-attestation/attest. It is stateless beyond the
// TPM-version it was constructed for (2.0 is the only version this
// core targets).
type GoAttestationAdapter struct {
	Version attest.TPMVersion
}

// NewAdapter constructs the default TPM 2.0 adapter.
func NewAdapter() *GoAttestationAdapter {
	return &GoAttestationAdapter{Version: attest.TPMVersion20}
}

// Verify implements the seven ordered steps of spec §4.A.
func (a *GoAttestationAdapter) Verify(req Request) (*QuoteResult, *AuthenticationFailure) {
	// Step 1: parse the quote blob into (attested_bytes, signature, reported PCRs).
	akPub, err := attest.ParseAKPublic(a.Version, req.AKPublic)
	if err != nil {
		return nil, &AuthenticationFailure{Stage: StageQuote, Cause: CauseMalformed, Err: err}
	}
	env, pcrs, err := decodeEnvelope(req.Quote)
	if err != nil {
		return nil, &AuthenticationFailure{Stage: StageQuote, Cause: CauseMalformed, Err: err}
	}

	attestPCRs := make([]attest.PCR, 0, len(pcrs))
	for idx, digest := range pcrs {
		attestPCRs = append(attestPCRs, attest.PCR{Index: idx, Digest: digest, DigestAlg: hashFor(req.HashAlg)})
	}

	// Steps 2-4: verify the signature over attested_bytes under ak_tpm,
	// extract+compare the nonce, and confirm the PCR-digest commitment
	// matches the reported PCR values — all performed by AKPublic.Verify.
	quote := attest.Quote{Version: a.Version, Quote: env.AttestedBytes, Signature: env.Signature}
	if err := akPub.Verify(quote, attestPCRs, req.Nonce); err != nil {
		cause := CauseBadSignature
		if strings.Contains(err.Error(), "nonce") {
			cause = CauseNonceMismatch
		}
		return nil, &AuthenticationFailure{Stage: StageQuote, Cause: cause, Err: err}
	}

	result := &QuoteResult{PCRs: pcrs, Clock: parseClockInfo(env.AttestedBytes)}

	// Step 5: replay the measured-boot log, if present, restricted to
	// MEASUREDBOOT_PCRS, and compare against the reported values.
	if len(req.MBLog) > 0 {
		mbPCRs := make([]attest.PCR, 0, len(req.MeasuredBootPCRs))
		for _, idx := range req.MeasuredBootPCRs {
			digest, ok := pcrs[idx]
			if !ok {
				continue
			}
			mbPCRs = append(mbPCRs, attest.PCR{Index: idx, Digest: digest, DigestAlg: hashFor(req.HashAlg)})
		}
		eventLog, err := attest.ParseEventLog(req.MBLog)
		if err != nil {
			return nil, &AuthenticationFailure{Stage: StageLog, Cause: CauseMalformed, Err: err}
		}
		if _, err := eventLog.Verify(mbPCRs); err != nil {
			return nil, &AuthenticationFailure{Stage: StageLog, Cause: CauseMBPCRMismatch, Err: err}
		}
	}

	// Step 6: replay the IMA log into IMA_PCR and compare. A fresh boot
	// epoch (StartingIMAOffset == 0) replays from the all-zero reset
	// value; a continuation cycle must extend the PCR10 digest carried
	// forward from previous_authenticated_attestation, since ima_entries
	// only ever carries the tail since StartingIMAOffset.
	seed := seedIMAPCR(req.HashAlg)
	if req.StartingIMAOffset != 0 {
		if len(req.PriorIMAPCR) == 0 {
			return nil, &AuthenticationFailure{Stage: StageLog, Cause: CauseMalformed, Err: fmt.Errorf("starting_ima_offset %d requires a prior ima pcr to seed replay", req.StartingIMAOffset)}
		}
		seed = req.PriorIMAPCR
	}
	consumed := uint64(0)
	if len(req.IMALog) > 0 {
		digest, n, err := ReplayIMALog(req.IMALog, req.HashAlg, seed)
		if err != nil {
			return nil, &AuthenticationFailure{Stage: StageLog, Cause: CauseMalformed, Err: err}
		}
		if want, ok := pcrs[req.IMAPCR]; ok {
			if !bytes.Equal(want, digest) {
				return nil, &AuthenticationFailure{Stage: StageLog, Cause: CauseIMAPCRMismatch}
			}
		}
		consumed = uint64(n)
	}

	// Step 7.
	result.IMAEntriesConsumed = consumed
	return result, nil
}

func hashFor(alg string) crypto.Hash {
	switch alg {
	case "sha1":
		return crypto.SHA1
	case "sha512":
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// seedIMAPCR returns the all-zero starting digest for the IMA PCR bank
// (TPM PCRs reset to zero on the banks IMA extends).
func seedIMAPCR(alg string) []byte {
	return make([]byte, hashFor(alg).Size())
}

// parseClockInfo best-effort extracts the TPM clock counters from the
// attested bytes. A full TPMS_ATTEST decode is out of scope for this
// adapter (go-attestation already validated the structure during
// Verify); if the bytes are shorter than expected this returns a zero
// ClockInfo, which is safe because ClockInfo is only ever used as an
// advisory seed for the next cycle's attest state, never re-verified.
func parseClockInfo(attested []byte) ClockInfo {
	const clockInfoLen = 8 + 4 + 4 + 1
	if len(attested) < clockInfoLen {
		return ClockInfo{}
	}
	tail := attested[len(attested)-clockInfoLen:]
	clock := uint64(0)
	for i := 0; i < 8; i++ {
		clock = clock<<8 | uint64(tail[i])
	}
	resetCount := uint32(tail[8])<<24 | uint32(tail[9])<<16 | uint32(tail[10])<<8 | uint32(tail[11])
	restartCount := uint32(tail[12])<<24 | uint32(tail[13])<<16 | uint32(tail[14])<<8 | uint32(tail[15])
	return ClockInfo{Clock: clock, ResetCount: resetCount, RestartCount: restartCount}
}
