// Package core defines the data model shared by every verifier
// component: the Agent projection, the Attestation record, and the
// typed policy/authentication failure vocabulary.
package core

import (
	"strconv"
	"time"
)

// Status is the lifecycle stage of an Attestation record.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusReceived Status = "received"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// FailureType classifies why a record transitioned to StatusFailed.
type FailureType string

const (
	FailureNone                FailureType = ""
	FailureQuoteAuthentication FailureType = "quote_authentication"
	FailureLogAuthentication   FailureType = "log_authentication"
	FailurePolicyViolation     FailureType = "policy_violation"
)

// PCRPolicy maps a PCR index to its acceptable hex digests plus the
// selection mask the agent advertised.
type PCRPolicy struct {
	Accepted map[int]map[string]struct{}
	Mask     uint32
}

// RuntimePolicy is the IMA allowlist plus the verification keyring.
type RuntimePolicy struct {
	Allowlist        map[string]string // path -> accepted hex digest
	RequireSignature map[string]bool   // path -> signature required
	Exclude          []string          // regex source strings, compiled by the loader
	VerificationKeys [][]byte          // DER/PEM-decoded tenant public keys
	DMPolicy         map[string]any
}

// Agent is the core's local projection of agent state. Ownership of
// the full record lives with the registrar; the core only reads the
// fields below and writes AcceptAttestations/LearnedIMAKeyrings/the
// legacy continuity fields.
type Agent struct {
	ID string

	AKTPM []byte

	AcceptHashAlgs []string
	AcceptEncAlgs  []string
	AcceptSignAlgs []string

	TPMPolicy     PCRPolicy
	MBPolicy      any
	RuntimePolicy RuntimePolicy

	AcceptAttestations bool

	LearnedIMAKeyrings []byte

	// Legacy continuity fields, used only while transitioning modes.
	IMAPCRs         map[int]string
	PCR10           string
	TPMClockInfo    []byte
	NextIMAMLEntry  uint64
}

// Attestation is a single per-agent attestation record, uniquely keyed
// by (AgentID, Index).
type Attestation struct {
	AgentID string
	Index   uint64

	Status      Status
	FailureType FailureType

	// Negotiation input, supplied by the agent at create time.
	Boottime           int64
	SupportedHashAlgs  []string
	SupportedEncAlgs   []string
	SupportedSignAlgs  []string

	// Negotiation output, chosen by the core at create time.
	Nonce              []byte
	NonceCreatedAt     time.Time
	NonceExpiresAt     time.Time
	HashAlg            string
	EncAlg             string
	SignAlg            string
	StartingIMAOffset  uint64

	// Evidence, supplied by the agent at receive_evidence time.
	TPMQuote  []byte
	IMAEntries []byte
	MBEntries  []byte

	// Verification outputs.
	QuotedIMAEntriesCount uint64
	EvidenceReceivedAt    time.Time

	// Carried forward from the TPM adapter on a verified/failed(non-auth)
	// outcome, seeding the next cycle's attest state (§4.D.1 step 1).
	TPMClockInfo []byte
	IMAPCRs      map[int]string
}

// NextAttestationExpectedAfter is the derived scheduling timestamp from
// spec §4.D.4.
func (a Attestation) NextAttestationExpectedAfter(quoteInterval time.Duration) time.Time {
	base := a.EvidenceReceivedAt
	if base.IsZero() {
		base = a.NonceCreatedAt
	}
	return base.Add(quoteInterval)
}

// DecisionExpectedBy is the derived verification deadline from spec §4.D.4.
func (a Attestation) DecisionExpectedBy(quoteInterval, verificationTimeout time.Duration) time.Time {
	if !a.EvidenceReceivedAt.IsZero() {
		return a.EvidenceReceivedAt.Add(verificationTimeout)
	}
	return a.NonceCreatedAt.Add(quoteInterval).Add(verificationTimeout)
}

// Event is a single typed policy/authentication event. Context carries
// structured detail (e.g. {"pcr": 10, "expected": "...", "got": "..."}).
type Event struct {
	ID      string
	Context map[string]any
}

// Failure is an ordered, possibly-empty collection of Events. An empty
// Failure means success; callers must test len(f.Events) == 0 rather
// than comparing against nil, since a typed empty Failure (not a nil
// one) is the canonical "no failure" value returned by the policy
// engine.
type Failure struct {
	Events []Event
}

// Empty reports whether no failure events were recorded.
func (f Failure) Empty() bool { return len(f.Events) == 0 }

// Error implements the error interface so a Failure can be wrapped
// with the rest of Go's error idioms when convenient, even though
// callers are expected to branch on Empty().
func (f Failure) Error() string {
	if f.Empty() {
		return "no failure"
	}
	return f.Events[0].ID
}

// FailureTypeFor maps the first matching event ID in a Failure to the
// failure_type table in spec §4.B.
func FailureTypeFor(f Failure) FailureType {
	if f.Empty() {
		return FailureNone
	}
	return failureTypeForEvent(f.Events[0].ID)
}

func failureTypeForEvent(eventID string) FailureType {
	switch {
	case hasPrefix(eventID, "quote_validation."):
		return FailureQuoteAuthentication
	case hasPrefix(eventID, "measured_boot.invalid_pcr_"):
		return FailureLogAuthentication
	case eventID == "ima.pcr_mismatch":
		return FailureLogAuthentication
	default:
		return FailurePolicyViolation
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Well-known event IDs from spec §4.B.
const (
	EventQuoteValidation       = "quote_validation.quote_validation"
	EventIMAPCRMismatch        = "ima.pcr_mismatch"
	EventIMASignatureMissing   = "ima.signature_missing"
	EventIMASignatureInvalid   = "ima.signature_invalid"
	EventIMAHashMismatch       = "ima.hash_mismatch"
	EventIMAExcludedButMatched = "ima.excluded_but_matched_allowlist"
)

// MeasuredBootInvalidPCREvent builds the measured_boot.invalid_pcr_<N> event ID.
func MeasuredBootInvalidPCREvent(pcr int) string {
	return "measured_boot.invalid_pcr_" + strconv.Itoa(pcr)
}
