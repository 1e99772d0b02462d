package core

import "fmt"

// ProtocolError is a class-3 error per spec §7: a malformed request,
// wrong index, or evidence submitted against a record that isn't
// waiting (an expired nonce has its own NonceExpiredError). It carries an HTTP status suggestion so the
// controller doesn't need its own duplicate mapping table.
type ProtocolError struct {
	Status  int
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// NewProtocolError builds a ProtocolError with the given HTTP status.
func NewProtocolError(status int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// CapabilityNegotiationError is raised by create() when no shared
// algorithm exists between the agent's capabilities and the policy's
// accept lists, for any of hash/enc/sign (spec §4.D.1 step 3).
type CapabilityNegotiationError struct {
	Kind string // "hash", "enc", or "sign"
}

func (e *CapabilityNegotiationError) Error() string {
	return fmt.Sprintf("capability negotiation failed: no shared %s algorithm", e.Kind)
}

// BoottimeRegressionError is raised by create() when the agent reports
// a boottime earlier than its previously authenticated attestation
// (spec §4.D.4).
type BoottimeRegressionError struct {
	Previous int64
	Reported int64
}

func (e *BoottimeRegressionError) Error() string {
	return fmt.Sprintf("boottime regression: previous=%d reported=%d", e.Previous, e.Reported)
}

// ConflictError is the store's signal (spec §4.C) that a concurrent
// create raced this one; the caller must abort per spec §5.
type ConflictError struct {
	AgentID string
	Index   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("attestation %s/%d already exists", e.AgentID, e.Index)
}

// NonceExpiredError is raised by receive_evidence when now exceeds
// NonceExpiresAt (spec §4.D.2).
type NonceExpiredError struct {
	AgentID string
	Index   uint64
}

func (e *NonceExpiredError) Error() string {
	return fmt.Sprintf("nonce expired for %s/%d", e.AgentID, e.Index)
}

// EvidenceMissingError is raised by receive_evidence when required
// evidence fields are absent (spec §4.D.2).
type EvidenceMissingError struct {
	Field string
}

func (e *EvidenceMissingError) Error() string {
	return fmt.Sprintf("evidence missing: %s", e.Field)
}

// ConfigurationError is a class-5 error per spec §7: detected at
// policy load time (e.g. an unparseable exclude-list regex, or an
// unknown algorithm identifier), never at verification time.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// NotFoundError indicates the requested attestation or agent record
// does not exist.
type NotFoundError struct {
	AgentID string
	Index   *uint64
}

func (e *NotFoundError) Error() string {
	if e.Index != nil {
		return fmt.Sprintf("attestation %s/%d not found", e.AgentID, *e.Index)
	}
	return fmt.Sprintf("agent %s not found", e.AgentID)
}
