// Package policyengine implements Component B, the Policy Engine from
// spec §4.B: it compares TPM-verified PCRs, IMA events, and boot
// events against runtime/tpm/mb policies and emits a structured
// core.Failure, never free text.
package policyengine

import (
	"crypto"
	"encoding/hex"
	"fmt"

	"github.com/coreattest/verifier/internal/core"
)

// Engine is stateless; all policy state lives in CompiledRuntimePolicy
// and core.PCRPolicy, both supplied per call.
type Engine struct{}

// New constructs a policy engine.
func New() *Engine { return &Engine{} }

// Input bundles the verified PCRs, the tpm_policy, the IMA log with its
// runtime policy, and the attest state (offset and keyring). It carries
// no measured-boot log or mb_policy.
type Input struct {
	VerifiedPCRs map[int][]byte // hex-decoded digests, keyed by PCR index
	TPMPolicy    core.PCRPolicy

	IMALog            []byte
	RuntimePolicy     *CompiledRuntimePolicy // nil if the agent has no runtime policy
	StartingIMAOffset uint64
	Keyring           *Keyring // seeded from attest_state per §4.D.3 step 1

	MeasuredBootPCRs []int
}

// Result is the output of Evaluate: the (possibly empty) Failure plus
// the keyring as it stands after learning from this log, which the
// caller persists as learned_ima_keyrings only when appropriate (spec
// §4.D.3 steps 3 and 5).
type Result struct {
	Failure core.Failure
	Keyring *Keyring
}

// Evaluate runs the PCR policy check, then evaluates the IMA log entries
// in order. It does not evaluate a measured-boot log against an
// mb_policy.
func (e *Engine) Evaluate(in Input) Result {
	var events []core.Event

	for pcr, accepted := range in.TPMPolicy.Accepted {
		digest, ok := in.VerifiedPCRs[pcr]
		if !ok {
			events = append(events, core.Event{
				ID:      core.MeasuredBootInvalidPCREvent(pcr),
				Context: map[string]any{"pcr": pcr, "reason": "missing"},
			})
			continue
		}
		if _, ok := accepted[hex.EncodeToString(digest)]; !ok {
			events = append(events, core.Event{
				ID:      core.MeasuredBootInvalidPCREvent(pcr),
				Context: map[string]any{"pcr": pcr, "got": hex.EncodeToString(digest)},
			})
		}
	}

	keyring := in.Keyring
	if keyring == nil {
		keyring = &Keyring{learned: make(map[string]crypto.PublicKey)}
	}

	if in.RuntimePolicy != nil && len(in.IMALog) > 0 {
		entries, err := parseIMALog(in.IMALog)
		if err != nil {
			events = append(events, core.Event{
				ID:      core.EventIMAHashMismatch,
				Context: map[string]any{"error": err.Error()},
			})
		} else {
			events = append(events, evaluateIMAEntries(entries, in.RuntimePolicy, keyring)...)
		}
	}

	return Result{Failure: core.Failure{Events: events}, Keyring: keyring}
}

func evaluateIMAEntries(entries []imaEntry, policy *CompiledRuntimePolicy, keyring *Keyring) []core.Event {
	var events []core.Event

	for _, entry := range entries {
		if isKeyCarryingEntry(entry) {
			learnKeyEntry(entry, keyring)
			continue
		}
		if len(entry.Fields) < 2 {
			continue
		}
		digestField, path := entry.Fields[0], entry.Fields[1]
		digest, err := fileDigest(digestField)
		if err != nil {
			events = append(events, core.Event{
				ID:      core.EventIMAHashMismatch,
				Context: map[string]any{"path": path, "error": err.Error()},
			})
			continue
		}

		requiresSig := policy.RequireSignature[path]
		if requiresSig {
			if len(entry.Fields) < 3 {
				events = append(events, core.Event{ID: core.EventIMASignatureMissing, Context: map[string]any{"path": path}})
			} else {
				sig, err := decodeHexField(entry.Fields[2])
				if err != nil || !keyring.Trusted(entry.TemplateHash, sig) {
					events = append(events, core.Event{ID: core.EventIMASignatureInvalid, Context: map[string]any{"path": path}})
				}
			}
		}

		excluded := policy.excluded(path)
		wantHex, inAllowlist := policy.Allowlist[path]
		matchesAllowlist := inAllowlist && wantHex == hex.EncodeToString(digest)

		switch {
		case excluded && matchesAllowlist:
			events = append(events, core.Event{ID: core.EventIMAExcludedButMatched, Context: map[string]any{"path": path}})
		case excluded:
			// excluded and not required to match; no event.
		case !inAllowlist:
			// not in the allowlist and not excluded: silently ignored,
			// mirroring Keylime's "unknown file" posture when no
			// allowlist entry exists for the path at all.
		case !matchesAllowlist:
			events = append(events, core.Event{
				ID:      core.EventIMAHashMismatch,
				Context: map[string]any{"path": path, "expected": wantHex, "got": hex.EncodeToString(digest)},
			})
		}
	}

	return events
}

// learnKeyEntry attempts to fold an ima-buf key-carrying entry into
// the keyring. Failure to verify the chain of trust is never a policy
// violation (spec §4.B): the candidate is discarded silently.
func learnKeyEntry(entry imaEntry, keyring *Keyring) {
	if len(entry.Fields) < 2 {
		return
	}
	name, dataHex := entry.Fields[0], entry.Fields[1]
	der, err := decodeHexField(dataHex)
	if err != nil {
		return
	}
	var sig []byte
	if len(entry.Fields) >= 3 {
		sig, _ = decodeHexField(entry.Fields[2])
	}
	fingerprint := fmt.Sprintf("%s:%x", name, entry.TemplateHash)
	keyring.Learn(fingerprint, der, sig)
}
