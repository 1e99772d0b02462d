package tpmverify

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
)

// ReplayIMALog replays an ascii_runtime_measurements-style IMA log
// into a synthetic PCR, starting from seed, and returns the resulting
// digest along with the number of entries consumed. Each line has the
// form:
//
//	<pcr> <template_hash_hex> <template_name> <template_data...>
//
// which mirrors what the Linux IMA subsystem writes to
// /sys/kernel/security/ima/ascii_runtime_measurements. The PCR a real
// TPM extends on each measurement is H(prior || template_hash), so
// replay only needs the second field — the rest of the line
// (file digest, path, signature) is policy-engine material, not
// authentication material, and is left for the caller to re-parse for
// allowlist/signature checks.
func ReplayIMALog(log []byte, hashAlg string, seed []byte) ([]byte, int, error) {
	h := hashFor(hashAlg).New()
	digest := append([]byte(nil), seed...)
	count := 0

	scanner := bufio.NewScanner(bytes.NewReader(log))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fields := bytes.Fields(line)
		if len(fields) < 3 {
			return nil, 0, fmt.Errorf("ima log entry %d: expected at least 3 fields, got %d", count, len(fields))
		}
		templateHash := fields[1]
		// Entries may carry an "alg:" prefix on the template hash
		// (e.g. "sha256:abcd...") when the template includes the
		// algorithm name; strip it before decoding.
		if idx := bytes.IndexByte(templateHash, ':'); idx >= 0 {
			templateHash = templateHash[idx+1:]
		}
		raw, err := hex.DecodeString(string(templateHash))
		if err != nil {
			return nil, 0, fmt.Errorf("ima log entry %d: decode template hash: %w", count, err)
		}

		h.Reset()
		h.Write(digest)
		h.Write(raw)
		digest = h.Sum(nil)
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan ima log: %w", err)
	}
	return digest, count, nil
}
