// Package keyrelease implements the boundary spec §1 calls "the core
// invokes key distribution crypto primitives, it does not implement
// them": on a successful verification the Lifecycle Manager derives a
// wrapping key from the agent's AK public key and the attestation
// nonce and persists it; no release flag is kept. Nothing here talks to an actual KMS
// or decryption service — those remain external collaborators.
package keyrelease

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/coreattest/verifier/internal/util"
)

// Gate derives and persists the wrapping key for a single verified
// attestation. It does not record whether release has been authorized.
type Gate struct {
	Info string // the key_release_hkdf_info label from configuration
}

// New constructs a Gate bound to the given HKDF info label.
func New(info string) *Gate {
	return &Gate{Info: info}
}

// WrappingKey derives a 32-byte key-release wrapping key from the
// agent's AK public key (the secret material) and the attestation's
// nonce (the per-cycle salt), per spec §4.D's key-release binding.
func (g *Gate) WrappingKey(akPublic, nonce []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, akPublic, nonce, []byte(g.Info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key-release wrapping key: %w", err)
	}
	return key, nil
}

// Persist writes the wrapping key to disk as a secret artifact (0600
// file, 0700 parent directory) using the same helper the agent-facing
// teacher package used for token material.
func (g *Gate) Persist(path string, key []byte) error {
	return util.WriteSecretFile(path, key)
}
