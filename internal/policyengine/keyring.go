package policyengine

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
)

// Keyring holds the public keys trusted for IMA signature verification:
// the tenant-provisioned set (fixed at policy load) plus keys learned
// at runtime from ima-buf entries that were themselves signed by an
// already-trusted key. A verifier only ever grows more trusting within
// a boot epoch, never less — see spec §4.B.
type Keyring struct {
	tenant  []crypto.PublicKey
	learned map[string]crypto.PublicKey // fingerprint -> key
}

// NewKeyring builds a Keyring seeded with the tenant's DER-encoded
// public keys, parsed at policy load time.
func NewKeyring(tenantDER [][]byte) (*Keyring, error) {
	k := &Keyring{learned: make(map[string]crypto.PublicKey)}
	for i, der := range tenantDER {
		pub, err := parsePublicKeyDER(der)
		if err != nil {
			return nil, fmt.Errorf("tenant key %d: %w", i, err)
		}
		k.tenant = append(k.tenant, pub)
	}
	return k, nil
}

// RestoreLearned deserializes a previously persisted learned keyring
// (spec §4.D.3 step 1: seeded from the agent's learned_ima_keyrings).
func (k *Keyring) RestoreLearned(serialized []byte) error {
	if len(serialized) == 0 {
		return nil
	}
	var encoded map[string][]byte
	if err := json.Unmarshal(serialized, &encoded); err != nil {
		return fmt.Errorf("restore learned keyring: %w", err)
	}
	for fp, der := range encoded {
		pub, err := parsePublicKeyDER(der)
		if err != nil {
			continue // a corrupted learned entry is dropped, never fatal
		}
		k.learned[fp] = pub
	}
	return nil
}

// Serialize persists the learned keyring as JSON {fingerprint: DER}.
func (k *Keyring) Serialize() ([]byte, error) {
	encoded := make(map[string][]byte, len(k.learned))
	for fp, pub := range k.learned {
		der, err := marshalPublicKeyDER(pub)
		if err != nil {
			continue
		}
		encoded[fp] = der
	}
	return json.Marshal(encoded)
}

// Trusted reports whether sig is a valid signature over data under any
// key in the combined tenant+learned keyring.
func (k *Keyring) Trusted(data, sig []byte) bool {
	for _, pub := range k.tenant {
		if verifySignature(pub, data, sig) {
			return true
		}
	}
	for _, pub := range k.learned {
		if verifySignature(pub, data, sig) {
			return true
		}
	}
	return false
}

// Learn adds a key to the learned keyring under the given fingerprint,
// but only if certDER is itself signed (directly, via sig over the raw
// cert bytes) by a key already in the combined keyring. Returns false
// if the chain of trust does not hold, in which case the caller must
// discard the candidate silently (spec §4.B: never a policy failure).
func (k *Keyring) Learn(fingerprint string, certDER []byte, sig []byte) bool {
	if !k.Trusted(certDER, sig) {
		return false
	}
	pub, err := parsePublicKeyDER(certDER)
	if err != nil {
		// Not a bare key; try as an X.509 certificate carrying one.
		cert, cerr := x509.ParseCertificate(certDER)
		if cerr != nil {
			return false
		}
		pub = cert.PublicKey
	}
	k.learned[fingerprint] = pub
	return true
}

func parsePublicKeyDER(der []byte) (crypto.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(der); err == nil {
		return cert.PublicKey, nil
	}
	switch len(der) {
	case ed25519.PublicKeySize:
		return ed25519.PublicKey(der), nil
	}
	return nil, fmt.Errorf("unrecognized public key encoding (%d bytes)", len(der))
}

func marshalPublicKeyDER(pub crypto.PublicKey) ([]byte, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return []byte(k), nil
	default:
		return x509.MarshalPKIXPublicKey(pub)
	}
}

func verifySignature(pub crypto.PublicKey, data, sig []byte) bool {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(k, data, sig)
	case *rsa.PublicKey:
		digest := sha256Sum(data)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, sig) == nil
	case *ecdsa.PublicKey:
		digest := sha256Sum(data)
		return ecdsa.VerifyASN1(k, digest, sig)
	default:
		return false
	}
}
