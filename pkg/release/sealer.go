package release

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// sealInfo pins the HKDF domain: the same secret never yields this
// keypair for any other purpose.
const sealInfo = "canon-release-sealing-v1"

// ErrBadSignature is returned when a sealed signature does not verify.
var ErrBadSignature = errors.New("release: signature verification failed")

// Sealer signs release content hashes with an Ed25519 key derived from a
// configured secret via HKDF-SHA256. Derivation is deterministic, so
// every process holding the secret produces and verifies the same
// signatures and no raw key material is ever stored.
type Sealer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSealer derives the sealing keypair from the secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("release: sealing secret must not be empty")
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte(sealInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("release: derive sealing key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Sealer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Seal signs a content hash. The signature is hex with an ed25519:
// prefix, matching the sha256: style of the hash it covers.
func (s *Sealer) Seal(contentHash string) string {
	sig := ed25519.Sign(s.priv, []byte(contentHash))
	return "ed25519:" + hex.EncodeToString(sig)
}

// Verify checks a sealed signature against a content hash.
func (s *Sealer) Verify(contentHash, signature string) error {
	raw, ok := strings.CutPrefix(signature, "ed25519:")
	if !ok {
		return fmt.Errorf("%w: missing ed25519 prefix", ErrBadSignature)
	}
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(s.pub, []byte(contentHash), sig) {
		return ErrBadSignature
	}
	return nil
}

// PublicKey returns the derived verification key for out-of-process
// checks.
func (s *Sealer) PublicKey() ed25519.PublicKey {
	return s.pub
}
