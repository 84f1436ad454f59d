// Package identity derives single-use signing identities from a shared
// secret, a recipient email, and a per-message salt.
//
// No private key is ever stored: the keypair is re-derivable only by a caller
// holding both the platform shared secret and the salt, which travels in the
// delivery link fragment and is never persisted server-side.
package identity

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"

	apperrors "github.com/sealpost/sealpost/internal/platform/errors"
)

// ProtocolVersion is the domain-separation prefix mixed into every
// derivation and attestation payload. Changing it rotates the entire
// identity space.
const ProtocolVersion = "SEALPOST-V1"

const saltBytes = 32

// Identity is a derived ed25519 signing keypair. The base58-encoded public
// key doubles as the document's claim key and lookup key.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// String returns the public identity in base58.
func (i Identity) String() string {
	return base58.Encode(i.PublicKey)
}

// Deriver computes identities from the platform shared secret.
type Deriver struct {
	secret []byte
}

// NewDeriver constructs a Deriver from the shared secret.
func NewDeriver(sharedSecret string) (*Deriver, error) {
	if strings.TrimSpace(sharedSecret) == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "shared secret is required")
	}
	return &Deriver{secret: []byte(sharedSecret)}, nil
}

// Derive deterministically computes the identity for (email, salt).
//
// The seed is HKDF-SHA256 keyed by the shared secret over the
// domain-separated message "<ProtocolVersion>:<email>:<salt>", expanded to
// the ed25519 seed length.
func (d *Deriver) Derive(email, salt string) (Identity, error) {
	if d == nil || len(d.secret) == 0 {
		return Identity{}, apperrors.New(apperrors.CodeConfiguration, "shared secret is required")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return Identity{}, apperrors.New(apperrors.CodeInvalidArgument, "email is required")
	}
	salt = strings.TrimSpace(salt)
	if salt == "" {
		return Identity{}, apperrors.New(apperrors.CodeInvalidArgument, "salt is required")
	}

	info := []byte(ProtocolVersion + ":" + email + ":" + salt)
	reader := hkdf.New(sha256.New, d.secret, nil, info)
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return Identity{}, fmt.Errorf("derive identity seed: %w", err)
	}

	private := ed25519.NewKeyFromSeed(seed)
	return Identity{
		PublicKey:  private.Public().(ed25519.PublicKey),
		PrivateKey: private,
	}, nil
}

// NewSalt generates a fresh per-message salt: 32 cryptographically random
// bytes, base58-encoded for the link fragment.
func NewSalt() (string, error) {
	var raw [saltBytes]byte
	if _, err := crand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("read salt bytes: %w", err)
	}
	return base58.Encode(raw[:]), nil
}
