package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Scheme names a signature algorithm accepted for arbiter tickets.
type Scheme string

const (
	SchemeSecp256k1 Scheme = "secp256k1"
	SchemeEd25519   Scheme = "ed25519"
)

var (
	// ErrSignatureMalformed is returned when a signature has the wrong shape.
	ErrSignatureMalformed = errors.New("crypto: malformed signature")
	// ErrSignerMismatch is returned when a signature is valid for a different key
	// or does not verify at all.
	ErrSignerMismatch = errors.New("crypto: signature does not match signer")
)

// ParseScheme normalises a configured scheme name.
func ParseScheme(name string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(name))) {
	case SchemeSecp256k1, "":
		return SchemeSecp256k1, nil
	case SchemeEd25519:
		return SchemeEd25519, nil
	default:
		return "", fmt.Errorf("crypto: unsupported signature scheme %q", name)
	}
}

// Verifier checks that signature was produced over message by the holder of
// the identity key signer.
type Verifier interface {
	Verify(signer [32]byte, message, signature []byte) error
}

// Signer produces signatures that the matching Verifier accepts.
type Signer interface {
	Identity() [32]byte
	Sign(message []byte) ([]byte, error)
}

// NewVerifier returns the verifier for a scheme.
func NewVerifier(scheme Scheme) (Verifier, error) {
	switch scheme {
	case SchemeSecp256k1:
		return Secp256k1Verifier{}, nil
	case SchemeEd25519:
		return Ed25519Verifier{}, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported signature scheme %q", scheme)
	}
}

// Secp256k1Verifier accepts 65-byte recoverable signatures over the keccak256
// digest of the message.
type Secp256k1Verifier struct{}

func (Secp256k1Verifier) Verify(signer [32]byte, message, signature []byte) error {
	if len(signature) != ethcrypto.SignatureLength {
		return fmt.Errorf("%w: secp256k1 signature must be %d bytes", ErrSignatureMalformed, ethcrypto.SignatureLength)
	}
	digest := ethcrypto.Keccak256(message)
	pub, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMalformed, err)
	}
	if IdentityFromECDSA(pub) != signer {
		return ErrSignerMismatch
	}
	return nil
}

// Secp256k1Signer signs with a secp256k1 private key.
type Secp256k1Signer struct {
	key *PrivateKey
}

func NewSecp256k1Signer(key *PrivateKey) (*Secp256k1Signer, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return &Secp256k1Signer{key: key}, nil
}

func (s *Secp256k1Signer) Identity() [32]byte { return s.key.Identity() }

func (s *Secp256k1Signer) Sign(message []byte) ([]byte, error) {
	return ethcrypto.Sign(ethcrypto.Keccak256(message), s.key.PrivateKey)
}

// Ed25519Verifier accepts 64-byte Ed25519 signatures over the raw message.
// The identity is the public key itself.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(signer [32]byte, message, signature []byte) error {
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: ed25519 signature must be %d bytes", ErrSignatureMalformed, ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(signer[:]), message, signature) {
		return ErrSignerMismatch
	}
	return nil
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// GenerateEd25519Signer creates a signer with a fresh random key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{key: priv}, nil
}

// NewEd25519Signer rebuilds a signer from its 32-byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: ed25519 seed must be %d bytes", ed25519.SeedSize)
	}
	return &Ed25519Signer{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Ed25519Signer) Identity() [32]byte {
	var id [32]byte
	copy(id[:], s.key.Public().(ed25519.PublicKey))
	return id
}

// Seed returns the private seed, for persisting the key.
func (s *Ed25519Signer) Seed() []byte { return s.key.Seed() }

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}
