package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// Human-readable prefixes used when rendering identities and ledger accounts.
const (
	IdentityPrefix = "esc"
	AccountPrefix  = "escv"
)

// EncodeBech32 renders raw bytes as a bech32 string with the supplied prefix.
func EncodeBech32(prefix string, b []byte) (string, error) {
	conv, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, conv)
}

// DecodeBech32 parses a bech32 string and returns its prefix and payload.
func DecodeBech32(s string) (string, []byte, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(s))
	if err != nil {
		return "", nil, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("error converting bits: %w", err)
	}
	return prefix, conv, nil
}

// FormatIdentity renders a 32-byte identity key as "esc1...".
func FormatIdentity(id [32]byte) string {
	encoded, err := EncodeBech32(IdentityPrefix, id[:])
	if err != nil {
		return hex.EncodeToString(id[:])
	}
	return encoded
}

// ParseIdentity accepts either the bech32 form or 64 hex characters.
func ParseIdentity(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := parseKeyed(s, IdentityPrefix, len(id))
	if err != nil {
		return id, fmt.Errorf("identity: %w", err)
	}
	copy(id[:], raw)
	return id, nil
}

// FormatAccount renders a 20-byte ledger account as "escv1...".
func FormatAccount(acct [20]byte) string {
	encoded, err := EncodeBech32(AccountPrefix, acct[:])
	if err != nil {
		return hex.EncodeToString(acct[:])
	}
	return encoded
}

// ParseAccount accepts either the bech32 form or 40 hex characters.
func ParseAccount(s string) ([20]byte, error) {
	var acct [20]byte
	raw, err := parseKeyed(s, AccountPrefix, len(acct))
	if err != nil {
		return acct, fmt.Errorf("account: %w", err)
	}
	copy(acct[:], raw)
	return acct, nil
}

func parseKeyed(s, prefix string, size int) ([]byte, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("empty value")
	}
	if strings.HasPrefix(strings.ToLower(trimmed), prefix+"1") {
		gotPrefix, raw, err := DecodeBech32(trimmed)
		if err != nil {
			return nil, err
		}
		if gotPrefix != prefix {
			return nil, fmt.Errorf("unexpected prefix %q", gotPrefix)
		}
		if len(raw) != size {
			return nil, fmt.Errorf("expected %d bytes, got %d", size, len(raw))
		}
		return raw, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(raw))
	}
	return raw, nil
}

// AccountFromIdentity returns the ledger account owned by an identity: the
// trailing 20 bytes of the key. For secp256k1 identities this is the
// Ethereum-style address of the key.
func AccountFromIdentity(id [32]byte) [20]byte {
	var acct [20]byte
	copy(acct[:], id[12:])
	return acct
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Identity returns the 32-byte identity of the key's public half.
func (k *PrivateKey) Identity() [32]byte {
	return IdentityFromECDSA(&k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// IdentityFromECDSA derives the identity of a secp256k1 public key:
// keccak256 over the uncompressed point without its 0x04 tag.
func IdentityFromECDSA(pub *ecdsa.PublicKey) [32]byte {
	return crypto.Keccak256Hash(crypto.FromECDSAPub(pub)[1:])
}
