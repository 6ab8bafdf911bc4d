package escrow

import (
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

var (
	custodyDomain    = []byte("escrow/custody")
	capabilityDomain = []byte("deal-custody")
)

// Capability authorises withdrawals from one deal's custody account. The
// custody ledger records the authority when the account is opened and
// compares it on every withdrawal.
type Capability struct {
	DealID    DealID
	Authority [32]byte
}

// CustodyAccount returns the deterministic custody handle of a deal.
func CustodyAccount(id DealID) Account {
	hash := ethcrypto.Keccak256(custodyDomain, id[:])
	var acct Account
	copy(acct[:], hash[12:])
	return acct
}

// CapabilityIssuer derives per-deal capabilities from an engine secret.
type CapabilityIssuer struct {
	key [32]byte
}

// NewCapabilityIssuer returns an issuer keyed by secret. The secret must be
// at least 16 bytes.
func NewCapabilityIssuer(secret []byte) (*CapabilityIssuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("escrow: custody secret must be at least 16 bytes")
	}
	return &CapabilityIssuer{key: blake3.Sum256(secret)}, nil
}

// Issue derives the capability of a deal.
func (c *CapabilityIssuer) Issue(id DealID) Capability {
	h := blake3.New(32, c.key[:])
	_, _ = h.Write(capabilityDomain)
	_, _ = h.Write(id[:])
	grant := Capability{DealID: id}
	copy(grant.Authority[:], h.Sum(nil))
	return grant
}
