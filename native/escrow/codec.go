package escrow

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var dealKeyPrefix = []byte("escrow/deal:")

// DealStorageKey returns the ledger key of a deal record.
func DealStorageKey(id DealID) []byte {
	buf := make([]byte, len(dealKeyPrefix)+len(id))
	copy(buf, dealKeyPrefix)
	copy(buf[len(dealKeyPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

// storedDeal is the RLP layout of a deal. RLP has no signed integers so
// timestamps are stored as their two's-complement bit pattern.
type storedDeal struct {
	ID        [16]byte
	Seller    [32]byte
	Buyer     [32]byte
	Arbiter   [32]byte
	Asset     string
	Amount    uint64
	FeeBps    uint16
	Custody   [20]byte
	Status    uint8
	Nonce     uint64
	CreatedAt uint64
	FundedAt  uint64
	DisputeBy uint64
	Verdict   uint8
	Evidence  []string
}

// EncodeDeal serialises a deal for storage.
func EncodeDeal(d *Deal) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("escrow: nil deal")
	}
	evidence := d.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return rlp.EncodeToBytes(storedDeal{
		ID:        d.ID,
		Seller:    d.Seller,
		Buyer:     d.Buyer,
		Arbiter:   d.Arbiter,
		Asset:     string(d.Asset),
		Amount:    d.Amount,
		FeeBps:    d.FeeBps,
		Custody:   d.Custody,
		Status:    uint8(d.Status),
		Nonce:     d.Nonce,
		CreatedAt: uint64(d.CreatedAt),
		FundedAt:  uint64(d.FundedAt),
		DisputeBy: uint64(d.DisputeBy),
		Verdict:   uint8(d.Verdict),
		Evidence:  evidence,
	})
}

// DecodeDeal parses a stored deal and checks its invariants.
func DecodeDeal(data []byte) (*Deal, error) {
	var stored storedDeal
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("escrow: decode deal: %w", err)
	}
	d := &Deal{
		ID:        stored.ID,
		Seller:    stored.Seller,
		Buyer:     stored.Buyer,
		Arbiter:   stored.Arbiter,
		Asset:     AssetClass(stored.Asset),
		Amount:    stored.Amount,
		FeeBps:    stored.FeeBps,
		Custody:   stored.Custody,
		Status:    Status(stored.Status),
		Nonce:     stored.Nonce,
		CreatedAt: int64(stored.CreatedAt),
		FundedAt:  int64(stored.FundedAt),
		DisputeBy: int64(stored.DisputeBy),
		Verdict:   Verdict(stored.Verdict),
	}
	if len(stored.Evidence) > 0 {
		d.Evidence = stored.Evidence
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("escrow: stored deal %s: %w", d.ID, err)
	}
	return d, nil
}
