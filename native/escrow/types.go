package escrow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dealescrow/crypto"
)

// MaxFeeBps is the upper bound of the informational deal fee.
const MaxFeeBps = 10_000

// Evidence bounds carried over from the on-ledger account layout.
const (
	MaxEvidenceCIDLen = 128
	MaxEvidenceCIDs   = 16
)

// DealID is the 128-bit identifier of a deal.
type DealID [16]byte

// NewDealID returns a random identifier.
func NewDealID() DealID { return DealID(uuid.New()) }

// ParseDealID accepts the canonical UUID form or 32 hex characters.
func ParseDealID(s string) (DealID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return DealID{}, fmt.Errorf("escrow: invalid deal id %q: %w", s, err)
	}
	return DealID(parsed), nil
}

func (id DealID) String() string { return uuid.UUID(id).String() }

func (id DealID) IsZero() bool { return id == DealID{} }

// Identity is a 32-byte party key. Its interpretation depends on the ticket
// signature scheme; see crypto.IdentityFromECDSA.
type Identity [32]byte

func (i Identity) String() string { return crypto.FormatIdentity(i) }

func (i Identity) IsZero() bool { return i == Identity{} }

// Account returns the ledger account owned by the identity.
func (i Identity) Account() Account { return Account(crypto.AccountFromIdentity(i)) }

// ParseIdentity parses the bech32 or hex form of an identity.
func ParseIdentity(s string) (Identity, error) {
	id, err := crypto.ParseIdentity(s)
	if err != nil {
		return Identity{}, err
	}
	return Identity(id), nil
}

// Account is a 20-byte ledger account: either a participant's wallet or a
// deal's custody account.
type Account [20]byte

func (a Account) String() string { return crypto.FormatAccount(a) }

func (a Account) IsZero() bool { return a == Account{} }

// AssetClass identifies the fungible asset a deal escrows.
type AssetClass string

// NormalizeAsset returns the canonical upper-case form of an asset class.
// Asset classes are 1-16 characters of A-Z and 0-9.
func NormalizeAsset(asset string) (AssetClass, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(asset))
	if trimmed == "" || len(trimmed) > 16 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
		}
	}
	return AssetClass(trimmed), nil
}

// Status is the lifecycle state of a deal.
type Status uint8

const (
	StatusInit Status = iota
	StatusFunded
	StatusDisputed
	StatusResolved
	StatusReleased
	StatusRefunded
)

func (s Status) Valid() bool { return s <= StatusRefunded }

// Terminal reports whether no transition may leave the status.
func (s Status) Terminal() bool { return s == StatusReleased || s == StatusRefunded }

// holdsFunds reports whether a deal in this status has a non-zero amount.
func (s Status) holdsFunds() bool { return s.Valid() && !s.Terminal() }

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusFunded:
		return "funded"
	case StatusDisputed:
		return "disputed"
	case StatusResolved:
		return "resolved"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Verdict is the payout direction chosen by a resolution.
type Verdict uint8

const (
	VerdictNone Verdict = iota
	VerdictRelease
	VerdictRefund
)

func (v Verdict) Valid() bool { return v <= VerdictRefund }

func (v Verdict) String() string {
	switch v {
	case VerdictNone:
		return "none"
	case VerdictRelease:
		return "release"
	case VerdictRefund:
		return "refund"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Deal is the persistent record of one escrow.
type Deal struct {
	ID        DealID
	Seller    Identity
	Buyer     Identity
	Arbiter   Identity
	Asset     AssetClass
	Amount    uint64
	FeeBps    uint16
	Custody   Account
	Status    Status
	Nonce     uint64
	CreatedAt int64
	FundedAt  int64
	DisputeBy int64
	Verdict   Verdict
	Evidence  []string
}

// Clone returns a deep copy of the deal.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Evidence != nil {
		clone.Evidence = append([]string(nil), d.Evidence...)
	}
	return &clone
}

// Validate checks the structural invariants every stored deal satisfies.
func (d *Deal) Validate() error {
	if d == nil {
		return fmt.Errorf("escrow: nil deal")
	}
	if d.ID.IsZero() {
		return fmt.Errorf("escrow: deal id required")
	}
	if err := validateParties(d.Seller, d.Buyer, d.Arbiter); err != nil {
		return err
	}
	if _, err := NormalizeAsset(string(d.Asset)); err != nil {
		return err
	}
	if d.FeeBps > MaxFeeBps {
		return fmt.Errorf("%w: %d", ErrInvalidFee, d.FeeBps)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("escrow: invalid status %d", d.Status)
	}
	if !d.Verdict.Valid() {
		return fmt.Errorf("escrow: invalid verdict %d", d.Verdict)
	}
	if d.Custody.IsZero() {
		return fmt.Errorf("escrow: custody account required")
	}
	if d.Status.holdsFunds() && d.Amount == 0 {
		return fmt.Errorf("%w: amount must be positive while %s", ErrInvalidAmount, d.Status)
	}
	if d.Status.Terminal() && d.Amount != 0 {
		return fmt.Errorf("%w: amount must be zero once %s", ErrInvalidAmount, d.Status)
	}
	switch d.Status {
	case StatusInit, StatusFunded, StatusDisputed:
		if d.Verdict != VerdictNone {
			return fmt.Errorf("escrow: verdict set before resolution")
		}
	case StatusResolved:
		if d.Verdict == VerdictNone {
			return fmt.Errorf("escrow: resolved deal without verdict")
		}
	case StatusReleased:
		if d.Verdict != VerdictRelease {
			return fmt.Errorf("escrow: released deal with verdict %s", d.Verdict)
		}
	case StatusRefunded:
		if d.Verdict != VerdictRefund {
			return fmt.Errorf("escrow: refunded deal with verdict %s", d.Verdict)
		}
	}
	if len(d.Evidence) > MaxEvidenceCIDs {
		return fmt.Errorf("%w: more than %d entries", ErrEvidenceInvalid, MaxEvidenceCIDs)
	}
	for _, cid := range d.Evidence {
		if err := validateCID(cid); err != nil {
			return err
		}
	}
	return nil
}

func validateParties(seller, buyer, arbiter Identity) error {
	if seller.IsZero() || buyer.IsZero() || arbiter.IsZero() {
		return fmt.Errorf("%w: seller, buyer and arbiter are required", ErrInvalidParty)
	}
	if seller == buyer || seller == arbiter || buyer == arbiter {
		return fmt.Errorf("%w: seller, buyer and arbiter must be distinct", ErrInvalidParty)
	}
	if seller.Account() == buyer.Account() {
		return fmt.Errorf("%w: seller and buyer share a ledger account", ErrInvalidParty)
	}
	return nil
}

func validateCID(cid string) error {
	if len(cid) == 0 || len(cid) > MaxEvidenceCIDLen {
		return fmt.Errorf("%w: cid must be 1-%d bytes", ErrEvidenceInvalid, MaxEvidenceCIDLen)
	}
	return nil
}
