package escrow

import (
	"encoding/binary"
	"fmt"
)

const ticketDomain = "dealescrow/resolve-ticket/v1"

// Ticket is an arbiter-signed resolution instruction. It is bound to one deal
// and one nonce value and lapses after ExpiresAt.
type Ticket struct {
	DealID        DealID
	ExpectedNonce uint64
	ExpiresAt     int64
	SellerPct     uint8
	BuyerPct      uint8
	Signature     []byte
}

// Verifier checks an arbiter signature over ticket signing bytes.
type Verifier interface {
	Verify(signer [32]byte, message, signature []byte) error
}

// SigningBytes returns the canonical message the arbiter signs.
func (t *Ticket) SigningBytes() []byte {
	buf := make([]byte, 0, len(ticketDomain)+16+8+8+2)
	buf = append(buf, ticketDomain...)
	buf = append(buf, t.DealID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, t.ExpectedNonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.ExpiresAt))
	buf = append(buf, t.SellerPct, t.BuyerPct)
	return buf
}

// Verdict maps the payout split to a verdict. Only full release and full
// refund are supported.
func (t *Ticket) Verdict() (Verdict, error) {
	if uint16(t.SellerPct)+uint16(t.BuyerPct) != 100 {
		return VerdictNone, fmt.Errorf("%w: %d/%d does not sum to 100", ErrInvalidSplit, t.SellerPct, t.BuyerPct)
	}
	switch t.SellerPct {
	case 100:
		return VerdictRelease, nil
	case 0:
		return VerdictRefund, nil
	default:
		return VerdictNone, fmt.Errorf("%w: weighted split %d/%d unsupported", ErrInvalidSplit, t.SellerPct, t.BuyerPct)
	}
}

// VerifyTicket checks a ticket against the deal it resolves and returns the
// verdict it carries. Checks run in a fixed order and stop at the first
// failure.
func VerifyTicket(d *Deal, t *Ticket, now int64, v Verifier) (Verdict, error) {
	if d == nil || t == nil {
		return VerdictNone, ErrTicketMismatch
	}
	if t.DealID != d.ID {
		return VerdictNone, fmt.Errorf("%w: ticket for %s, deal %s", ErrTicketMismatch, t.DealID, d.ID)
	}
	if t.ExpectedNonce != d.Nonce {
		return VerdictNone, fmt.Errorf("%w: expected nonce %d, deal at %d", ErrStaleTicket, t.ExpectedNonce, d.Nonce)
	}
	if now > t.ExpiresAt {
		return VerdictNone, fmt.Errorf("%w: expired at %d", ErrExpiredTicket, t.ExpiresAt)
	}
	verdict, err := t.Verdict()
	if err != nil {
		return VerdictNone, err
	}
	if v == nil {
		return VerdictNone, fmt.Errorf("%w: no verifier configured", ErrSignatureInvalid)
	}
	if err := v.Verify(d.Arbiter, t.SigningBytes(), t.Signature); err != nil {
		return VerdictNone, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return verdict, nil
}
