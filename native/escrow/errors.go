package escrow

import (
	"errors"
	"fmt"
)

// Failures reported by the engine. Every transition that returns one of these
// leaves the deal record and all balances untouched.
var (
	ErrUnauthorized       = errors.New("escrow: unauthorized")
	ErrInvalidState       = errors.New("escrow: invalid state")
	ErrDeadlinePassed     = errors.New("escrow: dispute deadline passed")
	ErrInsufficientFunds  = errors.New("escrow: insufficient funds")
	ErrAssetMismatch      = errors.New("escrow: asset mismatch")
	ErrTicketMismatch     = errors.New("escrow: ticket targets another deal")
	ErrStaleTicket        = errors.New("escrow: stale ticket")
	ErrExpiredTicket      = errors.New("escrow: ticket expired")
	ErrInvalidSplit       = errors.New("escrow: invalid payout split")
	ErrSignatureInvalid   = errors.New("escrow: invalid arbiter signature")
	ErrArithmeticOverflow = errors.New("escrow: arithmetic overflow")

	ErrInvalidAmount    = errors.New("escrow: invalid amount")
	ErrInvalidFee       = errors.New("escrow: fee bps out of range")
	ErrInvalidParty     = errors.New("escrow: invalid party")
	ErrInvalidAsset     = errors.New("escrow: invalid asset class")
	ErrDealNotFound     = errors.New("escrow: deal not found")
	ErrDealExists       = errors.New("escrow: deal already exists")
	ErrEvidenceInvalid  = errors.New("escrow: invalid evidence")
	ErrCapabilityDenied = errors.New("escrow: custody capability denied")
)

func invalidState(op Operation, status Status) error {
	return fmt.Errorf("%w: cannot %s in status %s", ErrInvalidState, op, status)
}
