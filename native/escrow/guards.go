package escrow

import "fmt"

// Operation names a deal transition for the guards.
type Operation uint8

const (
	OpInitiate Operation = iota + 1
	OpFund
	OpOpenDispute
	OpResolve
	OpRelease
	OpRefund
	OpSubmitEvidence
)

func (op Operation) String() string {
	switch op {
	case OpInitiate:
		return "initiate"
	case OpFund:
		return "fund"
	case OpOpenDispute:
		return "open_dispute"
	case OpResolve:
		return "resolve"
	case OpRelease:
		return "release"
	case OpRefund:
		return "refund"
	case OpSubmitEvidence:
		return "submit_evidence"
	default:
		return fmt.Sprintf("operation(%d)", uint8(op))
	}
}

// Authorize reports whether caller may invoke op on the deal. For OpResolve it
// only checks the caller; the resolution ticket is verified separately by
// VerifyTicket.
func Authorize(d *Deal, caller Identity, op Operation) error {
	if d == nil {
		return fmt.Errorf("%w: %s: no deal", ErrUnauthorized, op)
	}
	allowed := false
	switch op {
	case OpInitiate, OpRelease:
		allowed = caller == d.Seller
	case OpFund, OpRefund:
		allowed = caller == d.Buyer
	case OpOpenDispute:
		allowed = caller == d.Seller || caller == d.Buyer
	case OpResolve:
		allowed = caller == d.Arbiter
	case OpSubmitEvidence:
		allowed = caller == d.Seller || caller == d.Buyer || caller == d.Arbiter
	}
	if !allowed || caller.IsZero() {
		return fmt.Errorf("%w: %s not permitted for %s", ErrUnauthorized, caller, op)
	}
	return nil
}

// CheckDeadline enforces the dispute window. Only OpOpenDispute is gated and
// a zero DisputeBy disables the check.
func CheckDeadline(d *Deal, op Operation, now int64) error {
	if d == nil || op != OpOpenDispute || d.DisputeBy == 0 {
		return nil
	}
	if now > d.DisputeBy {
		return fmt.Errorf("%w: now %d, deadline %d", ErrDeadlinePassed, now, d.DisputeBy)
	}
	return nil
}
