package escrow

import (
	"strconv"

	"dealescrow/core/types"
)

const (
	EventTypeDealInitiated     = "escrow.initiated"
	EventTypeDealFunded        = "escrow.funded"
	EventTypeDealDisputed      = "escrow.disputed"
	EventTypeDealResolved      = "escrow.resolved"
	EventTypeDealReleased      = "escrow.released"
	EventTypeDealRefunded      = "escrow.refunded"
	EventTypeEvidenceSubmitted = "escrow.evidence_submitted"
)

// NewInitiatedEvent returns the canonical payload for a newly created deal.
func NewInitiatedEvent(d *Deal) *types.Event {
	evt := newDealEvent(EventTypeDealInitiated, d)
	evt.Attributes["feeBps"] = strconv.FormatUint(uint64(d.FeeBps), 10)
	evt.Attributes["disputeBy"] = strconv.FormatInt(d.DisputeBy, 10)
	return evt
}

// NewFundedEvent returns the canonical payload emitted when the buyer funds a
// deal.
func NewFundedEvent(d *Deal) *types.Event {
	evt := newDealEvent(EventTypeDealFunded, d)
	evt.Attributes["fundedAt"] = strconv.FormatInt(d.FundedAt, 10)
	return evt
}

func NewDisputedEvent(d *Deal, by Identity) *types.Event {
	evt := newDealEvent(EventTypeDealDisputed, d)
	evt.Attributes["openedBy"] = by.String()
	return evt
}

// NewResolvedEvent carries the verdict and the nonce after the resolution.
func NewResolvedEvent(d *Deal) *types.Event {
	evt := newDealEvent(EventTypeDealResolved, d)
	evt.Attributes["verdict"] = d.Verdict.String()
	evt.Attributes["nonce"] = strconv.FormatUint(d.Nonce, 10)
	return evt
}

// NewReleasedEvent reports the payout to the seller. The deal amount is zero
// by then so the paid amount is passed explicitly.
func NewReleasedEvent(d *Deal, paid uint64) *types.Event {
	evt := newDealEvent(EventTypeDealReleased, d)
	evt.Attributes["paid"] = strconv.FormatUint(paid, 10)
	evt.Attributes["recipient"] = d.Seller.String()
	return evt
}

func NewRefundedEvent(d *Deal, paid uint64) *types.Event {
	evt := newDealEvent(EventTypeDealRefunded, d)
	evt.Attributes["paid"] = strconv.FormatUint(paid, 10)
	evt.Attributes["recipient"] = d.Buyer.String()
	return evt
}

func NewEvidenceSubmittedEvent(d *Deal, by Identity, cid string) *types.Event {
	evt := newDealEvent(EventTypeEvidenceSubmitted, d)
	evt.Attributes["submittedBy"] = by.String()
	evt.Attributes["cid"] = cid
	evt.Attributes["evidenceCount"] = strconv.Itoa(len(d.Evidence))
	return evt
}

func newDealEvent(eventType string, d *Deal) *types.Event {
	attrs := make(map[string]string)
	if d != nil {
		attrs["id"] = d.ID.String()
		attrs["seller"] = d.Seller.String()
		attrs["buyer"] = d.Buyer.String()
		attrs["arbiter"] = d.Arbiter.String()
		attrs["asset"] = string(d.Asset)
		attrs["amount"] = strconv.FormatUint(d.Amount, 10)
		attrs["custody"] = d.Custody.String()
		attrs["status"] = d.Status.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
