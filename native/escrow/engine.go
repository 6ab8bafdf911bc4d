package escrow

import (
	"errors"
	"fmt"
	"math"
	"time"

	"dealescrow/core/events"
	"dealescrow/core/types"
)

var errNilState = errors.New("escrow engine: state not configured")

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// InitiateParams describes a new deal. Seller must equal the caller.
type InitiateParams struct {
	ID        DealID
	Seller    Identity
	Buyer     Identity
	Arbiter   Identity
	Asset     string
	Amount    uint64
	FeeBps    uint16
	DisputeBy int64
}

// Engine runs deal transitions against a ledger. Calls on the same deal are
// serialised; calls on different deals run concurrently and rely on the
// ledger commit for shared balances.
type Engine struct {
	state    State
	verifier Verifier
	caps     *CapabilityIssuer
	emitter  events.Emitter
	locks    *dealLocks
	nowFn    func() int64
}

// NewEngine creates an engine with a no-op emitter and the wall clock.
func NewEngine(state State, verifier Verifier, caps *CapabilityIssuer) *Engine {
	return &Engine{
		state:    state,
		verifier: verifier,
		caps:     caps,
		emitter:  events.NoopEmitter{},
		locks:    newDealLocks(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Initiate creates a deal in Init and opens its custody account.
func (e *Engine) Initiate(caller Identity, p InitiateParams) (*Deal, error) {
	if e == nil || e.state == nil || e.caps == nil {
		return nil, errNilState
	}
	if p.ID.IsZero() {
		return nil, fmt.Errorf("escrow: initiate: deal id required")
	}
	unlock := e.locks.lock(p.ID)
	defer unlock()

	txn, err := e.state.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	if _, exists, err := txn.DealGet(p.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrDealExists, p.ID)
	}

	now := e.now()
	deal := &Deal{
		ID:        p.ID,
		Seller:    p.Seller,
		Buyer:     p.Buyer,
		Arbiter:   p.Arbiter,
		Amount:    p.Amount,
		FeeBps:    p.FeeBps,
		Status:    StatusInit,
		Verdict:   VerdictNone,
		CreatedAt: now,
		DisputeBy: p.DisputeBy,
	}
	if err := Authorize(deal, caller, OpInitiate); err != nil {
		return nil, err
	}
	if p.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if p.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrInvalidFee, p.FeeBps, MaxFeeBps)
	}
	if err := validateParties(p.Seller, p.Buyer, p.Arbiter); err != nil {
		return nil, err
	}
	asset, err := NormalizeAsset(p.Asset)
	if err != nil {
		return nil, err
	}
	deal.Asset = asset
	if p.DisputeBy < 0 || (p.DisputeBy != 0 && p.DisputeBy < now) {
		return nil, fmt.Errorf("%w: dispute deadline %d before creation at %d", ErrDeadlinePassed, p.DisputeBy, now)
	}

	custody, err := txn.Open(e.caps.Issue(deal.ID), deal.Asset)
	if err != nil {
		return nil, fmt.Errorf("escrow: open custody: %w", err)
	}
	deal.Custody = custody

	if err := e.commit(txn, deal); err != nil {
		return nil, err
	}
	e.emit(NewInitiatedEvent(deal))
	return deal.Clone(), nil
}

// Fund moves the deal amount from the buyer into custody.
func (e *Engine) Fund(caller Identity, id DealID) (*Deal, error) {
	return e.transition(id, caller, OpFund, []Status{StatusInit}, func(txn StateTxn, d *Deal, now int64) (*types.Event, error) {
		if d.Amount == 0 {
			return nil, fmt.Errorf("%w: nothing to fund", ErrInvalidAmount)
		}
		if err := txn.Deposit(d.Buyer.Account(), d.Custody, d.Asset, d.Amount); err != nil {
			return nil, err
		}
		d.Status = StatusFunded
		d.FundedAt = now
		return NewFundedEvent(d), nil
	})
}

// OpenDispute marks a funded deal as disputed.
func (e *Engine) OpenDispute(caller Identity, id DealID) (*Deal, error) {
	return e.transition(id, caller, OpOpenDispute, []Status{StatusFunded}, func(_ StateTxn, d *Deal, _ int64) (*types.Event, error) {
		d.Status = StatusDisputed
		return NewDisputedEvent(d, caller), nil
	})
}

// Resolve applies an arbiter ticket. Resolution is allowed from Funded or
// Disputed and advances the deal nonce so the ticket cannot be replayed.
func (e *Engine) Resolve(caller Identity, id DealID, ticket *Ticket) (*Deal, error) {
	return e.transition(id, caller, OpResolve, []Status{StatusFunded, StatusDisputed}, func(_ StateTxn, d *Deal, now int64) (*types.Event, error) {
		verdict, err := VerifyTicket(d, ticket, now, e.verifier)
		if err != nil {
			return nil, err
		}
		if d.Nonce == math.MaxUint64 {
			return nil, fmt.Errorf("%w: nonce", ErrArithmeticOverflow)
		}
		d.Nonce++
		d.Verdict = verdict
		d.Status = StatusResolved
		return NewResolvedEvent(d), nil
	})
}

// Release pays the custody balance out to the seller after a release verdict.
func (e *Engine) Release(caller Identity, id DealID) (*Deal, error) {
	return e.transition(id, caller, OpRelease, []Status{StatusResolved}, func(txn StateTxn, d *Deal, _ int64) (*types.Event, error) {
		paid, err := e.payout(txn, d, VerdictRelease, d.Seller.Account())
		if err != nil {
			return nil, err
		}
		d.Status = StatusReleased
		return NewReleasedEvent(d, paid), nil
	})
}

// Refund returns the custody balance to the buyer after a refund verdict.
func (e *Engine) Refund(caller Identity, id DealID) (*Deal, error) {
	return e.transition(id, caller, OpRefund, []Status{StatusResolved}, func(txn StateTxn, d *Deal, _ int64) (*types.Event, error) {
		paid, err := e.payout(txn, d, VerdictRefund, d.Buyer.Account())
		if err != nil {
			return nil, err
		}
		d.Status = StatusRefunded
		return NewRefundedEvent(d, paid), nil
	})
}

// SubmitEvidence appends a content identifier to a live deal.
func (e *Engine) SubmitEvidence(caller Identity, id DealID, cid string) (*Deal, error) {
	return e.transition(id, caller, OpSubmitEvidence, []Status{StatusFunded, StatusDisputed}, func(_ StateTxn, d *Deal, _ int64) (*types.Event, error) {
		if err := validateCID(cid); err != nil {
			return nil, err
		}
		if len(d.Evidence) >= MaxEvidenceCIDs {
			return nil, fmt.Errorf("%w: at most %d entries", ErrEvidenceInvalid, MaxEvidenceCIDs)
		}
		d.Evidence = append(d.Evidence, cid)
		return NewEvidenceSubmittedEvent(d, caller, cid), nil
	})
}

// Deal returns a copy of the stored deal.
func (e *Engine) Deal(id DealID) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	txn, err := e.state.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	deal, ok, err := txn.DealGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDealNotFound, id)
	}
	return deal.Clone(), nil
}

// Balance reports a ledger balance through a read-only transaction.
func (e *Engine) Balance(acct Account, asset AssetClass) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	txn, err := e.state.Begin()
	if err != nil {
		return 0, err
	}
	defer txn.Discard()
	return txn.Balance(acct, asset)
}

func (e *Engine) payout(txn StateTxn, d *Deal, want Verdict, to Account) (uint64, error) {
	if d.Verdict != want {
		return 0, fmt.Errorf("%w: verdict is %s", ErrInvalidState, d.Verdict)
	}
	if d.Amount == 0 {
		return 0, fmt.Errorf("%w: nothing held", ErrInvalidState)
	}
	paid := d.Amount
	if err := txn.Withdraw(e.caps.Issue(d.ID), d.Custody, to, d.Asset, paid); err != nil {
		return 0, err
	}
	d.Amount = 0
	return paid, nil
}

type applyFunc func(txn StateTxn, d *Deal, now int64) (*types.Event, error)

// transition loads the deal under its lock, runs the guards in order and
// commits whatever apply staged. Any error discards the transaction.
func (e *Engine) transition(id DealID, caller Identity, op Operation, from []Status, apply applyFunc) (*Deal, error) {
	if e == nil || e.state == nil || e.caps == nil {
		return nil, errNilState
	}
	unlock := e.locks.lock(id)
	defer unlock()

	txn, err := e.state.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	stored, ok, err := txn.DealGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDealNotFound, id)
	}
	deal := stored.Clone()
	if !statusIn(deal.Status, from) {
		return nil, invalidState(op, deal.Status)
	}
	if err := Authorize(deal, caller, op); err != nil {
		return nil, err
	}
	now := e.now()
	if err := CheckDeadline(deal, op, now); err != nil {
		return nil, err
	}
	event, err := apply(txn, deal, now)
	if err != nil {
		return nil, err
	}
	if err := e.commit(txn, deal); err != nil {
		return nil, err
	}
	e.emit(event)
	return deal.Clone(), nil
}

func (e *Engine) commit(txn StateTxn, d *Deal) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := txn.DealPut(d); err != nil {
		return err
	}
	return txn.Commit()
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
