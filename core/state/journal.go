package state

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"dealescrow/native/escrow"
)

var errJournalClosed = errors.New("state: journal already committed or discarded")

type balanceRef struct {
	acct  escrow.Account
	asset escrow.AssetClass
}

// balanceDelta accumulates the credits and debits a journal applies to one
// balance. Keeping both sides lets Commit re-check debits against whatever
// balance is current at commit time.
type balanceDelta struct {
	credit uint256.Int
	debit  uint256.Int
}

// Journal stages ledger writes until Commit. It implements escrow.StateTxn.
type Journal struct {
	m *Manager

	deals   map[escrow.DealID]*escrow.Deal
	custody map[escrow.Account]*custodyRecord
	deltas  map[balanceRef]*balanceDelta

	dealOrder    []escrow.DealID
	custodyOrder []escrow.Account
	deltaOrder   []balanceRef

	closed bool
}

func newJournal(m *Manager) *Journal {
	return &Journal{
		m:       m,
		deals:   make(map[escrow.DealID]*escrow.Deal),
		custody: make(map[escrow.Account]*custodyRecord),
		deltas:  make(map[balanceRef]*balanceDelta),
	}
}

func (j *Journal) DealGet(id escrow.DealID) (*escrow.Deal, bool, error) {
	if j.closed {
		return nil, false, errJournalClosed
	}
	if staged, ok := j.deals[id]; ok {
		return staged.Clone(), true, nil
	}
	return j.m.loadDeal(id)
}

func (j *Journal) DealPut(d *escrow.Deal) error {
	if j.closed {
		return errJournalClosed
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if _, ok := j.deals[d.ID]; !ok {
		j.dealOrder = append(j.dealOrder, d.ID)
	}
	j.deals[d.ID] = d.Clone()
	return nil
}

func (j *Journal) custodyFor(acct escrow.Account) (*custodyRecord, error) {
	if rec, ok := j.custody[acct]; ok {
		return rec, nil
	}
	return j.m.loadCustody(acct)
}

// Open registers the custody account of a deal.
func (j *Journal) Open(grant escrow.Capability, asset escrow.AssetClass) (escrow.Account, error) {
	if j.closed {
		return escrow.Account{}, errJournalClosed
	}
	normalized, err := escrow.NormalizeAsset(string(asset))
	if err != nil {
		return escrow.Account{}, err
	}
	acct := escrow.CustodyAccount(grant.DealID)
	existing, err := j.custodyFor(acct)
	if err != nil {
		return escrow.Account{}, err
	}
	if existing != nil {
		return escrow.Account{}, fmt.Errorf("%w: custody %s already open", escrow.ErrCapabilityDenied, acct)
	}
	bal, err := j.view(balanceRef{acct, normalized})
	if err != nil {
		return escrow.Account{}, err
	}
	if !bal.IsZero() {
		return escrow.Account{}, fmt.Errorf("%w: custody %s already holds %s %s", escrow.ErrCapabilityDenied, acct, bal, normalized)
	}
	j.custody[acct] = &custodyRecord{DealID: grant.DealID, Asset: string(normalized), Authority: grant.Authority}
	j.custodyOrder = append(j.custodyOrder, acct)
	return acct, nil
}

// Deposit moves funds from a participant account into custody.
func (j *Journal) Deposit(from, custody escrow.Account, asset escrow.AssetClass, amount uint64) error {
	if j.closed {
		return errJournalClosed
	}
	rec, err := j.custodyFor(custody)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s is not a custody account", escrow.ErrCapabilityDenied, custody)
	}
	if escrow.AssetClass(rec.Asset) != asset {
		return fmt.Errorf("%w: custody holds %s, got %s", escrow.ErrAssetMismatch, rec.Asset, asset)
	}
	return j.transfer(from, custody, asset, amount)
}

// Withdraw moves funds out of custody when grant matches the recorded
// authority.
func (j *Journal) Withdraw(grant escrow.Capability, custody, to escrow.Account, asset escrow.AssetClass, amount uint64) error {
	if j.closed {
		return errJournalClosed
	}
	rec, err := j.custodyFor(custody)
	if err != nil {
		return err
	}
	if rec == nil || rec.DealID != grant.DealID || escrow.CustodyAccount(grant.DealID) != custody ||
		subtle.ConstantTimeCompare(rec.Authority[:], grant.Authority[:]) != 1 {
		return fmt.Errorf("%w: withdrawal from %s", escrow.ErrCapabilityDenied, custody)
	}
	if escrow.AssetClass(rec.Asset) != asset {
		return fmt.Errorf("%w: custody holds %s, got %s", escrow.ErrAssetMismatch, rec.Asset, asset)
	}
	return j.transfer(custody, to, asset, amount)
}

// Balance returns the balance as this journal would leave it.
func (j *Journal) Balance(acct escrow.Account, asset escrow.AssetClass) (uint64, error) {
	if j.closed {
		return 0, errJournalClosed
	}
	bal, err := j.view(balanceRef{acct, asset})
	if err != nil {
		return 0, err
	}
	return bal.Uint64(), nil
}

func (j *Journal) transfer(from, to escrow.Account, asset escrow.AssetClass, amount uint64) error {
	if from == to {
		return fmt.Errorf("state: transfer from %s to itself", from)
	}
	src, err := j.view(balanceRef{from, asset})
	if err != nil {
		return err
	}
	amt := uint256.NewInt(amount)
	if src.Lt(amt) {
		return fmt.Errorf("%w: %s holds %s, needs %d", escrow.ErrInsufficientFunds, from, src, amount)
	}
	if err := j.checkCredit(balanceRef{to, asset}, amt); err != nil {
		return err
	}
	out := j.delta(balanceRef{from, asset})
	out.debit.Add(&out.debit, amt)
	in := j.delta(balanceRef{to, asset})
	in.credit.Add(&in.credit, amt)
	return nil
}

func (j *Journal) credit(acct escrow.Account, asset escrow.AssetClass, amount uint64) error {
	ref := balanceRef{acct, asset}
	amt := uint256.NewInt(amount)
	if err := j.checkCredit(ref, amt); err != nil {
		return err
	}
	d := j.delta(ref)
	d.credit.Add(&d.credit, amt)
	return nil
}

func (j *Journal) checkCredit(ref balanceRef, amt *uint256.Int) error {
	dst, err := j.view(ref)
	if err != nil {
		return err
	}
	if !new(uint256.Int).Add(dst, amt).IsUint64() {
		return fmt.Errorf("%w: balance of %s", escrow.ErrArithmeticOverflow, ref.acct)
	}
	return nil
}

func (j *Journal) delta(ref balanceRef) *balanceDelta {
	d, ok := j.deltas[ref]
	if !ok {
		d = new(balanceDelta)
		j.deltas[ref] = d
		j.deltaOrder = append(j.deltaOrder, ref)
	}
	return d
}

// view is base + credit - debit. Debits are only staged against a covering
// balance so the subtraction cannot underflow within a journal.
func (j *Journal) view(ref balanceRef) (*uint256.Int, error) {
	bal, err := j.m.loadBalance(ref.acct, ref.asset)
	if err != nil {
		return nil, err
	}
	if d, ok := j.deltas[ref]; ok {
		bal.Add(bal, &d.credit)
		if bal.Lt(&d.debit) {
			return nil, fmt.Errorf("%w: %s", escrow.ErrInsufficientFunds, ref.acct)
		}
		bal.Sub(bal, &d.debit)
	}
	return bal, nil
}

// Commit re-validates every staged balance change against the stored
// balances and writes the journal in a single batch.
func (j *Journal) Commit() error {
	if j.closed {
		return errJournalClosed
	}
	j.closed = true

	j.m.commitMu.Lock()
	defer j.m.commitMu.Unlock()

	batch := j.m.db.NewBatch()
	for _, ref := range j.deltaOrder {
		d := j.deltas[ref]
		bal, err := j.m.loadBalance(ref.acct, ref.asset)
		if err != nil {
			return err
		}
		bal.Add(bal, &d.credit)
		if bal.Lt(&d.debit) {
			return fmt.Errorf("%w: %s/%s changed before commit", escrow.ErrInsufficientFunds, ref.acct, ref.asset)
		}
		bal.Sub(bal, &d.debit)
		if !bal.IsUint64() {
			return fmt.Errorf("%w: balance of %s", escrow.ErrArithmeticOverflow, ref.acct)
		}
		raw := bal.Bytes32()
		batch.Put(balanceKey(ref.acct, ref.asset), raw[:])
	}
	for _, acct := range j.custodyOrder {
		encoded, err := rlp.EncodeToBytes(j.custody[acct])
		if err != nil {
			return err
		}
		batch.Put(custodyKey(acct), encoded)
	}
	for _, id := range j.dealOrder {
		encoded, err := escrow.EncodeDeal(j.deals[id])
		if err != nil {
			return err
		}
		batch.Put(escrow.DealStorageKey(id), encoded)
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

// Discard drops the journal. It is safe to call after Commit.
func (j *Journal) Discard() {
	j.closed = true
	j.deals = nil
	j.custody = nil
	j.deltas = nil
}
