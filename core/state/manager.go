package state

import (
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"dealescrow/native/escrow"
	"dealescrow/storage"
)

// Manager is the escrow ledger: deal records, custody accounts and per-asset
// balances over a key-value store. All writes go through a Journal so each
// transition lands in one storage batch.
type Manager struct {
	db storage.Database

	// commitMu orders journal commits so debits can be re-checked against
	// the latest balances.
	commitMu sync.Mutex
}

// NewManager creates a ledger operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	balancePrefix = []byte("balance:")
	custodyPrefix = []byte("custody:")
)

// custodyRecord binds a custody account to its deal, asset and capability
// authority.
type custodyRecord struct {
	DealID    [16]byte
	Asset     string
	Authority [32]byte
}

func balanceKey(acct escrow.Account, asset escrow.AssetClass) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(asset)+1+len(acct))
	buf = append(buf, balancePrefix...)
	buf = append(buf, asset...)
	buf = append(buf, ':')
	buf = append(buf, acct[:]...)
	return ethcrypto.Keccak256(buf)
}

func custodyKey(acct escrow.Account) []byte {
	buf := make([]byte, 0, len(custodyPrefix)+len(acct))
	buf = append(buf, custodyPrefix...)
	buf = append(buf, acct[:]...)
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (m *Manager) loadBalance(acct escrow.Account, asset escrow.AssetClass) (*uint256.Int, error) {
	data, ok, err := m.get(balanceKey(acct, asset))
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("state: corrupt balance for %s/%s", acct, asset)
	}
	return new(uint256.Int).SetBytes(data), nil
}

func (m *Manager) loadCustody(acct escrow.Account) (*custodyRecord, error) {
	data, ok, err := m.get(custodyKey(acct))
	if err != nil || !ok {
		return nil, err
	}
	rec := new(custodyRecord)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return nil, fmt.Errorf("state: decode custody %s: %w", acct, err)
	}
	return rec, nil
}

func (m *Manager) loadDeal(id escrow.DealID) (*escrow.Deal, bool, error) {
	data, ok, err := m.get(escrow.DealStorageKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	deal, err := escrow.DecodeDeal(data)
	if err != nil {
		return nil, false, err
	}
	return deal, true, nil
}

// Begin opens a journal over the current ledger contents.
func (m *Manager) Begin() (escrow.StateTxn, error) {
	if m == nil || m.db == nil {
		return nil, errors.New("state: manager not configured")
	}
	return newJournal(m), nil
}

// Balance returns the committed balance of an account.
func (m *Manager) Balance(acct escrow.Account, asset escrow.AssetClass) (uint64, error) {
	bal, err := m.loadBalance(acct, asset)
	if err != nil {
		return 0, err
	}
	return bal.Uint64(), nil
}

// Deal returns the committed deal record.
func (m *Manager) Deal(id escrow.DealID) (*escrow.Deal, bool, error) {
	return m.loadDeal(id)
}

// Mint credits a participant account outside any deal and returns the new
// balance. Open custody accounts cannot be minted into. A custody address
// credited before its deal exists is refused when the deal is initiated.
func (m *Manager) Mint(acct escrow.Account, asset escrow.AssetClass, amount uint64) (uint64, error) {
	normalized, err := escrow.NormalizeAsset(string(asset))
	if err != nil {
		return 0, err
	}
	if acct.IsZero() {
		return 0, errors.New("state: mint to zero account")
	}
	if amount == 0 {
		return 0, fmt.Errorf("%w: mint amount must be positive", escrow.ErrInvalidAmount)
	}
	if rec, err := m.loadCustody(acct); err != nil {
		return 0, err
	} else if rec != nil {
		return 0, fmt.Errorf("%w: cannot mint into custody %s", escrow.ErrCapabilityDenied, acct)
	}
	j := newJournal(m)
	defer j.Discard()
	if err := j.credit(acct, normalized, amount); err != nil {
		return 0, err
	}
	if err := j.Commit(); err != nil {
		return 0, err
	}
	return m.Balance(acct, normalized)
}
