package escrow

// Custody moves deal funds between participant accounts and custody accounts.
// Implementations must fail without side effects and report
// ErrInsufficientFunds, ErrAssetMismatch, ErrCapabilityDenied or
// ErrArithmeticOverflow.
type Custody interface {
	// Open creates the custody account of grant.DealID for asset and binds it to
	// the capability authority.
	Open(grant Capability, asset AssetClass) (Account, error)
	// Deposit moves amount from a participant account into custody.
	Deposit(from, custody Account, asset AssetClass, amount uint64) error
	// Withdraw moves amount out of custody. grant must match the authority
	// recorded by Open.
	Withdraw(grant Capability, custody, to Account, asset AssetClass, amount uint64) error
	Balance(acct Account, asset AssetClass) (uint64, error)
}

// StateTxn is one all-or-nothing unit of work against the ledger. Nothing
// becomes visible until Commit; Discard drops every staged change.
type StateTxn interface {
	Custody
	DealGet(id DealID) (*Deal, bool, error)
	DealPut(d *Deal) error
	Commit() error
	Discard()
}

// State opens ledger transactions for the engine.
type State interface {
	Begin() (StateTxn, error)
}
