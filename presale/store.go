/*
store.go - Persistence interfaces for packs, accounts, and purchases

PURPOSE:
  Defines the boundary between the ledger and the database. The Inventory
  and Account stores are the only shared mutable state in the system; every
  mutation flows through the ledger's transactional scope.

KEY INTERFACES:
  Store:    Read access + account upsert (used outside purchase attempts)
  TxStore:  Adds WithTx for the atomic purchase unit
  Tx:       The operations available inside one transactional scope

EXCLUSIVE SCOPE:
  Tx.GetPackForUpdate acquires an exclusive lock keyed by the pack identity
  and returns the pack snapshot read under that lock. The capacity check and
  the consumed-increment both happen while the lock is held, so no two
  attempts can both observe remaining > 0 and both commit an increment past
  capacity. Acquisition waits are bounded: implementations return ErrBusy
  instead of blocking indefinitely.

ATOMIC CREDITS:
  Tx.CreditBalance must be an atomic increment at the storage layer
  (UPDATE ... SET balance = balance + x), never a caller-side
  read-modify-write, so concurrent credits to the same referrer both land.

IMPLEMENTATIONS:
  - store/sqlite:   SQLite (WAL + busy_timeout)
  - store/postgres: PostgreSQL (SELECT ... FOR UPDATE + lock_timeout)
  - presale/store:  In-memory for testing

SEE ALSO:
  - ledger.go: The only caller of WithTx
*/
package presale

import "context"

// =============================================================================
// STORE - Read access and account lifecycle
// =============================================================================

// Store provides read access plus lazy account creation. Wallets passed in
// are normalized by the implementation before use.
type Store interface {
	// GetPack returns the pack, or ErrUnknownPack.
	GetPack(ctx context.Context, id PackID) (*Pack, error)

	// ListPacks returns all packs ordered by id.
	ListPacks(ctx context.Context) ([]Pack, error)

	// SavePack creates a pack. Capacity is immutable afterwards.
	SavePack(ctx context.Context, p Pack) error

	// GetAccount returns the account, or ErrUnknownAccount.
	GetAccount(ctx context.Context, wallet string) (*Account, error)

	// GetOrCreateAccount returns the existing account for wallet, creating
	// it with the given referrer if absent. The referrer on an existing
	// account is never overwritten. A wallet equal to its own referrer is
	// rejected with ErrSelfReferral.
	GetOrCreateAccount(ctx context.Context, wallet, referrer string) (*Account, error)

	// ListPurchases returns all purchases for a wallet, newest first.
	ListPurchases(ctx context.Context, wallet string) ([]Purchase, error)
}

// =============================================================================
// TRANSACTIONAL STORE - The atomic purchase unit
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within one all-or-nothing transaction.
	// If fn returns an error or ctx is cancelled before commit, every
	// effect is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of operations available inside one transactional scope.
// All writes of a purchase attempt go through the same Tx.
type Tx interface {
	// GetPackForUpdate returns the pack snapshot and begins an exclusive
	// scope for it. Returns ErrUnknownPack if absent, ErrBusy if the lock
	// cannot be acquired within the bounded wait.
	GetPackForUpdate(ctx context.Context, id PackID) (*Pack, error)

	// IncrementConsumed adds one to the pack's consumed count.
	// Must only be called with the pack's exclusive scope held.
	IncrementConsumed(ctx context.Context, id PackID) error

	// InsertPurchase appends an immutable purchase record.
	InsertPurchase(ctx context.Context, p Purchase) error

	// FindPurchaseByExternalRef returns the purchase with the given
	// (pack, external ref) pair, or nil if none exists.
	FindPurchaseByExternalRef(ctx context.Context, id PackID, ref string) (*Purchase, error)

	// CountPurchases returns how many purchases wallet holds for the pack.
	CountPurchases(ctx context.Context, wallet string, id PackID) (int, error)

	// GetOrCreateAccount is Store.GetOrCreateAccount inside the scope.
	GetOrCreateAccount(ctx context.Context, wallet, referrer string) (*Account, error)

	// CreditBalance atomically adds amount to the wallet's FOOD reward
	// balance, and tonShare (nanoton) to its TON owed balance.
	CreditBalance(ctx context.Context, wallet string, amount, tonShare int64) error
}
