/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Durable store for single-node deployments and tests. Implements
  presale.Store and presale.TxStore.

KEY TABLES:
  packs:      Configured capacity and units consumed per tier
  accounts:   Wallets, referral lineage, accrued reward balances
  purchases:  Immutable sale records (no UPDATE, no DELETE)

IDEMPOTENCY:
  A unique index on (pack_id, external_ref) backs the ledger's replay
  check, so even a race the in-transaction lookup misses cannot produce a
  duplicate purchase row.

CONCURRENCY:
  Opened in WAL mode with a busy timeout, and with _txlock=immediate so
  every transaction takes the write lock at BEGIN. SQLite serializes
  writers globally, which is stricter than the required per-pack scope but
  preserves the same observable guarantee. A writer that cannot get the
  lock inside the busy timeout surfaces as presale.ErrBusy.

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - presale/store.go: Interface definitions
  - store/postgres: The production PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nukki/presale-engine/presale"
)

// Store implements presale.TxStore using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database (tests).
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3",
		dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=2000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; more connections just queue on the lock.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit_price INTEGER NOT NULL,
		capacity INTEGER NOT NULL CHECK (capacity >= 0),
		consumed INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0 AND consumed <= capacity),
		per_account_limit INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		wallet TEXT PRIMARY KEY,
		referrer TEXT,
		reward_balance INTEGER NOT NULL DEFAULT 0 CHECK (reward_balance >= 0),
		ton_owed INTEGER NOT NULL DEFAULT 0 CHECK (ton_owed >= 0),
		referral_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Purchases (append-only: no UPDATE, no DELETE)
	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		buyer TEXT NOT NULL,
		pack_id TEXT NOT NULL REFERENCES packs(id),
		price_paid INTEGER NOT NULL,
		external_ref TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_buyer_pack
		ON purchases(buyer, pack_id);

	-- CRITICAL: the external payment reference is the idempotency key.
	-- One (pack, ref) pair can only ever produce one purchase row.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_purchases_pack_ref
		ON purchases(pack_id, external_ref)
		WHERE external_ref IS NOT NULL AND external_ref != '';
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (presale.Store interface)
// =============================================================================

// GetPack retrieves a pack by id.
func (s *Store) GetPack(ctx context.Context, id presale.PackID) (*presale.Pack, error) {
	return scanPack(s.db.QueryRowContext(ctx,
		`SELECT id, name, unit_price, capacity, consumed, per_account_limit, created_at
		 FROM packs WHERE id = ?`, id))
}

// ListPacks returns all packs ordered by id.
func (s *Store) ListPacks(ctx context.Context) ([]presale.Pack, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, unit_price, capacity, consumed, per_account_limit, created_at
		 FROM packs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query packs: %w", err)
	}
	defer rows.Close()

	var packs []presale.Pack
	for rows.Next() {
		p, err := scanPackRow(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}
	return packs, rows.Err()
}

// SavePack creates a pack. Re-saving an existing pack updates the name and
// per-account limit only; capacity and consumed are immutable here.
func (s *Store) SavePack(ctx context.Context, p presale.Pack) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packs (id, name, unit_price, capacity, consumed, per_account_limit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			per_account_limit = excluded.per_account_limit
	`, p.ID, p.Name, p.UnitPrice, p.Capacity, p.Consumed, p.PerAccountLimit,
		createdAt.Format(time.RFC3339))
	return err
}

// GetAccount retrieves an account by wallet.
func (s *Store) GetAccount(ctx context.Context, wallet string) (*presale.Account, error) {
	return getAccount(ctx, s.db, wallet)
}

// GetOrCreateAccount returns or lazily creates the account for wallet.
func (s *Store) GetOrCreateAccount(ctx context.Context, wallet, referrer string) (*presale.Account, error) {
	return getOrCreateAccount(ctx, s.db, wallet, referrer)
}

// ListPurchases returns all purchases for a wallet, newest first.
func (s *Store) ListPurchases(ctx context.Context, wallet string) ([]presale.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer, pack_id, price_paid, external_ref, created_at
		FROM purchases WHERE buyer = ?
		ORDER BY created_at DESC, id DESC
	`, presale.NormalizeWallet(wallet))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []presale.Purchase
	for rows.Next() {
		p, err := scanPurchaseRow(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (presale.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. BEGIN IMMEDIATE takes
// the write lock up front; exceeding the busy timeout maps to ErrBusy.
func (s *Store) WithTx(ctx context.Context, fn func(presale.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusyError(err) {
			return presale.ErrBusy
		}
		return fmt.Errorf("%w: begin: %v", presale.ErrStorageFailure, err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return presale.ErrBusy
		}
		return fmt.Errorf("%w: commit: %v", presale.ErrStorageFailure, err)
	}
	return nil
}

type txView struct {
	tx *sql.Tx
}

func (t *txView) GetPackForUpdate(ctx context.Context, id presale.PackID) (*presale.Pack, error) {
	// The IMMEDIATE transaction already holds the write lock; the read
	// inside it is the authoritative snapshot.
	p, err := scanPack(t.tx.QueryRowContext(ctx,
		`SELECT id, name, unit_price, capacity, consumed, per_account_limit, created_at
		 FROM packs WHERE id = ?`, id))
	if err != nil && isBusyError(err) {
		return nil, presale.ErrBusy
	}
	return p, err
}

func (t *txView) IncrementConsumed(ctx context.Context, id presale.PackID) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE packs SET consumed = consumed + 1 WHERE id = ? AND consumed < capacity`, id)
	if err != nil {
		return fmt.Errorf("%w: increment consumed: %v", presale.ErrStorageFailure, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the pack vanished or the guard caught an oversell.
		return presale.ErrSoldOut
	}
	return nil
}

func (t *txView) InsertPurchase(ctx context.Context, p presale.Purchase) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchases (id, buyer, pack_id, price_paid, external_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Buyer, p.PackID, p.PricePaid, nullString(p.ExternalRef),
		p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			// The in-transaction replay lookup should have caught this.
			return fmt.Errorf("%w: duplicate external ref %q", presale.ErrStorageFailure, p.ExternalRef)
		}
		return fmt.Errorf("%w: insert purchase: %v", presale.ErrStorageFailure, err)
	}
	return nil
}

func (t *txView) FindPurchaseByExternalRef(ctx context.Context, id presale.PackID, ref string) (*presale.Purchase, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, buyer, pack_id, price_paid, external_ref, created_at
		FROM purchases WHERE pack_id = ? AND external_ref = ?
	`, id, ref)

	p, err := scanPurchase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (t *txView) CountPurchases(ctx context.Context, wallet string, id presale.PackID) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM purchases WHERE buyer = ? AND pack_id = ?`,
		presale.NormalizeWallet(wallet), id,
	).Scan(&count)
	return count, err
}

func (t *txView) GetOrCreateAccount(ctx context.Context, wallet, referrer string) (*presale.Account, error) {
	return getOrCreateAccount(ctx, t.tx, wallet, referrer)
}

func (t *txView) CreditBalance(ctx context.Context, wallet string, amount, tonShare int64) error {
	wallet = presale.NormalizeWallet(wallet)
	// Upsert with additive update: the increment happens in the database,
	// never as a read-modify-write in Go.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (wallet, referrer, reward_balance, ton_owed, referral_count, created_at)
		VALUES (?, NULL, ?, ?, 0, ?)
		ON CONFLICT(wallet) DO UPDATE SET
			reward_balance = reward_balance + excluded.reward_balance,
			ton_owed = ton_owed + excluded.ton_owed
	`, wallet, amount, tonShare, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: credit %s: %v", presale.ErrStorageFailure, wallet, err)
	}
	return nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// querier is the subset of *sql.DB / *sql.Tx the account helpers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAccount(ctx context.Context, db querier, wallet string) (*presale.Account, error) {
	row := db.QueryRowContext(ctx, `
		SELECT wallet, referrer, reward_balance, ton_owed, referral_count, created_at
		FROM accounts WHERE wallet = ?
	`, presale.NormalizeWallet(wallet))

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, presale.ErrUnknownAccount
	}
	return a, err
}

func getOrCreateAccount(ctx context.Context, db querier, wallet, referrer string) (*presale.Account, error) {
	wallet = presale.NormalizeWallet(wallet)
	referrer = presale.NormalizeWallet(referrer)

	if a, err := getAccount(ctx, db, wallet); err == nil {
		return a, nil
	} else if err != presale.ErrUnknownAccount {
		return nil, err
	}

	if referrer != "" && referrer == wallet {
		return nil, presale.ErrSelfReferral
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (wallet, referrer, reward_balance, ton_owed, referral_count, created_at)
		VALUES (?, ?, 0, 0, 0, ?)
		ON CONFLICT(wallet) DO NOTHING
	`, wallet, nullString(referrer), now)
	if err != nil {
		return nil, fmt.Errorf("%w: create account %s: %v", presale.ErrStorageFailure, wallet, err)
	}

	if referrer != "" {
		_, err = db.ExecContext(ctx, `
			INSERT INTO accounts (wallet, referrer, reward_balance, ton_owed, referral_count, created_at)
			VALUES (?, NULL, 0, 0, 1, ?)
			ON CONFLICT(wallet) DO UPDATE SET referral_count = referral_count + 1
		`, referrer, now)
		if err != nil {
			return nil, fmt.Errorf("%w: count referral for %s: %v", presale.ErrStorageFailure, referrer, err)
		}
	}

	return getAccount(ctx, db, wallet)
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPack(row *sql.Row) (*presale.Pack, error) {
	var p presale.Pack
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Capacity, &p.Consumed,
		&p.PerAccountLimit, &createdAt)
	if err == sql.ErrNoRows {
		return nil, presale.ErrUnknownPack
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pack: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

func scanPackRow(rows *sql.Rows) (presale.Pack, error) {
	var p presale.Pack
	var createdAt string
	err := rows.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Capacity, &p.Consumed,
		&p.PerAccountLimit, &createdAt)
	if err != nil {
		return p, fmt.Errorf("failed to scan pack: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return p, nil
}

func scanPurchase(row rowScanner) (*presale.Purchase, error) {
	var p presale.Purchase
	var ref sql.NullString
	var createdAt string
	if err := row.Scan(&p.ID, &p.Buyer, &p.PackID, &p.PricePaid, &ref, &createdAt); err != nil {
		return nil, err
	}
	p.ExternalRef = ref.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &p, nil
}

func scanPurchaseRow(rows *sql.Rows) (presale.Purchase, error) {
	p, err := scanPurchase(rows)
	if err != nil {
		return presale.Purchase{}, fmt.Errorf("failed to scan purchase: %w", err)
	}
	return *p, nil
}

func scanAccount(row rowScanner) (*presale.Account, error) {
	var a presale.Account
	var referrer sql.NullString
	var createdAt string
	err := row.Scan(&a.Wallet, &referrer, &a.RewardBalance, &a.TonOwed,
		&a.ReferralCount, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Referrer = referrer.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "database table is locked"))
}
