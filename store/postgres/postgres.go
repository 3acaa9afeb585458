/*
Package postgres provides the PostgreSQL-backed implementation of the
storage interfaces.

PURPOSE:
  The production store. Implements presale.Store and presale.TxStore over a
  pgx connection pool.

EXCLUSIVE SCOPE:
  GetPackForUpdate issues SELECT ... FOR UPDATE, so the capacity check and
  the consumed-increment are serialized per pack by the database row lock.
  Attempts against different packs never contend. A SET LOCAL lock_timeout
  bounds the wait; SQLSTATE 55P03 (lock_not_available) maps to
  presale.ErrBusy.

IDEMPOTENCY:
  Same (pack_id, external_ref) unique index as the SQLite store.

MIGRATION:
  Schema is auto-migrated on New(), matching the SQLite store. The DDL is
  idempotent, so concurrent instances racing on startup are harmless.

SEE ALSO:
  - presale/store.go: Interface definitions
  - store/sqlite: Single-node implementation with the same schema shape
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nukki/presale-engine/presale"
)

// DefaultLockTimeout bounds the per-pack row lock wait.
const DefaultLockTimeout = 2 * time.Second

// Store implements presale.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	// LockTimeout bounds GetPackForUpdate's wait for the pack row lock.
	// Zero means DefaultLockTimeout.
	LockTimeout time.Duration
}

// New connects to the database and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS packs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit_price BIGINT NOT NULL,
		capacity INTEGER NOT NULL CHECK (capacity >= 0),
		consumed INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0 AND consumed <= capacity),
		per_account_limit INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS accounts (
		wallet TEXT PRIMARY KEY,
		referrer TEXT,
		reward_balance BIGINT NOT NULL DEFAULT 0 CHECK (reward_balance >= 0),
		ton_owed BIGINT NOT NULL DEFAULT 0 CHECK (ton_owed >= 0),
		referral_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		buyer TEXT NOT NULL,
		pack_id TEXT NOT NULL REFERENCES packs(id),
		price_paid BIGINT NOT NULL,
		external_ref TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_buyer_pack
		ON purchases(buyer, pack_id);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_purchases_pack_ref
		ON purchases(pack_id, external_ref)
		WHERE external_ref IS NOT NULL AND external_ref != '';
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// STORE (presale.Store interface)
// =============================================================================

const packColumns = `id, name, unit_price, capacity, consumed, per_account_limit, created_at`

// GetPack retrieves a pack by id.
func (s *Store) GetPack(ctx context.Context, id presale.PackID) (*presale.Pack, error) {
	return scanPack(s.pool.QueryRow(ctx,
		`SELECT `+packColumns+` FROM packs WHERE id = $1`, id))
}

// ListPacks returns all packs ordered by id.
func (s *Store) ListPacks(ctx context.Context) ([]presale.Pack, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+packColumns+` FROM packs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query packs: %w", err)
	}
	defer rows.Close()

	var packs []presale.Pack
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, *p)
	}
	return packs, rows.Err()
}

// SavePack creates a pack. Capacity and consumed are immutable on conflict.
func (s *Store) SavePack(ctx context.Context, p presale.Pack) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO packs (id, name, unit_price, capacity, consumed, per_account_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			per_account_limit = excluded.per_account_limit
	`, p.ID, p.Name, p.UnitPrice, p.Capacity, p.Consumed, p.PerAccountLimit, createdAt)
	return err
}

// GetAccount retrieves an account by wallet.
func (s *Store) GetAccount(ctx context.Context, wallet string) (*presale.Account, error) {
	return getAccount(ctx, s.pool, wallet)
}

// GetOrCreateAccount returns or lazily creates the account for wallet.
func (s *Store) GetOrCreateAccount(ctx context.Context, wallet, referrer string) (*presale.Account, error) {
	return getOrCreateAccount(ctx, s.pool, wallet, referrer)
}

// ListPurchases returns all purchases for a wallet, newest first.
func (s *Store) ListPurchases(ctx context.Context, wallet string) ([]presale.Purchase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, buyer, pack_id, price_paid, external_ref, created_at
		FROM purchases WHERE buyer = $1
		ORDER BY created_at DESC, id DESC
	`, presale.NormalizeWallet(wallet))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []presale.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, *p)
	}
	return purchases, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (presale.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction with a bounded lock wait.
func (s *Store) WithTx(ctx context.Context, fn func(presale.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", presale.ErrStorageFailure, err)
	}
	defer pgTx.Rollback(ctx)

	timeout := s.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	// SET LOCAL scopes the timeout to this transaction.
	if _, err := pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
		return fmt.Errorf("%w: set lock_timeout: %v", presale.ErrStorageFailure, err)
	}

	if err := fn(&txView{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", presale.ErrStorageFailure, err)
	}
	return nil
}

type txView struct {
	tx pgx.Tx
}

func (t *txView) GetPackForUpdate(ctx context.Context, id presale.PackID) (*presale.Pack, error) {
	p, err := scanPack(t.tx.QueryRow(ctx,
		`SELECT `+packColumns+` FROM packs WHERE id = $1 FOR UPDATE`, id))
	if err != nil && isLockTimeout(err) {
		return nil, presale.ErrBusy
	}
	return p, err
}

func (t *txView) IncrementConsumed(ctx context.Context, id presale.PackID) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE packs SET consumed = consumed + 1 WHERE id = $1 AND consumed < capacity`, id)
	if err != nil {
		return fmt.Errorf("%w: increment consumed: %v", presale.ErrStorageFailure, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the pack vanished or the guard caught an oversell.
		return presale.ErrSoldOut
	}
	return nil
}

func (t *txView) InsertPurchase(ctx context.Context, p presale.Purchase) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO purchases (id, buyer, pack_id, price_paid, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Buyer, p.PackID, p.PricePaid, nullString(p.ExternalRef), p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate external ref %q", presale.ErrStorageFailure, p.ExternalRef)
		}
		return fmt.Errorf("%w: insert purchase: %v", presale.ErrStorageFailure, err)
	}
	return nil
}

func (t *txView) FindPurchaseByExternalRef(ctx context.Context, id presale.PackID, ref string) (*presale.Purchase, error) {
	p, err := scanPurchase(t.tx.QueryRow(ctx, `
		SELECT id, buyer, pack_id, price_paid, external_ref, created_at
		FROM purchases WHERE pack_id = $1 AND external_ref = $2
	`, id, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (t *txView) CountPurchases(ctx context.Context, wallet string, id presale.PackID) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM purchases WHERE buyer = $1 AND pack_id = $2`,
		presale.NormalizeWallet(wallet), id,
	).Scan(&count)
	return count, err
}

func (t *txView) GetOrCreateAccount(ctx context.Context, wallet, referrer string) (*presale.Account, error) {
	return getOrCreateAccount(ctx, t.tx, wallet, referrer)
}

func (t *txView) CreditBalance(ctx context.Context, wallet string, amount, tonShare int64) error {
	wallet = presale.NormalizeWallet(wallet)
	// Additive upsert: the increment is atomic in the database, so two
	// concurrent credits to the same referrer both land.
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (wallet, referrer, reward_balance, ton_owed, referral_count)
		VALUES ($1, NULL, $2, $3, 0)
		ON CONFLICT (wallet) DO UPDATE SET
			reward_balance = accounts.reward_balance + excluded.reward_balance,
			ton_owed = accounts.ton_owed + excluded.ton_owed
	`, wallet, amount, tonShare)
	if err != nil {
		return fmt.Errorf("%w: credit %s: %v", presale.ErrStorageFailure, wallet, err)
	}
	return nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// querier is the subset of *pgxpool.Pool / pgx.Tx the account helpers need.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getAccount(ctx context.Context, db querier, wallet string) (*presale.Account, error) {
	a, err := scanAccount(db.QueryRow(ctx, `
		SELECT wallet, referrer, reward_balance, ton_owed, referral_count, created_at
		FROM accounts WHERE wallet = $1
	`, presale.NormalizeWallet(wallet)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, presale.ErrUnknownAccount
	}
	return a, err
}

func getOrCreateAccount(ctx context.Context, db querier, wallet, referrer string) (*presale.Account, error) {
	wallet = presale.NormalizeWallet(wallet)
	referrer = presale.NormalizeWallet(referrer)

	if a, err := getAccount(ctx, db, wallet); err == nil {
		return a, nil
	} else if !errors.Is(err, presale.ErrUnknownAccount) {
		return nil, err
	}

	if referrer != "" && referrer == wallet {
		return nil, presale.ErrSelfReferral
	}

	_, err := db.Exec(ctx, `
		INSERT INTO accounts (wallet, referrer) VALUES ($1, $2)
		ON CONFLICT (wallet) DO NOTHING
	`, wallet, nullString(referrer))
	if err != nil {
		return nil, fmt.Errorf("%w: create account %s: %v", presale.ErrStorageFailure, wallet, err)
	}

	if referrer != "" {
		_, err = db.Exec(ctx, `
			INSERT INTO accounts (wallet, referrer, referral_count) VALUES ($1, NULL, 1)
			ON CONFLICT (wallet) DO UPDATE SET referral_count = accounts.referral_count + 1
		`, referrer)
		if err != nil {
			return nil, fmt.Errorf("%w: count referral for %s: %v", presale.ErrStorageFailure, referrer, err)
		}
	}

	return getAccount(ctx, db, wallet)
}

// =============================================================================
// SCANNING
// =============================================================================

func scanPack(row pgx.Row) (*presale.Pack, error) {
	var p presale.Pack
	err := row.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Capacity, &p.Consumed,
		&p.PerAccountLimit, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, presale.ErrUnknownPack
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pack: %w", err)
	}
	return &p, nil
}

func scanPurchase(row pgx.Row) (*presale.Purchase, error) {
	var p presale.Purchase
	var ref *string
	if err := row.Scan(&p.ID, &p.Buyer, &p.PackID, &p.PricePaid, &ref, &p.CreatedAt); err != nil {
		return nil, err
	}
	if ref != nil {
		p.ExternalRef = *ref
	}
	return &p, nil
}

func scanAccount(row pgx.Row) (*presale.Account, error) {
	var a presale.Account
	var referrer *string
	err := row.Scan(&a.Wallet, &referrer, &a.RewardBalance, &a.TonOwed,
		&a.ReferralCount, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if referrer != nil {
		a.Referrer = *referrer
	}
	return &a, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
