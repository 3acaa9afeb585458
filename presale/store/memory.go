/*
Package store provides the in-memory TxStore implementation.

PURPOSE:
  Backs tests and local development. Mirrors the transactional semantics of
  the SQL stores: per-pack exclusive scopes with a bounded acquisition wait,
  all-or-nothing transactions, storage-atomic balance credits.

TRANSACTIONS:
  Writes inside a transaction are staged on the transaction itself and only
  applied to the shared maps at commit, under the store mutex. Readers never
  observe a half-applied attempt, and abandoning a transaction discards the
  stage without touching anything another transaction committed. In-scope
  reads consult the stage first so a transaction sees its own writes.

CONCURRENCY:
  A short-lived mutex guards the maps; a per-pack semaphore provides the
  exclusive scope. Attempts against different packs run fully in parallel,
  attempts against the same pack serialize at GetPackForUpdate. The pack
  lock is held through commit, so the snapshot a holder read stays
  authoritative until its writes land. Lock waits beyond LockWait surface
  as presale.ErrBusy.

SEE ALSO:
  - presale/store.go: Interface contracts
  - store/sqlite, store/postgres: Durable implementations
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nukki/presale-engine/presale"
)

// DefaultLockWait bounds how long a purchase attempt waits for a pack's
// exclusive scope before giving up with ErrBusy.
const DefaultLockWait = 2 * time.Second

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	// LockWait bounds per-pack lock acquisition. Zero means DefaultLockWait.
	LockWait time.Duration

	mu        sync.Mutex
	packs     map[presale.PackID]presale.Pack
	accounts  map[string]presale.Account
	purchases []presale.Purchase
	byRef     map[refKey]int // (pack, externalRef) -> index into purchases
	locks     map[presale.PackID]chan struct{}
}

type refKey struct {
	Pack presale.PackID
	Ref  string
}

func NewMemory() *Memory {
	return &Memory{
		packs:    make(map[presale.PackID]presale.Pack),
		accounts: make(map[string]presale.Account),
		byRef:    make(map[refKey]int),
		locks:    make(map[presale.PackID]chan struct{}),
	}
}

// =============================================================================
// STORE (reads + account lifecycle)
// =============================================================================

func (m *Memory) GetPack(_ context.Context, id presale.PackID) (*presale.Pack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.packs[id]
	if !ok {
		return nil, presale.ErrUnknownPack
	}
	return &p, nil
}

func (m *Memory) ListPacks(_ context.Context) ([]presale.Pack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	packs := make([]presale.Pack, 0, len(m.packs))
	for _, p := range m.packs {
		packs = append(packs, p)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].ID < packs[j].ID })
	return packs, nil
}

func (m *Memory) SavePack(_ context.Context, p presale.Pack) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.packs[p.ID] = p
	return nil
}

func (m *Memory) GetAccount(_ context.Context, wallet string) (*presale.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[presale.NormalizeWallet(wallet)]
	if !ok {
		return nil, presale.ErrUnknownAccount
	}
	return &a, nil
}

func (m *Memory) GetOrCreateAccount(_ context.Context, wallet, referrer string) (*presale.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getOrCreateLocked(wallet, referrer)
}

// getOrCreateLocked must be called with mu held.
func (m *Memory) getOrCreateLocked(wallet, referrer string) (*presale.Account, error) {
	wallet = presale.NormalizeWallet(wallet)
	referrer = presale.NormalizeWallet(referrer)

	if a, ok := m.accounts[wallet]; ok {
		return &a, nil
	}
	if referrer == wallet && referrer != "" {
		return nil, presale.ErrSelfReferral
	}

	a := presale.Account{
		Wallet:    wallet,
		Referrer:  referrer,
		CreatedAt: time.Now().UTC(),
	}
	m.accounts[wallet] = a

	if referrer != "" {
		m.bumpReferralLocked(referrer)
	}
	return &a, nil
}

// bumpReferralLocked counts one referral against referrer, creating a
// placeholder row if the referrer has not registered yet. mu must be held.
func (m *Memory) bumpReferralLocked(referrer string) {
	ref := m.accounts[referrer]
	ref.Wallet = referrer
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	ref.ReferralCount++
	m.accounts[referrer] = ref
}

func (m *Memory) ListPurchases(_ context.Context, wallet string) ([]presale.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet = presale.NormalizeWallet(wallet)
	var out []presale.Purchase
	for i := len(m.purchases) - 1; i >= 0; i-- {
		if m.purchases[i].Buyer == wallet {
			out = append(out, m.purchases[i])
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn with a staged write set. The stage is applied to the shared
// state only after fn succeeds and ctx is still live; an error from fn, or a
// cancellation observed before commit, simply discards the stage. Pack locks
// are released after the commit decision, so a lock holder's snapshot stays
// valid until its writes are visible.
func (m *Memory) WithTx(ctx context.Context, fn func(presale.Tx) error) error {
	tx := newMemTx(m)
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) lockWait() time.Duration {
	if m.LockWait > 0 {
		return m.LockWait
	}
	return DefaultLockWait
}

// packLock returns the semaphore channel for a pack, creating it on demand.
func (m *Memory) packLock(id presale.PackID) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[id] = ch
	}
	return ch
}

type stagedCredit struct {
	food int64
	ton  int64
}

// memTx stages all writes locally. Nothing touches the shared maps until
// commit; discarding the transaction discards the stage.
type memTx struct {
	store *Memory
	held  []chan struct{}

	increments map[presale.PackID]int
	purchases  []presale.Purchase
	byRef      map[refKey]int // index into t.purchases
	created    map[string]presale.Account
	credits    map[string]stagedCredit
}

func newMemTx(m *Memory) *memTx {
	return &memTx{
		store:      m,
		increments: make(map[presale.PackID]int),
		byRef:      make(map[refKey]int),
		created:    make(map[string]presale.Account),
		credits:    make(map[string]stagedCredit),
	}
}

// commit applies the stage under the store mutex, in dependency order:
// pack increments, purchase rows, account creations, then credits (so a
// credit to an account created in the same transaction lands on it).
func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, n := range t.increments {
		p := s.packs[id]
		p.Consumed += n
		s.packs[id] = p
	}

	for _, p := range t.purchases {
		s.purchases = append(s.purchases, p)
		if p.ExternalRef != "" {
			s.byRef[refKey{Pack: p.PackID, Ref: p.ExternalRef}] = len(s.purchases) - 1
		}
	}

	for wallet, a := range t.created {
		// Another transaction may have created the account meanwhile;
		// the first creation wins and its referral was already counted.
		if _, ok := s.accounts[wallet]; ok {
			continue
		}
		s.accounts[wallet] = a
		if a.Referrer != "" {
			s.bumpReferralLocked(a.Referrer)
		}
	}

	for wallet, c := range t.credits {
		a, ok := s.accounts[wallet]
		if !ok {
			// A credit is a first interaction like any other: create the
			// account so the reward is not silently dropped.
			a = presale.Account{Wallet: wallet, CreatedAt: time.Now().UTC()}
		}
		a.RewardBalance += c.food
		a.TonOwed += c.ton
		s.accounts[wallet] = a
	}
}

func (t *memTx) releaseLocks() {
	for _, ch := range t.held {
		<-ch
	}
	t.held = nil
}

func (t *memTx) GetPackForUpdate(ctx context.Context, id presale.PackID) (*presale.Pack, error) {
	ch := t.store.packLock(id)

	timer := time.NewTimer(t.store.lockWait())
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		t.held = append(t.held, ch)
	case <-timer.C:
		return nil, presale.ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	p, ok := t.store.packs[id]
	if !ok {
		return nil, presale.ErrUnknownPack
	}
	p.Consumed += t.increments[id]
	return &p, nil
}

func (t *memTx) IncrementConsumed(_ context.Context, id presale.PackID) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packs[id]
	if !ok {
		return presale.ErrUnknownPack
	}
	if p.Consumed+t.increments[id] >= p.Capacity {
		return presale.ErrSoldOut
	}
	t.increments[id]++
	return nil
}

func (t *memTx) InsertPurchase(_ context.Context, p presale.Purchase) error {
	t.purchases = append(t.purchases, p)
	if p.ExternalRef != "" {
		t.byRef[refKey{Pack: p.PackID, Ref: p.ExternalRef}] = len(t.purchases) - 1
	}
	return nil
}

func (t *memTx) FindPurchaseByExternalRef(_ context.Context, id presale.PackID, ref string) (*presale.Purchase, error) {
	key := refKey{Pack: id, Ref: ref}
	if idx, ok := t.byRef[key]; ok {
		p := t.purchases[idx]
		return &p, nil
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byRef[key]
	if !ok {
		return nil, nil
	}
	p := s.purchases[idx]
	return &p, nil
}

func (t *memTx) CountPurchases(_ context.Context, wallet string, id presale.PackID) (int, error) {
	wallet = presale.NormalizeWallet(wallet)

	count := 0
	for _, p := range t.purchases {
		if p.Buyer == wallet && p.PackID == id {
			count++
		}
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.purchases {
		if p.Buyer == wallet && p.PackID == id {
			count++
		}
	}
	return count, nil
}

func (t *memTx) GetOrCreateAccount(_ context.Context, wallet, referrer string) (*presale.Account, error) {
	wallet = presale.NormalizeWallet(wallet)
	referrer = presale.NormalizeWallet(referrer)

	if a, ok := t.created[wallet]; ok {
		return &a, nil
	}

	s := t.store
	s.mu.Lock()
	if a, ok := s.accounts[wallet]; ok {
		s.mu.Unlock()
		return &a, nil
	}
	s.mu.Unlock()

	if referrer == wallet && referrer != "" {
		return nil, presale.ErrSelfReferral
	}

	a := presale.Account{
		Wallet:    wallet,
		Referrer:  referrer,
		CreatedAt: time.Now().UTC(),
	}
	t.created[wallet] = a
	return &a, nil
}

func (t *memTx) CreditBalance(_ context.Context, wallet string, amount, tonShare int64) error {
	wallet = presale.NormalizeWallet(wallet)
	c := t.credits[wallet]
	c.food += amount
	c.ton += tonShare
	t.credits[wallet] = c
	return nil
}
