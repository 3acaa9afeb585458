/*
Package presale provides the core allocation ledger for the pack presale.

PURPOSE:
  This package contains the domain types and algorithms for selling a fixed
  number of capacity-limited packs. It guarantees that inventory never
  oversells under concurrent demand, that each purchase is recorded at most
  once even under retries, and that referral bonuses are credited exactly
  once per originating purchase.

KEY CONCEPTS IN THIS FILE (types.go):
  - Pack: A purchasable, capacity-limited allocation tier
  - Account: A wallet-identified participant with referral lineage
  - Purchase: An immutable record of one completed sale
  - NanoTON: Price amounts in the smallest on-chain unit (int64)

DESIGN PRINCIPLES:
  1. Immutability: Purchases are never updated or deleted
  2. Precision: Prices are integers in nanoton; decimal only for display
  3. Normalization: Wallet addresses are case-normalized at the boundary
  4. Capacity invariant: 0 <= consumed <= capacity, always

SEE ALSO:
  - ledger.go: The purchase orchestration (AttemptPurchase)
  - referral.go: Referral crediting engine
  - store.go: Persistence interfaces
*/
package presale

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PackID string
type PurchaseID string

// NormalizeWallet canonicalizes a wallet address for use as an identity.
// TON friendly addresses are case-sensitive base64url in theory, but every
// upstream component treats them case-insensitively, so the ledger stores
// the trimmed lower-cased form and compares only normalized values.
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// =============================================================================
// MONEY - nanoton amounts (1 TON = 1e9 nanoton)
// =============================================================================

// NanoPerTON is the number of nanoton in one TON.
const NanoPerTON = 1_000_000_000

// FormatTON renders a nanoton amount as a TON string with 4 decimal places,
// matching the display precision the gateway exposes.
func FormatTON(nano int64) string {
	return decimal.NewFromInt(nano).Div(decimal.NewFromInt(NanoPerTON)).StringFixed(4)
}

// ParseTON converts a TON decimal string to nanoton.
// Fractions below one nanoton are truncated.
func ParseTON(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Mul(decimal.NewFromInt(NanoPerTON)).IntPart(), nil
}

// =============================================================================
// PACK - A purchasable allocation tier
// =============================================================================

// Pack is a capacity-limited allocation tier.
//
// INVARIANTS:
//   - 0 <= Consumed <= Capacity at all times
//   - Capacity is immutable after creation
//   - Consumed only changes inside the ledger's transactional scope
type Pack struct {
	ID              PackID
	Name            string
	UnitPrice       int64 // nanoton
	Capacity        int
	Consumed        int
	PerAccountLimit int // max purchases per wallet; 0 means unlimited
	CreatedAt       time.Time
}

// Remaining returns how many units are still available.
func (p Pack) Remaining() int {
	return p.Capacity - p.Consumed
}

// AllowsAnother reports whether a buyer with the given prior purchase count
// may buy one more unit under the per-account limit.
func (p Pack) AllowsAnother(priorCount int) bool {
	return p.PerAccountLimit <= 0 || priorCount < p.PerAccountLimit
}

// =============================================================================
// ACCOUNT - A wallet-identified participant
// =============================================================================

// Account is created lazily on first interaction. The referrer is fixed at
// creation and never overwritten; balances only move through the ledger's
// transactional scope or explicit administrative adjustment.
type Account struct {
	Wallet        string // normalized
	Referrer      string // normalized, empty if none; set once at creation
	RewardBalance int64  // FOOD units, non-negative
	TonOwed       int64  // nanoton share of referred purchases, non-negative
	ReferralCount int    // accounts that name this one as referrer
	CreatedAt     time.Time
}

// =============================================================================
// PURCHASE - Immutable record of one completed sale
// =============================================================================

// Purchase records a single completed sale. Immutable once created: no
// updates, no deletes. The optional ExternalRef (e.g. an on-chain transaction
// hash) doubles as the idempotency key for retried submissions.
type Purchase struct {
	ID          PurchaseID
	Buyer       string // normalized wallet
	PackID      PackID
	PricePaid   int64 // nanoton
	ExternalRef string
	CreatedAt   time.Time
}
