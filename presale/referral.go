/*
referral.go - Referral crediting engine

PURPOSE:
  Credits the buyer's referrer for a completed purchase, exactly once.
  The engine is invoked only from inside the same transactional scope that
  creates the purchase row, so a retried or re-driven attempt (collapsed by
  the idempotency check in ledger.go) can never re-trigger crediting.

BONUS POLICY:
  Two components, both optional:
  - FixedBonus: a flat FOOD amount per qualifying purchase
  - PriceShareBps: a basis-point share of the paid price, accrued as
    nanoton owed to the referrer (paid out off-ledger)

  The default policy is 50 FOOD + 2% of the price, the program's
  advertised terms.

EXACTLY-ONCE:
  No state of its own: exactly-once falls out of the purchase transaction's
  atomicity plus the (packID, externalRef) idempotency key. The engine never
  runs outside that transaction.

SEE ALSO:
  - ledger.go: Invokes Credit inside the purchase transaction
  - store.go: CreditBalance contract (storage-atomic increment)
*/
package presale

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BONUS POLICY
// =============================================================================

// BonusPolicy describes what a referrer earns per qualifying purchase.
type BonusPolicy struct {
	FixedBonus    int64 // FOOD units
	PriceShareBps int   // basis points of the price paid, accrued as TON owed
}

// DefaultBonusPolicy is the program's advertised terms: 50 FOOD plus a 2%
// share of the purchase price.
func DefaultBonusPolicy() BonusPolicy {
	return BonusPolicy{FixedBonus: 50, PriceShareBps: 200}
}

// ShareOf returns the nanoton price share for a given price paid.
// Rounds down; a share below one nanoton credits nothing.
func (p BonusPolicy) ShareOf(pricePaid int64) int64 {
	if p.PriceShareBps <= 0 {
		return 0
	}
	return decimal.NewFromInt(pricePaid).
		Mul(decimal.NewFromInt(int64(p.PriceShareBps))).
		Div(decimal.NewFromInt(10_000)).
		IntPart()
}

// =============================================================================
// CREDITING ENGINE
// =============================================================================

// Referral credits referrers for completed purchases.
type Referral struct {
	Policy BonusPolicy
}

func NewReferral(policy BonusPolicy) *Referral {
	return &Referral{Policy: policy}
}

// Credit applies the bonus for one completed purchase to the buyer's
// referrer. MUST be called inside the same transactional scope that inserts
// the purchase, and never twice for the same purchase. A buyer without a
// referrer is a no-op.
func (r *Referral) Credit(ctx context.Context, tx Tx, purchase Purchase, referrer string) error {
	if referrer == "" {
		return nil
	}

	food := r.Policy.FixedBonus
	share := r.Policy.ShareOf(purchase.PricePaid)
	if food == 0 && share == 0 {
		return nil
	}

	if err := tx.CreditBalance(ctx, referrer, food, share); err != nil {
		return fmt.Errorf("credit referrer %s for purchase %s: %w", referrer, purchase.ID, err)
	}
	return nil
}
