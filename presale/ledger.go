/*
ledger.go - Purchase orchestration

PURPOSE:
  The Ledger is the single write path for inventory and purchases. One call,
  AttemptPurchase, validates capacity, per-account limits, and the claimed
  price, then commits the consumed-increment, the purchase row, and the
  referral credit as one all-or-nothing unit.

CRITICAL INVARIANTS:
  1. NEVER OVERSELL: two concurrent attempts at the last unit yield exactly
     one success and one SoldOut. The capacity check and the increment run
     under the pack's exclusive scope.
  2. AT-MOST-ONCE: a retried submission carrying the same (pack, externalRef)
     returns the first attempt's result instead of creating a duplicate.
  3. EXACTLY-ONCE CREDIT: referral crediting happens inside the same
     transaction as the purchase insert, so it can neither double-fire nor
     go missing under partial failure.
  4. NO PARTIAL STATE: consumed incremented without a purchase row (or vice
     versa) is never observable; any failure rolls the whole attempt back.

CHECK ORDER:
  1. Pack exists                      -> ErrUnknownPack
  2. Same (pack, externalRef) exists  -> replay: prior result, success path
  3. remaining > 0                    -> ErrSoldOut
  4. buyer under per-account limit    -> ErrLimitReached
  5. claimed price == unit price      -> ErrPriceMismatch

  The replay lookup runs before the capacity and limit checks: a caller
  retrying after a network timeout must get its original result back even
  if the pack has since sold out or the buyer is now at their limit.

SEE ALSO:
  - store.go: Tx contract the ledger drives
  - referral.go: Crediting engine invoked inside the transaction
*/
package presale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// PurchaseRequest is one purchase attempt as forwarded by the gateway.
// The gateway has already authenticated the wallet; the ledger trusts the
// caller-supplied payment claim (price + optional on-chain reference).
type PurchaseRequest struct {
	Buyer        string
	PackID       PackID
	ClaimedPrice int64  // nanoton
	ExternalRef  string // optional idempotency key, e.g. a tx hash
}

// PurchaseResult is the success payload of an attempt.
type PurchaseResult struct {
	PurchaseID PurchaseID
	Remaining  int
	Replayed   bool // true when an identical earlier submission was returned
}

// =============================================================================
// PUBLISHER - post-commit purchase notifications
// =============================================================================

// Publisher receives a notification after a purchase commits. Replays are
// not republished. Publishing is best-effort: failures are reported to the
// caller-supplied hook, never to the buyer.
type Publisher interface {
	PurchaseCreated(ctx context.Context, p Purchase, remaining int) error
}

// NopPublisher discards all notifications.
type NopPublisher struct{}

func (NopPublisher) PurchaseCreated(context.Context, Purchase, int) error { return nil }

// =============================================================================
// LEDGER
// =============================================================================

// Ledger orchestrates purchase attempts against a transactional store.
type Ledger struct {
	store    TxStore
	referral *Referral
	pub      Publisher

	// OnPublishError is called when the post-commit notification fails.
	// The purchase itself has already committed. Optional.
	OnPublishError func(p Purchase, err error)

	now func() time.Time
}

// NewLedger creates a ledger. A nil publisher disables notifications.
func NewLedger(store TxStore, referral *Referral, pub Publisher) *Ledger {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Ledger{
		store:    store,
		referral: referral,
		pub:      pub,
		now:      time.Now,
	}
}

// AttemptPurchase runs one purchase attempt. On success it returns the new
// purchase id and the pack's remaining count; rejections come back as the
// sentinel errors in errors.go. The idempotent replay of an earlier
// submission is a success, not an error.
func (l *Ledger) AttemptPurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	buyer := NormalizeWallet(req.Buyer)
	if buyer == "" {
		return nil, fmt.Errorf("%w: empty buyer wallet", ErrUnknownAccount)
	}

	var (
		result   *PurchaseResult
		purchase Purchase
	)

	err := l.store.WithTx(ctx, func(tx Tx) error {
		pack, err := tx.GetPackForUpdate(ctx, req.PackID)
		if err != nil {
			return err
		}

		// Replay check first: a retried submission must get its original
		// result back regardless of how inventory has moved since.
		if req.ExternalRef != "" {
			prior, err := tx.FindPurchaseByExternalRef(ctx, pack.ID, req.ExternalRef)
			if err != nil {
				return err
			}
			if prior != nil {
				result = &PurchaseResult{
					PurchaseID: prior.ID,
					Remaining:  pack.Remaining(),
					Replayed:   true,
				}
				return nil
			}
		}

		if pack.Remaining() <= 0 {
			return &SoldOutError{PackID: pack.ID, Capacity: pack.Capacity}
		}

		held, err := tx.CountPurchases(ctx, buyer, pack.ID)
		if err != nil {
			return err
		}
		if !pack.AllowsAnother(held) {
			return &LimitReachedError{
				PackID: pack.ID,
				Buyer:  buyer,
				Limit:  pack.PerAccountLimit,
				Held:   held,
			}
		}

		if req.ClaimedPrice != pack.UnitPrice {
			return &PriceMismatchError{
				PackID:  pack.ID,
				Claimed: req.ClaimedPrice,
				Want:    pack.UnitPrice,
			}
		}

		account, err := tx.GetOrCreateAccount(ctx, buyer, "")
		if err != nil {
			return err
		}

		purchase = Purchase{
			ID:          PurchaseID(uuid.NewString()),
			Buyer:       buyer,
			PackID:      pack.ID,
			PricePaid:   pack.UnitPrice,
			ExternalRef: req.ExternalRef,
			CreatedAt:   l.now().UTC(),
		}

		if err := tx.IncrementConsumed(ctx, pack.ID); err != nil {
			return err
		}
		if err := tx.InsertPurchase(ctx, purchase); err != nil {
			return err
		}
		if err := l.referral.Credit(ctx, tx, purchase, account.Referrer); err != nil {
			return err
		}

		result = &PurchaseResult{
			PurchaseID: purchase.ID,
			Remaining:  pack.Remaining() - 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		if perr := l.pub.PurchaseCreated(ctx, purchase, result.Remaining); perr != nil && l.OnPublishError != nil {
			l.OnPublishError(purchase, perr)
		}
	}
	return result, nil
}

// =============================================================================
// ACCOUNT REGISTRATION
// =============================================================================

// maxLineageDepth bounds the referrer walk in Register. The program only
// pays one hop today, but the chain is validated to this depth so deeper
// payout schemes can be enabled without re-writing history.
const maxLineageDepth = 16

// Register creates (or returns) the account for wallet, optionally fixing
// its referrer. The referrer is validated at write time: a wallet whose
// referrer lineage resolves back to itself is rejected with ErrSelfReferral,
// covering both the direct case and longer cycles formed through
// not-yet-existing wallets.
func (l *Ledger) Register(ctx context.Context, wallet, referrer string) (*Account, error) {
	wallet = NormalizeWallet(wallet)
	referrer = NormalizeWallet(referrer)
	if wallet == "" {
		return nil, fmt.Errorf("%w: empty wallet", ErrUnknownAccount)
	}

	if referrer != "" {
		if referrer == wallet {
			return nil, fmt.Errorf("%w: %s", ErrSelfReferral, wallet)
		}
		if err := l.checkLineage(ctx, wallet, referrer); err != nil {
			return nil, err
		}
	}

	return l.store.GetOrCreateAccount(ctx, wallet, referrer)
}

// checkLineage walks referrer's existing chain and rejects any path that
// reaches wallet. The walk is read-only and unserialized: referrers are set
// once at creation and never updated, so the chain cannot change underneath
// the walk.
func (l *Ledger) checkLineage(ctx context.Context, wallet, referrer string) error {
	current := referrer
	for depth := 0; depth < maxLineageDepth && current != ""; depth++ {
		if current == wallet {
			return fmt.Errorf("%w: lineage of %s cycles back to %s", ErrSelfReferral, referrer, wallet)
		}
		acct, err := l.store.GetAccount(ctx, current)
		if errors.Is(err, ErrUnknownAccount) {
			return nil // chain ends at a wallet that hasn't registered yet
		}
		if err != nil {
			return err
		}
		current = acct.Referrer
	}
	return nil
}
