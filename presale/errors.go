/*
errors.go - Centralized error types for the presale ledger

PURPOSE:
  All rejection kinds in one place for consistency and discoverability.
  Callers branch on the sentinels with errors.Is and recover detail from
  the structured wrappers with errors.As.

ERROR CATEGORIES:
  1. Rejections     - Business rule violations (structured results, expected)
  2. Contention     - Transient lock-wait timeouts, safe to retry
  3. Store errors   - Database-level failures (non-transient)

USAGE:
  The gateway translates these into HTTP statuses:

    if errors.Is(err, presale.ErrSoldOut) {
        // 409
    }
    if presale.IsRetryable(err) {
        // 429 + Retry-After
    }

SEE ALSO:
  - ledger.go: Produces these errors
  - store.go: Store implementations map driver errors onto these
*/
package presale

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnknownPack is returned when the pack id references no existing pack.
	ErrUnknownPack = errors.New("unknown pack")

	// ErrSoldOut is returned when the pack has no remaining units.
	ErrSoldOut = errors.New("pack sold out")

	// ErrLimitReached is returned when the buyer already holds the maximum
	// number of purchases this pack allows per account.
	ErrLimitReached = errors.New("per-account limit reached")

	// ErrPriceMismatch is returned when the claimed price does not equal the
	// pack's configured unit price.
	ErrPriceMismatch = errors.New("price mismatch")

	// ErrBusy is returned when the per-pack exclusive scope could not be
	// acquired within the bounded wait. Safe to retry.
	ErrBusy = errors.New("pack busy, retry")

	// ErrStorageFailure is returned for non-transient storage faults.
	// Not retried automatically.
	ErrStorageFailure = errors.New("storage failure")

	// ErrSelfReferral is returned at account-creation time when the referrer
	// resolves (directly or through its lineage) back to the wallet being
	// created.
	ErrSelfReferral = errors.New("self-referral rejected")

	// ErrUnknownAccount is returned when a wallet has no account record.
	ErrUnknownAccount = errors.New("unknown account")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SoldOutError reports a capacity exhaustion rejection.
type SoldOutError struct {
	PackID   PackID
	Capacity int
}

func (e *SoldOutError) Error() string {
	return fmt.Sprintf("pack %s sold out (capacity %d)", e.PackID, e.Capacity)
}

func (e *SoldOutError) Unwrap() error { return ErrSoldOut }

// LimitReachedError reports a per-account limit rejection.
type LimitReachedError struct {
	PackID PackID
	Buyer  string
	Limit  int
	Held   int
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("wallet %s holds %d of pack %s (limit %d)",
		e.Buyer, e.Held, e.PackID, e.Limit)
}

func (e *LimitReachedError) Unwrap() error { return ErrLimitReached }

// PriceMismatchError reports a claimed price that differs from the pack's
// configured unit price. Amounts are nanoton.
type PriceMismatchError struct {
	PackID  PackID
	Claimed int64
	Want    int64
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("pack %s costs %s TON, claimed %s TON",
		e.PackID, FormatTON(e.Want), FormatTON(e.Claimed))
}

func (e *PriceMismatchError) Unwrap() error { return ErrPriceMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsClientError returns true if the error is a business rejection caused by
// the request itself rather than by system state the caller cannot see.
func IsClientError(err error) bool {
	return errors.Is(err, ErrSoldOut) ||
		errors.Is(err, ErrLimitReached) ||
		errors.Is(err, ErrPriceMismatch) ||
		errors.Is(err, ErrSelfReferral)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownPack) ||
		errors.Is(err, ErrUnknownAccount)
}
