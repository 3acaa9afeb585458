/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the domain
  model from the external contract. Prices travel both ways: nanoton
  integers for machines, TON strings for display.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/nukki/presale-engine/presale"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// PackDTO represents a pack in API responses.
type PackDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PriceNano       int64  `json:"price_nano"`
	PriceTON        string `json:"price_ton"`
	Capacity        int    `json:"capacity"`
	Remaining       int    `json:"remaining"`
	PerAccountLimit int    `json:"per_account_limit,omitempty"`
}

func toPackDTO(p presale.Pack) PackDTO {
	return PackDTO{
		ID:              string(p.ID),
		Name:            p.Name,
		PriceNano:       p.UnitPrice,
		PriceTON:        presale.FormatTON(p.UnitPrice),
		Capacity:        p.Capacity,
		Remaining:       p.Remaining(),
		PerAccountLimit: p.PerAccountLimit,
	}
}

// CreatePackRequest is the admin request to create a pack.
// The price may be given in nanoton or as a TON decimal string.
type CreatePackRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PriceNano       int64  `json:"price_nano,omitempty"`
	PriceTON        string `json:"price_ton,omitempty"`
	Capacity        int    `json:"capacity"`
	PerAccountLimit int    `json:"per_account_limit,omitempty"`
}

// AccountDTO represents a participant account.
type AccountDTO struct {
	Wallet        string `json:"wallet"`
	Referrer      string `json:"referrer,omitempty"`
	FoodBalance   int64  `json:"food_balance"`
	TonOwedNano   int64  `json:"ton_owed_nano"`
	TonOwed       string `json:"ton_owed"`
	ReferralCount int    `json:"referral_count"`
}

func toAccountDTO(a presale.Account) AccountDTO {
	return AccountDTO{
		Wallet:        a.Wallet,
		Referrer:      a.Referrer,
		FoodBalance:   a.RewardBalance,
		TonOwedNano:   a.TonOwed,
		TonOwed:       presale.FormatTON(a.TonOwed),
		ReferralCount: a.ReferralCount,
	}
}

// RegisterRequest creates an account, optionally fixing its referrer.
type RegisterRequest struct {
	Wallet   string `json:"wallet"`
	Referrer string `json:"referrer,omitempty"`
}

// PurchaseRequestDTO is one purchase attempt.
type PurchaseRequestDTO struct {
	Buyer       string `json:"buyer"`
	PackID      string `json:"pack_id"`
	PriceNano   int64  `json:"price_nano,omitempty"`
	PriceTON    string `json:"price_ton,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// PurchaseResultDTO is the success payload of an attempt.
type PurchaseResultDTO struct {
	PurchaseID string `json:"purchase_id"`
	Remaining  int    `json:"remaining"`
	Replayed   bool   `json:"replayed,omitempty"`
}

// PurchaseDTO represents one completed purchase.
type PurchaseDTO struct {
	ID          string    `json:"id"`
	PackID      string    `json:"pack_id"`
	PriceNano   int64     `json:"price_nano"`
	PriceTON    string    `json:"price_ton"`
	ExternalRef string    `json:"external_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toPurchaseDTO(p presale.Purchase) PurchaseDTO {
	return PurchaseDTO{
		ID:          string(p.ID),
		PackID:      string(p.PackID),
		PriceNano:   p.PricePaid,
		PriceTON:    presale.FormatTON(p.PricePaid),
		ExternalRef: p.ExternalRef,
		CreatedAt:   p.CreatedAt,
	}
}

// ConfigDTO is the public configuration the frontend needs.
type ConfigDTO struct {
	TonReceiver string `json:"ton_receiver"`
}

// BalanceDTO is the proxied on-chain balance of a wallet.
type BalanceDTO struct {
	Wallet  string `json:"wallet"`
	Balance string `json:"balance"` // TON, 4 decimal places
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
