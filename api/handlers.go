/*
handlers.go - HTTP handlers for the presale gateway

PURPOSE:
  Translates HTTP requests into ledger calls and ledger results back into
  JSON. The gateway authenticates nothing beyond basic input validation:
  wallet signature verification happens upstream at the wallet-connect
  layer, and payment finality is explicitly out of scope.

HANDLER PATTERN:
  1. Parse URL params / request body
  2. Validate input
  3. Call ledger/store
  4. Serialize response
  5. Map rejections to HTTP statuses

ERROR HANDLING:
  - 400: Malformed input
  - 404: Unknown pack / account
  - 409: Business rejections (sold out, limit, price, self-referral)
  - 429: Busy (transient lock contention), with Retry-After
  - 502: Upstream (Toncenter) failures
  - 500: Storage faults and everything unexpected

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nukki/presale-engine/presale"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *presale.Ledger
	Store       presale.Store
	Balances    *BalanceClient
	TonReceiver string
}

// NewHandler creates a new handler.
func NewHandler(ledger *presale.Ledger, store presale.Store, balances *BalanceClient, tonReceiver string) *Handler {
	return &Handler{
		Ledger:      ledger,
		Store:       store,
		Balances:    balances,
		TonReceiver: tonReceiver,
	}
}

// =============================================================================
// CONFIG
// =============================================================================

// GetConfig returns the public configuration.
// GET /api/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConfigDTO{TonReceiver: h.TonReceiver})
}

// =============================================================================
// PACKS
// =============================================================================

// ListPacks returns all packs.
// GET /api/packs
func (h *Handler) ListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := h.Store.ListPacks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list packs", err)
		return
	}

	dtos := make([]PackDTO, len(packs))
	for i, p := range packs {
		dtos[i] = toPackDTO(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"packs": dtos})
}

// GetPack returns a single pack.
// GET /api/packs/{id}
func (h *Handler) GetPack(w http.ResponseWriter, r *http.Request) {
	pack, err := h.Store.GetPack(r.Context(), presale.PackID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPackDTO(*pack))
}

// CreatePack creates a pack.
// POST /api/admin/packs
func (h *Handler) CreatePack(w http.ResponseWriter, r *http.Request) {
	var req CreatePackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Capacity < 0 {
		writeError(w, http.StatusBadRequest, "Pack id and non-negative capacity are required", nil)
		return
	}

	price, ok := resolvePrice(req.PriceNano, req.PriceTON)
	if !ok || price <= 0 {
		writeError(w, http.StatusBadRequest, "A positive price_nano or price_ton is required", nil)
		return
	}

	pack := presale.Pack{
		ID:              presale.PackID(req.ID),
		Name:            req.Name,
		UnitPrice:       price,
		Capacity:        req.Capacity,
		PerAccountLimit: req.PerAccountLimit,
	}
	if err := h.Store.SavePack(r.Context(), pack); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save pack", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPackDTO(pack))
}

// =============================================================================
// USERS
// =============================================================================

// GetUser returns the account for a wallet, creating it lazily like the
// rest of the system does on first interaction.
// GET /api/user/{wallet}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	account, err := h.Ledger.Register(r.Context(), wallet, "")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*account))
}

// RegisterUser creates an account with an optional referrer. The referrer
// is fixed at creation: registering an existing wallet again never changes
// its lineage.
// POST /api/users
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Wallet == "" {
		writeError(w, http.StatusBadRequest, "Wallet is required", nil)
		return
	}

	account, err := h.Ledger.Register(r.Context(), req.Wallet, req.Referrer)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*account))
}

// ListUserPurchases returns a wallet's purchases, newest first.
// GET /api/user/{wallet}/purchases
func (h *Handler) ListUserPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.Store.ListPurchases(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list purchases", err)
		return
	}

	dtos := make([]PurchaseDTO, len(purchases))
	for i, p := range purchases {
		dtos[i] = toPurchaseDTO(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": dtos})
}

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase runs one purchase attempt.
// POST /api/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Buyer == "" || req.PackID == "" {
		writeError(w, http.StatusBadRequest, "Buyer and pack_id are required", nil)
		return
	}
	price, ok := resolvePrice(req.PriceNano, req.PriceTON)
	if !ok {
		writeError(w, http.StatusBadRequest, "Malformed price_ton", nil)
		return
	}

	result, err := h.Ledger.AttemptPurchase(r.Context(), presale.PurchaseRequest{
		Buyer:        req.Buyer,
		PackID:       presale.PackID(req.PackID),
		ClaimedPrice: price,
		ExternalRef:  req.ExternalRef,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PurchaseResultDTO{
		PurchaseID: string(result.PurchaseID),
		Remaining:  result.Remaining,
		Replayed:   result.Replayed,
	})
}

// =============================================================================
// BALANCE PROXY
// =============================================================================

// GetBalance proxies the wallet's on-chain TON balance.
// GET /api/balance/{wallet}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	balance, err := h.Balances.Balance(r.Context(), wallet)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to fetch balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{Wallet: wallet, Balance: balance})
}

// =============================================================================
// HELPERS
// =============================================================================

// resolvePrice picks the nanoton price from the two optional fields.
// price_nano wins when both are set.
func resolvePrice(nano int64, ton string) (int64, bool) {
	if nano != 0 || ton == "" {
		return nano, true
	}
	parsed, err := presale.ParseTON(ton)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// writeDomainError maps ledger rejections onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case presale.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, presale.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "Busy, retry shortly", err)
	case presale.IsClientError(err):
		writeError(w, http.StatusConflict, "Purchase rejected", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
