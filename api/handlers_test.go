package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nukki/presale-engine/presale"
	"github.com/nukki/presale-engine/presale/store"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ledger := presale.NewLedger(mem, presale.NewReferral(presale.DefaultBonusPolicy()), nil)
	h := NewHandler(ledger, mem, NewBalanceClient(nil), "eqreceiver")

	srv := httptest.NewServer(NewRouter(h, ""))
	t.Cleanup(srv.Close)
	return srv, mem
}

func seedPack(t *testing.T, mem *store.Memory, id string, price int64, capacity, limit int) {
	t.Helper()
	require.NoError(t, mem.SavePack(context.Background(), presale.Pack{
		ID:              presale.PackID(id),
		Name:            id,
		UnitPrice:       price,
		Capacity:        capacity,
		PerAccountLimit: limit,
	}))
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// =============================================================================
// CONFIG + PACKS
// =============================================================================

func TestGetConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	var cfg ConfigDTO
	status := getJSON(t, srv, "/api/config", &cfg)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "eqreceiver", cfg.TonReceiver)
}

func TestListPacks(t *testing.T) {
	srv, mem := newTestServer(t)
	seedPack(t, mem, "starter", 10*presale.NanoPerTON, 3, 1)
	seedPack(t, mem, "whale", 100*presale.NanoPerTON, 1, 0)

	var body struct {
		Packs []PackDTO `json:"packs"`
	}
	status := getJSON(t, srv, "/api/packs", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, body.Packs, 2)
	assert.Equal(t, "starter", body.Packs[0].ID)
	assert.Equal(t, "10.0000", body.Packs[0].PriceTON)
	assert.Equal(t, 3, body.Packs[0].Remaining)
}

func TestGetPack_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	status := getJSON(t, srv, "/api/packs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreatePack(t *testing.T) {
	srv, mem := newTestServer(t)

	var created PackDTO
	status := postJSON(t, srv, "/api/admin/packs", CreatePackRequest{
		ID:       "starter",
		Name:     "Starter Pack",
		PriceTON: "10.5",
		Capacity: 3,
	}, &created)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int64(10_500_000_000), created.PriceNano)

	p, err := mem.GetPack(context.Background(), "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(10_500_000_000), p.UnitPrice)
}

func TestCreatePack_Invalid(t *testing.T) {
	srv, _ := newTestServer(t)

	status := postJSON(t, srv, "/api/admin/packs", CreatePackRequest{Name: "no id"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = postJSON(t, srv, "/api/admin/packs", CreatePackRequest{
		ID: "free", Capacity: 1, // no price
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// USERS
// =============================================================================

func TestRegisterAndGetUser(t *testing.T) {
	srv, _ := newTestServer(t)

	var account AccountDTO
	status := postJSON(t, srv, "/api/users", RegisterRequest{
		Wallet:   "Wallet-A",
		Referrer: "wallet-ref",
	}, &account)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "wallet-a", account.Wallet)
	assert.Equal(t, "wallet-ref", account.Referrer)

	var fetched AccountDTO
	status = getJSON(t, srv, "/api/user/wallet-a", &fetched)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "wallet-ref", fetched.Referrer)
}

func TestGetUser_CreatesLazily(t *testing.T) {
	srv, _ := newTestServer(t)

	var account AccountDTO
	status := getJSON(t, srv, "/api/user/wallet-new", &account)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "wallet-new", account.Wallet)
	assert.Zero(t, account.FoodBalance)
}

func TestRegisterUser_SelfReferral(t *testing.T) {
	srv, _ := newTestServer(t)

	status := postJSON(t, srv, "/api/users", RegisterRequest{
		Wallet:   "wallet-a",
		Referrer: "WALLET-A",
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchase_Flow(t *testing.T) {
	srv, mem := newTestServer(t)
	seedPack(t, mem, "starter", 10*presale.NanoPerTON, 3, 1)

	var result PurchaseResultDTO
	status := postJSON(t, srv, "/api/purchase", PurchaseRequestDTO{
		Buyer:       "wallet-a",
		PackID:      "starter",
		PriceTON:    "10",
		ExternalRef: "tx-1",
	}, &result)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, result.PurchaseID)
	assert.Equal(t, 2, result.Remaining)
	assert.False(t, result.Replayed)

	// The retried submission replays the original result.
	var replay PurchaseResultDTO
	status = postJSON(t, srv, "/api/purchase", PurchaseRequestDTO{
		Buyer:       "wallet-a",
		PackID:      "starter",
		PriceTON:    "10",
		ExternalRef: "tx-1",
	}, &replay)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, replay.Replayed)
	assert.Equal(t, result.PurchaseID, replay.PurchaseID)

	var history struct {
		Purchases []PurchaseDTO `json:"purchases"`
	}
	status = getJSON(t, srv, "/api/user/wallet-a/purchases", &history)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, history.Purchases, 1)
	assert.Equal(t, "tx-1", history.Purchases[0].ExternalRef)
}

func TestPurchase_Rejections(t *testing.T) {
	srv, mem := newTestServer(t)
	seedPack(t, mem, "tiny", 10*presale.NanoPerTON, 1, 1)

	attempt := func(buyer, pack string, priceNano int64) int {
		return postJSON(t, srv, "/api/purchase", PurchaseRequestDTO{
			Buyer: buyer, PackID: pack, PriceNano: priceNano,
		}, nil)
	}

	assert.Equal(t, http.StatusNotFound, attempt("wallet-a", "ghost", 10*presale.NanoPerTON))
	assert.Equal(t, http.StatusConflict, attempt("wallet-a", "tiny", 9*presale.NanoPerTON))

	assert.Equal(t, http.StatusOK, attempt("wallet-a", "tiny", 10*presale.NanoPerTON))
	assert.Equal(t, http.StatusConflict, attempt("wallet-a", "tiny", 10*presale.NanoPerTON)) // limit
	assert.Equal(t, http.StatusConflict, attempt("wallet-b", "tiny", 10*presale.NanoPerTON)) // sold out
}

func TestPurchase_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/purchase", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status := postJSON(t, srv, "/api/purchase", PurchaseRequestDTO{PackID: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = postJSON(t, srv, "/api/purchase", PurchaseRequestDTO{
		Buyer: "wallet-a", PackID: "x", PriceTON: "ten",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// BALANCE PROXY
// =============================================================================

func TestGetBalance(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eqwallet", r.URL.Query().Get("address"))
		fmt.Fprint(w, `{"ok":true,"result":"1500000000"}`)
	}))
	defer upstream.Close()

	mem := store.NewMemory()
	ledger := presale.NewLedger(mem, presale.NewReferral(presale.DefaultBonusPolicy()), nil)
	h := NewHandler(ledger, mem, &BalanceClient{API: upstream.URL, HTTP: upstream.Client()}, "eqreceiver")
	srv := httptest.NewServer(NewRouter(h, ""))
	defer srv.Close()

	var body BalanceDTO
	status := getJSON(t, srv, "/api/balance/eqwallet", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1.5000", body.Balance)
}

func TestGetBalance_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false}`)
	}))
	defer upstream.Close()

	mem := store.NewMemory()
	ledger := presale.NewLedger(mem, presale.NewReferral(presale.DefaultBonusPolicy()), nil)
	h := NewHandler(ledger, mem, &BalanceClient{API: upstream.URL, HTTP: upstream.Client()}, "eqreceiver")
	srv := httptest.NewServer(NewRouter(h, ""))
	defer srv.Close()

	status := getJSON(t, srv, "/api/balance/eqwallet", nil)
	assert.Equal(t, http.StatusBadGateway, status)
}

// =============================================================================
// HELPERS
// =============================================================================

func TestResolvePrice(t *testing.T) {
	tests := []struct {
		name   string
		nano   int64
		ton    string
		want   int64
		wantOK bool
	}{
		{"nano only", 5, "", 5, true},
		{"ton only", 0, "1.5", 1_500_000_000, true},
		{"nano wins over ton", 5, "1.5", 5, true},
		{"neither is zero", 0, "", 0, true},
		{"malformed ton", 0, "ten", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := resolvePrice(tt.nano, tt.ton)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
