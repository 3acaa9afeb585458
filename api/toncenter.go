/*
toncenter.go - On-chain balance proxy

PURPOSE:
  The frontend shows the connected wallet's TON balance. Toncenter rate
  limits anonymous callers hard, so the gateway proxies the lookup and
  caches results in redis for a short TTL when a cache is configured.

  This is display plumbing only: the ledger never consults on-chain state
  (payment verification is out of scope by design).
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nukki/presale-engine/presale"
)

// DefaultToncenterAPI is the public balance endpoint.
const DefaultToncenterAPI = "https://toncenter.com/api/v2/getAddressBalance"

// balanceCacheTTL keeps proxied balances fresh enough for a presale UI
// while absorbing refresh storms.
const balanceCacheTTL = 30 * time.Second

// BalanceClient resolves a wallet's on-chain TON balance.
type BalanceClient struct {
	API   string
	HTTP  *http.Client
	Cache *redis.Client // optional
}

// NewBalanceClient creates a client. cache may be nil.
func NewBalanceClient(cache *redis.Client) *BalanceClient {
	return &BalanceClient{
		API:   DefaultToncenterAPI,
		HTTP:  &http.Client{Timeout: 10 * time.Second},
		Cache: cache,
	}
}

type toncenterResponse struct {
	OK     bool   `json:"ok"`
	Result string `json:"result"` // balance in nanoton, as a decimal string
}

// Balance returns the wallet's balance as a TON string with 4 decimals.
func (c *BalanceClient) Balance(ctx context.Context, wallet string) (string, error) {
	cacheKey := "tonbal:" + presale.NormalizeWallet(wallet)
	if c.Cache != nil {
		if cached, err := c.Cache.Get(ctx, cacheKey).Result(); err == nil {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.API+"?address="+url.QueryEscape(wallet), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("toncenter request failed: %w", err)
	}
	defer resp.Body.Close()

	var body toncenterResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("toncenter response malformed: %w", err)
	}
	if !body.OK {
		return "", fmt.Errorf("toncenter error for %s", wallet)
	}

	nano, err := strconv.ParseInt(body.Result, 10, 64)
	if err != nil {
		return "", fmt.Errorf("toncenter balance malformed: %w", err)
	}
	balance := presale.FormatTON(nano)

	if c.Cache != nil {
		// Best-effort: a cache write failure must not fail the lookup.
		_ = c.Cache.Set(ctx, cacheKey, balance, balanceCacheTTL).Err()
	}
	return balance, nil
}
