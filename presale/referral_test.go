package presale_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nukki/presale-engine/presale"
)

// =============================================================================
// REGISTRATION / REFERRER WIRING
// =============================================================================

func TestRegister_SetsReferrerOnce(t *testing.T) {
	// GIVEN: wallet-a registers with referrer wallet-b
	// WHEN: wallet-a registers again, this time naming wallet-c
	// THEN: The original referrer sticks; referrers are set once at creation

	ledger, _ := newTestLedger()
	ctx := context.Background()

	first, err := ledger.Register(ctx, "Wallet-A", "wallet-b")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if first.Wallet != "wallet-a" {
		t.Errorf("wallet not normalized: %q", first.Wallet)
	}
	if first.Referrer != "wallet-b" {
		t.Errorf("expected referrer wallet-b, got %q", first.Referrer)
	}

	again, err := ledger.Register(ctx, "wallet-a", "wallet-c")
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if again.Referrer != "wallet-b" {
		t.Errorf("referrer must not change after creation, got %q", again.Referrer)
	}
}

func TestRegister_SelfReferral_Rejected(t *testing.T) {
	ledger, _ := newTestLedger()

	_, err := ledger.Register(context.Background(), "wallet-a", "WALLET-A")
	if !errors.Is(err, presale.ErrSelfReferral) {
		t.Fatalf("expected ErrSelfReferral, got %v", err)
	}
}

func TestRegister_ReferralCycle_Rejected(t *testing.T) {
	// GIVEN: wallet-a registered with referrer wallet-b before b existed
	// WHEN: wallet-b tries to register with referrer wallet-a
	// THEN: The cycle is rejected, it would make each its own ancestor

	ledger, _ := newTestLedger()
	ctx := context.Background()

	if _, err := ledger.Register(ctx, "wallet-a", "wallet-b"); err != nil {
		t.Fatalf("register a failed: %v", err)
	}

	_, err := ledger.Register(ctx, "wallet-b", "wallet-a")
	if !errors.Is(err, presale.ErrSelfReferral) {
		t.Fatalf("expected ErrSelfReferral for the cycle, got %v", err)
	}
}

func TestRegister_CountsReferrals(t *testing.T) {
	ledger, mem := newTestLedger()
	ctx := context.Background()

	if _, err := ledger.Register(ctx, "wallet-a", "wallet-ref"); err != nil {
		t.Fatalf("register a failed: %v", err)
	}
	if _, err := ledger.Register(ctx, "wallet-b", "wallet-ref"); err != nil {
		t.Fatalf("register b failed: %v", err)
	}

	ref, err := mem.GetAccount(ctx, "wallet-ref")
	if err != nil {
		t.Fatalf("referrer account missing: %v", err)
	}
	if ref.ReferralCount != 2 {
		t.Errorf("expected referral count 2, got %d", ref.ReferralCount)
	}
}

// =============================================================================
// CREDITING
// =============================================================================

func TestPurchase_CreditsReferrer(t *testing.T) {
	// GIVEN: wallet-a registered with referrer wallet-ref, default policy
	// WHEN: wallet-a buys a 10 TON pack
	// THEN: wallet-ref holds 50 FOOD and 2% of the price in TON owed

	ledger, mem := newTestLedger()
	ctx := context.Background()
	savePack(t, mem, "starter", 10*nano, 5, 0)

	if _, err := ledger.Register(ctx, "wallet-a", "wallet-ref"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := ledger.AttemptPurchase(ctx, buy("starter", "wallet-a", 10*nano)); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	ref, err := mem.GetAccount(ctx, "wallet-ref")
	if err != nil {
		t.Fatalf("referrer account missing: %v", err)
	}
	if ref.RewardBalance != 50 {
		t.Errorf("expected 50 FOOD, got %d", ref.RewardBalance)
	}
	wantShare := int64(10*nano) * 200 / 10_000
	if ref.TonOwed != wantShare {
		t.Errorf("expected %d nanoton owed, got %d", wantShare, ref.TonOwed)
	}
}

func TestPurchase_NoReferrer_NoCredit(t *testing.T) {
	ledger, mem := newTestLedger()
	ctx := context.Background()
	savePack(t, mem, "starter", 10*nano, 5, 0)

	if _, err := ledger.AttemptPurchase(ctx, buy("starter", "wallet-solo", 10*nano)); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	acct, err := mem.GetAccount(ctx, "wallet-solo")
	if err != nil {
		t.Fatalf("buyer account missing: %v", err)
	}
	if acct.RewardBalance != 0 || acct.TonOwed != 0 {
		t.Errorf("buyer without a referrer must not accrue rewards: %+v", acct)
	}
}

func TestPurchase_RetriedSubmission_CreditsOnce(t *testing.T) {
	// GIVEN: wallet-a (referred by wallet-ref) purchases with ref "tx-1"
	// WHEN: The same submission is retried
	// THEN: The referrer is credited exactly once

	ledger, mem := newTestLedger()
	ctx := context.Background()
	savePack(t, mem, "starter", 10*nano, 5, 0)

	if _, err := ledger.Register(ctx, "wallet-a", "wallet-ref"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	req := buy("starter", "wallet-a", 10*nano)
	req.ExternalRef = "tx-1"
	for i := 0; i < 3; i++ {
		if _, err := ledger.AttemptPurchase(ctx, req); err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
	}

	ref, _ := mem.GetAccount(ctx, "wallet-ref")
	if ref.RewardBalance != 50 {
		t.Errorf("retries must not re-credit: balance %d", ref.RewardBalance)
	}
}

func TestPurchase_RejectedAttempt_NoCredit(t *testing.T) {
	ledger, mem := newTestLedger()
	ctx := context.Background()
	savePack(t, mem, "starter", 10*nano, 5, 0)

	if _, err := ledger.Register(ctx, "wallet-a", "wallet-ref"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := ledger.AttemptPurchase(ctx, buy("starter", "wallet-a", 9*nano)); !errors.Is(err, presale.ErrPriceMismatch) {
		t.Fatalf("expected ErrPriceMismatch, got %v", err)
	}

	ref, _ := mem.GetAccount(ctx, "wallet-ref")
	if ref.RewardBalance != 0 || ref.TonOwed != 0 {
		t.Errorf("rejected attempt must not credit: %+v", ref)
	}
}

func TestPurchase_ConcurrentBuyers_AllCreditsLand(t *testing.T) {
	// GIVEN: Two buyers sharing one referrer, buying different packs
	// WHEN: Their purchases run concurrently
	// THEN: Both credits land, no lost update on the shared balance

	ledger, mem := newTestLedger()
	ctx := context.Background()
	savePack(t, mem, "alpha", 10*nano, 5, 0)
	savePack(t, mem, "beta", 10*nano, 5, 0)

	for _, w := range []string{"wallet-a", "wallet-b"} {
		if _, err := ledger.Register(ctx, w, "wallet-ref"); err != nil {
			t.Fatalf("register %s failed: %v", w, err)
		}
	}

	var wg sync.WaitGroup
	for _, p := range []struct{ pack, buyer string }{
		{"alpha", "wallet-a"},
		{"beta", "wallet-b"},
	} {
		wg.Add(1)
		go func(pack, buyer string) {
			defer wg.Done()
			if _, err := ledger.AttemptPurchase(ctx, buy(pack, buyer, 10*nano)); err != nil {
				t.Errorf("purchase %s/%s failed: %v", pack, buyer, err)
			}
		}(p.pack, p.buyer)
	}
	wg.Wait()

	ref, _ := mem.GetAccount(ctx, "wallet-ref")
	if ref.RewardBalance != 100 {
		t.Errorf("expected 100 FOOD after two referred purchases, got %d", ref.RewardBalance)
	}
}

// =============================================================================
// POLICY MATH
// =============================================================================

func TestBonusPolicy_ShareOf(t *testing.T) {
	tests := []struct {
		name  string
		bps   int
		price int64
		want  int64
	}{
		{"two percent of 10 TON", 200, 10 * nano, 200_000_000},
		{"rounds down", 200, 49, 0},
		{"zero bps", 0, 10 * nano, 0},
		{"negative bps credits nothing", -5, 10 * nano, 0},
		{"one bps of 1 TON", 1, nano, 100_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := presale.BonusPolicy{PriceShareBps: tt.bps}
			if got := p.ShareOf(tt.price); got != tt.want {
				t.Errorf("ShareOf(%d) = %d, want %d", tt.price, got, tt.want)
			}
		})
	}
}
