package postgres

// Integration tests against a real PostgreSQL. Skipped unless
// PRESALE_TEST_DATABASE_URL points at a disposable database, e.g.
//
//   PRESALE_TEST_DATABASE_URL=postgres://localhost:5432/presale_test go test ./store/postgres/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nukki/presale-engine/presale"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PRESALE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PRESALE_TEST_DATABASE_URL not set")
	}

	s, err := New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(),
			`TRUNCATE purchases, accounts, packs CASCADE`)
		s.Close()
	})
	return s
}

// packID returns a unique pack id per test run so runs against a shared
// database never collide.
func packID(prefix string) presale.PackID {
	return presale.PackID(prefix + "-" + uuid.NewString()[:8])
}

func seedPack(t *testing.T, s *Store, id presale.PackID, price int64, capacity, limit int) {
	t.Helper()
	require.NoError(t, s.SavePack(context.Background(), presale.Pack{
		ID:              id,
		Name:            string(id),
		UnitPrice:       price,
		Capacity:        capacity,
		PerAccountLimit: limit,
	}))
}

func TestStore_PackRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := packID("starter")
	seedPack(t, s, id, 10*presale.NanoPerTON, 3, 1)

	p, err := s.GetPack(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10*presale.NanoPerTON), p.UnitPrice)
	assert.Equal(t, 3, p.Capacity)
	assert.Equal(t, 0, p.Consumed)

	_, err = s.GetPack(ctx, "ghost")
	assert.ErrorIs(t, err, presale.ErrUnknownPack)
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := packID("starter")
	seedPack(t, s, id, 10*presale.NanoPerTON, 3, 0)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx presale.Tx) error {
		if _, err := tx.GetPackForUpdate(ctx, id); err != nil {
			return err
		}
		if err := tx.IncrementConsumed(ctx, id); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := s.GetPack(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Consumed)
}

func TestStore_RowLock_BoundedWait(t *testing.T) {
	// GIVEN: One transaction holding the pack's row lock
	// WHEN: A second transaction wants the same row past LockTimeout
	// THEN: It surfaces ErrBusy instead of queueing forever

	s := newTestStore(t)
	s.LockTimeout = 100 * time.Millisecond
	ctx := context.Background()
	id := packID("contended")
	seedPack(t, s, id, presale.NanoPerTON, 5, 0)

	acquired := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(tx presale.Tx) error {
			if _, err := tx.GetPackForUpdate(ctx, id); err != nil {
				return err
			}
			close(acquired)
			<-release
			return nil
		})
	}()

	<-acquired
	err := s.WithTx(ctx, func(tx presale.Tx) error {
		_, err := tx.GetPackForUpdate(ctx, id)
		return err
	})
	assert.ErrorIs(t, err, presale.ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestLedger_ConcurrentDemand_NeverOversells(t *testing.T) {
	const capacity = 5
	const extra = 3

	s := newTestStore(t)
	ledger := presale.NewLedger(s, presale.NewReferral(presale.DefaultBonusPolicy()), nil)
	ctx := context.Background()
	id := packID("hot")
	seedPack(t, s, id, presale.NanoPerTON, capacity, 0)

	var wg sync.WaitGroup
	results := make(chan error, capacity+extra)
	for i := 0; i < capacity+extra; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.AttemptPurchase(ctx, presale.PurchaseRequest{
				Buyer:        fmt.Sprintf("wallet-%d", i),
				PackID:       id,
				ClaimedPrice: presale.NanoPerTON,
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	successes, soldOut := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, presale.ErrSoldOut):
			soldOut++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, capacity, successes)
	assert.Equal(t, extra, soldOut)

	p, err := s.GetPack(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, capacity, p.Consumed)
}

func TestLedger_IdempotentReplayAndCredit(t *testing.T) {
	s := newTestStore(t)
	ledger := presale.NewLedger(s, presale.NewReferral(presale.DefaultBonusPolicy()), nil)
	ctx := context.Background()
	id := packID("starter")
	seedPack(t, s, id, 10*presale.NanoPerTON, 3, 0)

	buyer := "wallet-" + uuid.NewString()[:8]
	referrer := "wallet-" + uuid.NewString()[:8]
	_, err := ledger.Register(ctx, buyer, referrer)
	require.NoError(t, err)

	req := presale.PurchaseRequest{
		Buyer:        buyer,
		PackID:       id,
		ClaimedPrice: 10 * presale.NanoPerTON,
		ExternalRef:  "tx-" + uuid.NewString(),
	}

	first, err := ledger.AttemptPurchase(ctx, req)
	require.NoError(t, err)
	replay, err := ledger.AttemptPurchase(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.PurchaseID, replay.PurchaseID)

	p, err := s.GetPack(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Consumed)

	ref, err := s.GetAccount(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(50), ref.RewardBalance)
	assert.Equal(t, int64(200_000_000), ref.TonOwed)
}
