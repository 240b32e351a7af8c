// Package ledgertest runs the same ledger properties against every backend.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"pyusdbridge/ledger"
	"pyusdbridge/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty ledger; it is called once per subtest.
type Factory func(t *testing.T) ledger.Ledger

func TxHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func Seed(hash string) *types.MintRecord {
	return &types.MintRecord{
		SourceTxHash:       hash,
		SourceChainID:      11155111,
		DestinationChainID: 296,
		DestinationAccount: "0x71197e7a1CA5A2cb2AD82432B924F69B1E3dB123",
		LockedAmount:       big.NewInt(100_000000),
	}
}

func Run(t *testing.T, newLedger Factory) {
	ctx := context.Background()

	t.Run("admits unseen hash once", func(t *testing.T) {
		l := newLedger(t)
		adm, rec, err := l.TryBeginProcessing(ctx, Seed(TxHash(1)))
		require.NoError(t, err)
		assert.Equal(t, ledger.Admitted, adm)
		assert.Equal(t, types.MintStatusPending, rec.Status)
		assert.Equal(t, "100000000", rec.LockedAmount.String())
		assert.False(t, rec.CreatedAt.IsZero())

		adm, rec, err = l.TryBeginProcessing(ctx, Seed(TxHash(1)))
		require.NoError(t, err)
		assert.Equal(t, ledger.AlreadyProcessing, adm)
		require.NotNil(t, rec)
		assert.Equal(t, types.MintStatusPending, rec.Status)
	})

	t.Run("concurrent admission has one winner", func(t *testing.T) {
		l := newLedger(t)
		const workers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
			errs     []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				adm, _, err := l.TryBeginProcessing(ctx, Seed(TxHash(2)))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if adm == ledger.Admitted {
					admitted++
				}
			}()
		}
		wg.Wait()
		require.Empty(t, errs)
		assert.Equal(t, 1, admitted)
	})

	t.Run("minted is terminal", func(t *testing.T) {
		l := newLedger(t)
		_, _, err := l.TryBeginProcessing(ctx, Seed(TxHash(3)))
		require.NoError(t, err)

		rec, err := l.MarkMinted(ctx, TxHash(3), TxHash(103), big.NewInt(99_900000))
		require.NoError(t, err)
		assert.Equal(t, types.MintStatusMinted, rec.Status)
		assert.Equal(t, TxHash(103), rec.DestinationTxHash)
		assert.Equal(t, "99900000", rec.MintedAmount.String())

		got, err := l.Get(ctx, TxHash(3))
		require.NoError(t, err)
		assert.Equal(t, types.MintStatusMinted, got.Status)
		assert.Equal(t, "99900000", got.MintedAmount.String())
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

		adm, final, err := l.TryBeginProcessing(ctx, Seed(TxHash(3)))
		require.NoError(t, err)
		assert.Equal(t, ledger.AlreadyFinal, adm)
		assert.Equal(t, TxHash(103), final.DestinationTxHash)

		_, err = l.MarkMinted(ctx, TxHash(3), TxHash(104), big.NewInt(1))
		assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
		_, err = l.MarkFailed(ctx, TxHash(3), "late failure")
		assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

		got, err = l.Get(ctx, TxHash(3))
		require.NoError(t, err)
		assert.Equal(t, TxHash(103), got.DestinationTxHash)
	})

	t.Run("failed is terminal", func(t *testing.T) {
		l := newLedger(t)
		_, _, err := l.TryBeginProcessing(ctx, Seed(TxHash(4)))
		require.NoError(t, err)

		rec, err := l.MarkFailed(ctx, TxHash(4), "mint timed out")
		require.NoError(t, err)
		assert.Equal(t, types.MintStatusFailed, rec.Status)
		assert.Equal(t, "mint timed out", rec.FailureReason)

		_, err = l.MarkFailed(ctx, TxHash(4), "again")
		assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
		_, err = l.MarkMinted(ctx, TxHash(4), TxHash(104), big.NewInt(1))
		assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

		adm, final, err := l.TryBeginProcessing(ctx, Seed(TxHash(4)))
		require.NoError(t, err)
		assert.Equal(t, ledger.AlreadyFinal, adm)
		assert.Equal(t, types.MintStatusFailed, final.Status)
	})

	t.Run("missing records", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Get(ctx, TxHash(5))
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = l.MarkMinted(ctx, TxHash(5), TxHash(105), big.NewInt(1))
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = l.MarkFailed(ctx, TxHash(5), "x")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("hash case does not split records", func(t *testing.T) {
		l := newLedger(t)
		mixed := "0x" + strings.Repeat("Ab", 32)
		adm, rec, err := l.TryBeginProcessing(ctx, Seed(mixed))
		require.NoError(t, err)
		assert.Equal(t, ledger.Admitted, adm)
		assert.Equal(t, strings.ToLower(mixed), rec.SourceTxHash)

		adm, _, err = l.TryBeginProcessing(ctx, Seed(strings.ToLower(mixed)))
		require.NoError(t, err)
		assert.Equal(t, ledger.AlreadyProcessing, adm)

		_, err = l.Get(ctx, mixed)
		require.NoError(t, err)
	})

	t.Run("list by status", func(t *testing.T) {
		l := newLedger(t)
		for i := 10; i < 13; i++ {
			_, _, err := l.TryBeginProcessing(ctx, Seed(TxHash(i)))
			require.NoError(t, err)
		}
		_, err := l.MarkFailed(ctx, TxHash(11), "x")
		require.NoError(t, err)

		pending, err := l.ListByStatus(ctx, types.MintStatusPending)
		require.NoError(t, err)
		hashes := make([]string, 0, len(pending))
		for _, r := range pending {
			hashes = append(hashes, r.SourceTxHash)
		}
		assert.ElementsMatch(t, []string{TxHash(10), TxHash(12)}, hashes)

		failed, err := l.ListByStatus(ctx, types.MintStatusFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, TxHash(11), failed[0].SourceTxHash)
	})

	t.Run("rejects malformed hash", func(t *testing.T) {
		l := newLedger(t)
		_, _, err := l.TryBeginProcessing(ctx, Seed("0xnothex"))
		assert.ErrorIs(t, err, types.ErrInvalidTxHash)
	})
}

// RunCursor checks a BlockCursor implementation.
func RunCursor(t *testing.T, cursor ledger.BlockCursor) {
	ctx := context.Background()

	_, ok, err := cursor.GetScannedBlock(ctx, 11155111)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cursor.SetScannedBlock(ctx, 11155111, 4242))
	block, ok, err := cursor.GetScannedBlock(ctx, 11155111)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(4242), block)

	_, ok, err = cursor.GetScannedBlock(ctx, 296)
	require.NoError(t, err)
	assert.False(t, ok)
}
