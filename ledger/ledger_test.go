package ledger

import (
	"math/big"
	"testing"
	"time"

	"pyusdbridge/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPendingRecordResetsOutcome(t *testing.T) {
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	seed := &types.MintRecord{
		SourceTxHash:      "0xABCDEF0000000000000000000000000000000000000000000000000000000001",
		Status:            types.MintStatusMinted,
		DestinationTxHash: "0x01",
		MintedAmount:      big.NewInt(5),
		LockedAmount:      big.NewInt(10),
	}
	rec, err := NewPendingRecord(seed, now)
	require.NoError(t, err)

	assert.Equal(t, "0xabcdef0000000000000000000000000000000000000000000000000000000001", rec.SourceTxHash)
	assert.Equal(t, types.MintStatusPending, rec.Status)
	assert.Empty(t, rec.DestinationTxHash)
	assert.Nil(t, rec.MintedAmount)
	assert.Equal(t, now, rec.CreatedAt)

	// the seed is not aliased
	rec.LockedAmount.SetInt64(1)
	assert.Equal(t, int64(10), seed.LockedAmount.Int64())
}

func TestTransitions(t *testing.T) {
	now := time.Now()
	pending := &types.MintRecord{SourceTxHash: "0x01", Status: types.MintStatusPending}

	minted, err := ApplyMinted(pending, "0xdead", big.NewInt(7), now)
	require.NoError(t, err)
	assert.Equal(t, types.MintStatusMinted, minted.Status)
	assert.Equal(t, types.MintStatusPending, pending.Status)

	_, err = ApplyMinted(pending, "", big.NewInt(7), now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	failed, err := ApplyFailed(pending, "reverted", now)
	require.NoError(t, err)
	assert.Equal(t, "reverted", failed.FailureReason)

	for _, terminal := range []*types.MintRecord{minted, failed} {
		_, err = ApplyMinted(terminal, "0xbeef", big.NewInt(1), now)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = ApplyFailed(terminal, "again", now)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, AlreadyFinal, Classify(terminal))
	}
	assert.Equal(t, AlreadyProcessing, Classify(pending))
}
