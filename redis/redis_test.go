package redis

import (
	"context"
	"testing"

	"pyusdbridge/ledger"
	"pyusdbridge/ledger/ledgertest"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := New(context.Background(), mr.Addr(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		return newTestLedger(t)
	})
}

func TestBlockCursor(t *testing.T) {
	ledgertest.RunCursor(t, newTestLedger(t))
}

func TestStatusSetsFollowTransitions(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := New(context.Background(), mr.Addr(), zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	hash := ledgertest.TxHash(77)
	_, _, err = l.TryBeginProcessing(ctx, ledgertest.Seed(hash))
	require.NoError(t, err)

	ok, err := mr.IsMember("mintrecords:pending", recordKey(hash))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = l.MarkFailed(ctx, hash, "rpc timeout")
	require.NoError(t, err)

	// miniredis drops the emptied set, so read it leniently
	members, _ := mr.Members("mintrecords:pending")
	require.NotContains(t, members, recordKey(hash))
	ok, err = mr.IsMember("mintrecords:failed", recordKey(hash))
	require.NoError(t, err)
	require.True(t, ok)
}
