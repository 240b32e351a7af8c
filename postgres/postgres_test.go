package postgres

import (
	"context"
	"os"
	"testing"

	"pyusdbridge/ledger"
	"pyusdbridge/ledger/ledgertest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := os.Getenv("BRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BRIDGE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	l, err := Connect(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	_, err = l.db.ExecContext(ctx, `TRUNCATE mint_records, scan_cursors`)
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
