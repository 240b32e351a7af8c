package app

import (
	"context"
	"strconv"
	"testing"

	"pyusdbridge/config"
	"pyusdbridge/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	tests := []struct {
		name  string
		setup func(cfg *config.Configuration)
	}{
		{"redis", func(cfg *config.Configuration) {
			cfg.Ledger.Backend = "redis"
			cfg.Ledger.RedisHost = mr.Host()
			cfg.Ledger.RedisPort = port
		}},
		{"badger", func(cfg *config.Configuration) {
			cfg.Ledger.Backend = "badger"
			cfg.Ledger.BadgerPath = t.TempDir()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Configuration{}
			tt.setup(cfg)
			l, err := OpenLedger(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			defer l.Close()

			_, err = l.Get(context.Background(), "0x1111111111111111111111111111111111111111111111111111111111111111")
			assert.Error(t, err)
			records, err := l.ListByStatus(context.Background(), types.MintStatusPending)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestOpenLedgerFailures(t *testing.T) {
	cfg := &config.Configuration{}
	cfg.Ledger.Backend = "sqlite"
	l, err := OpenLedger(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, l)

	cfg.Ledger.Backend = "redis"
	cfg.Ledger.RedisHost = "127.0.0.1"
	cfg.Ledger.RedisPort = 1
	l, err = OpenLedger(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, l)
}

func TestNewRequiresOperatorKey(t *testing.T) {
	cfg := &config.Configuration{}
	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "private key")
}
