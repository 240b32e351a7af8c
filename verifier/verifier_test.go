package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"pyusdbridge/EVMRPC"
	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	bridgeAddr = common.HexToAddress("0x4Ca5E0b7d1B1D0f5D4F5e22bD8b4d3F1b9D2B228")
	otherAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	userAddr   = common.HexToAddress("0x71197e7a1CA5A2cb2AD82432B924F69B1E3dB123")
	recipient  = "0x71197e7a1ca5a2cb2ad82432b924f69b1e3db123"
	lockHash   = "0x" + fmt.Sprintf("%064x", 0xbeef)
)

type fakeChain struct {
	head     uint64
	receipts map[string]*types.Receipt
	err      error
}

func (f *fakeChain) ChainID() int64 { return 11155111 }

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.err
}

func (f *fakeChain) GetTransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", EVMRPC.ErrNotFound, txHash)
	}
	return r, nil
}

func lockLog(t *testing.T, emitter common.Address, amount int64, network, destination string) types.DecodedLog {
	t.Helper()
	l, err := EVMRPC.EncodeTokensLocked(emitter, userAddr, big.NewInt(amount), network, destination, big.NewInt(1727784000))
	require.NoError(t, err)
	l.TxHash = common.HexToHash(lockHash)
	l.BlockNumber = 100
	return EVMRPC.DecodeLog(l)
}

func receiptWith(status types.ReceiptStatus, logs ...types.DecodedLog) *types.Receipt {
	return &types.Receipt{TxHash: lockHash, Status: status, BlockNumber: 100, Logs: logs}
}

func newVerifier(chain SourceChain) *Verifier {
	return New(Opts{
		Chain:                 chain,
		BridgeAddress:         bridgeAddr,
		DestinationNetwork:    "hedera",
		RequiredConfirmations: 3,
		Logger:                zap.NewNop(),
	})
}

func TestVerifyValidLock(t *testing.T) {
	chain := &fakeChain{head: 110, receipts: map[string]*types.Receipt{
		lockHash: receiptWith(types.ReceiptSuccess, lockLog(t, bridgeAddr, 100_000000, "hedera", recipient)),
	}}

	ev, err := newVerifier(chain).Verify(context.Background(), lockHash)
	require.NoError(t, err)
	assert.Equal(t, lockHash, ev.SourceTxHash)
	assert.Equal(t, int64(11155111), ev.SourceChainID)
	assert.Equal(t, "100000000", ev.LockedAmount.String())
	assert.Equal(t, userAddr.Hex(), ev.SourceAccount)
	assert.Equal(t, common.HexToAddress(recipient).Hex(), ev.DestinationAccount)
	assert.Equal(t, uint64(10), ev.Confirmations)
	assert.Equal(t, int64(1727784000), ev.LockedAt.Unix())
}

func TestVerifyConfirmationBoundary(t *testing.T) {
	chain := &fakeChain{head: 102, receipts: map[string]*types.Receipt{
		lockHash: receiptWith(types.ReceiptSuccess, lockLog(t, bridgeAddr, 5, "hedera", recipient)),
	}}
	v := newVerifier(chain)

	_, err := v.Verify(context.Background(), lockHash)
	require.ErrorIs(t, err, ErrInsufficientConfirmations)
	assert.True(t, IsRetryable(err))

	chain.head = 103
	ev, err := v.Verify(context.Background(), lockHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Confirmations)
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name      string
		receipt   func(t *testing.T) *types.Receipt
		want      error
		retryable bool
	}{
		{
			name:      "not mined",
			receipt:   func(t *testing.T) *types.Receipt { return nil },
			want:      ErrTransactionNotFound,
			retryable: true,
		},
		{
			name: "reverted",
			receipt: func(t *testing.T) *types.Receipt {
				return receiptWith(types.ReceiptReverted)
			},
			want: ErrTransactionReverted,
		},
		{
			name: "no lock log",
			receipt: func(t *testing.T) *types.Receipt {
				return receiptWith(types.ReceiptSuccess, types.DecodedLog{Address: bridgeAddr.Hex()})
			},
			want: ErrMalformedEvent,
		},
		{
			name: "undecodable lock log",
			receipt: func(t *testing.T) *types.Receipt {
				return receiptWith(types.ReceiptSuccess, types.DecodedLog{
					Address:   bridgeAddr.Hex(),
					Event:     types.EventTokensLocked,
					DecodeErr: "TokensLocked: abi: cannot marshal in to go type",
				})
			},
			want: ErrMalformedEvent,
		},
		{
			name: "two lock logs",
			receipt: func(t *testing.T) *types.Receipt {
				return receiptWith(types.ReceiptSuccess,
					lockLog(t, bridgeAddr, 5, "hedera", recipient),
					lockLog(t, bridgeAddr, 6, "hedera", recipient))
			},
			want: ErrMalformedEvent,
		},
		{
			name: "zero amount",
			receipt: func(t *testing.T) *types.Receipt {
				return receiptWith(types.ReceiptSuccess, lockLog(t, bridgeAddr, 0, "hedera", recipient))
			},
			want: ErrMalformedEvent,
		},
		{
			name: "destination not an address",
			receipt: func(t *testing.T) *types.Receipt {
				return receiptWith(types.ReceiptSuccess, lockLog(t, bridgeAddr, 5, "hedera", "0.0.12345"))
			},
			want: ErrMalformedEvent,
		},
		{
			name: "emitted by another contract",
			receipt: func(t *testing.T) *types.Receipt {
				return receiptWith(types.ReceiptSuccess, lockLog(t, otherAddr, 5, "hedera", recipient))
			},
			want: ErrWrongDestination,
		},
		{
			name: "other network",
			receipt: func(t *testing.T) *types.Receipt {
				return receiptWith(types.ReceiptSuccess, lockLog(t, bridgeAddr, 5, "polygon", recipient))
			},
			want: ErrWrongDestination,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &fakeChain{head: 200, receipts: map[string]*types.Receipt{}}
			if r := tt.receipt(t); r != nil {
				chain.receipts[lockHash] = r
			}
			_, err := newVerifier(chain).Verify(context.Background(), lockHash)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestVerifyPropagatesRpcErrors(t *testing.T) {
	chain := &fakeChain{err: fmt.Errorf("eth_getTransactionReceipt: %w", EVMRPC.ErrRpcUnavailable)}
	_, err := newVerifier(chain).Verify(context.Background(), lockHash)
	require.ErrorIs(t, err, EVMRPC.ErrRpcUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	_, err := newVerifier(&fakeChain{}).Verify(context.Background(), "0x1234")
	assert.True(t, errors.Is(err, types.ErrInvalidTxHash))
}
