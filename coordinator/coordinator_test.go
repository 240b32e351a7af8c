package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"pyusdbridge/EVMRPC"
	"pyusdbridge/badgerdb"
	"pyusdbridge/ledger"
	"pyusdbridge/metrics"
	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mintCall struct {
	user   common.Address
	amount *big.Int
	key    [32]byte
}

type fakeDest struct {
	mu        sync.Mutex
	active    bool
	liquidity *big.Int
	processed bool
	infoErr   error
	submitErr error
	waitErr   error
	waitDelay time.Duration
	mints     []mintCall
}

func newFakeDest() *fakeDest {
	return &fakeDest{active: true, liquidity: big.NewInt(1_000_000_000000)}
}

func (f *fakeDest) ChainID() int64 { return 296 }

func (f *fakeDest) BridgeInfo(ctx context.Context) (*EVMRPC.BridgeInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return &EVMRPC.BridgeInfo{IsActive: f.active, TotalLocked: big.NewInt(0), Fee: big.NewInt(0)}, nil
}

func (f *fakeDest) BridgeLiquidity(ctx context.Context) (*big.Int, error) {
	return f.liquidity, nil
}

func (f *fakeDest) IsProcessed(ctx context.Context, key [32]byte) (bool, error) {
	return f.processed, nil
}

func (f *fakeDest) SubmitMint(ctx context.Context, signer *bind.TransactOpts, user common.Address, amount *big.Int, key [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.mints = append(f.mints, mintCall{user: user, amount: amount, key: key})
	return fmt.Sprintf("0x%064x", 0xd000+len(f.mints)), nil
}

func (f *fakeDest) WaitForConfirmation(ctx context.Context, txHash string, required uint64, timeout time.Duration) (*types.Receipt, error) {
	if f.waitDelay > 0 {
		select {
		case <-time.After(f.waitDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", EVMRPC.ErrTimeout, txHash)
		}
	}
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &types.Receipt{TxHash: txHash, Status: types.ReceiptSuccess}, nil
}

func (f *fakeDest) mintCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mints)
}

func testSigner(t *testing.T) *bind.TransactOpts {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(296))
	require.NoError(t, err)
	return signer
}

type harness struct {
	coord   *Coordinator
	ledger  ledger.Ledger
	chain   *fakeDest
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, tweak func(*Opts)) *harness {
	t.Helper()
	l, err := badgerdb.Open("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	h := &harness{ledger: l, chain: newFakeDest(), metrics: metrics.New()}
	opts := Opts{
		Ledger:         l,
		Chain:          h.chain,
		Signer:         testSigner(t),
		Metrics:        h.metrics,
		Logger:         zap.NewNop(),
		FeeBasisPoints: 10,
		SubmitTimeout:  time.Second,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.coord = New(opts)
	return h
}

func lockEvent(n int, amount int64) *types.LockEvent {
	return &types.LockEvent{
		SourceTxHash:       fmt.Sprintf("0x%064x", n),
		SourceChainID:      11155111,
		LockedAmount:       big.NewInt(amount),
		SourceAccount:      "0x71197e7a1CA5A2cb2AD82432B924F69B1E3dB123",
		DestinationAccount: "0x71197e7a1CA5A2cb2AD82432B924F69B1E3dB123",
		DestinationNetwork: "hedera",
	}
}

func TestFee(t *testing.T) {
	tests := []struct {
		amount int64
		bps    int64
		want   int64
	}{
		{100_000000, 10, 99_900000},
		{100_000000, 0, 100_000000},
		{1, 10, 1},
		{9999, 1, 9999},
		{10000, 1, 9999},
		{123_456789, 30, 123_086419},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%d", tt.amount, tt.bps), func(t *testing.T) {
			got := MintAmount(big.NewInt(tt.amount), tt.bps)
			assert.Equal(t, tt.want, got.Int64())
			// same input, same output
			assert.Equal(t, got.String(), MintAmount(big.NewInt(tt.amount), tt.bps).String())
		})
	}
}

func TestProcessLockMints(t *testing.T) {
	h := newHarness(t, nil)
	ev := lockEvent(1, 100_000000)

	rec, err := h.coord.ProcessLock(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, types.MintStatusMinted, rec.Status)
	assert.Equal(t, "99900000", rec.MintedAmount.String())
	assert.Equal(t, int64(296), rec.DestinationChainID)
	assert.NotEmpty(t, rec.DestinationTxHash)

	require.Equal(t, 1, h.chain.mintCount())
	call := h.chain.mints[0]
	assert.Equal(t, common.HexToAddress(ev.DestinationAccount), call.user)
	assert.Equal(t, EVMRPC.ProcessedKey(ev.SourceTxHash), call.key)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MintOutcomes.WithLabelValues("minted")))
}

func TestProcessLockReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ev := lockEvent(2, 50_000000)

	first, err := h.coord.ProcessLock(context.Background(), ev)
	require.NoError(t, err)
	second, err := h.coord.ProcessLock(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, first.DestinationTxHash, second.DestinationTxHash)
	assert.Equal(t, first.MintedAmount.String(), second.MintedAmount.String())
	assert.Equal(t, 1, h.chain.mintCount())
}

func TestProcessLockConcurrentSingleMint(t *testing.T) {
	h := newHarness(t, nil)
	h.chain.waitDelay = 50 * time.Millisecond
	ev := lockEvent(3, 10_000000)

	const callers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		minted     int
		inProgress int
		other      []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.coord.ProcessLock(context.Background(), ev)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrProcessingInProgress):
				inProgress++
			case err == nil && rec.Status == types.MintStatusMinted:
				minted++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, callers, minted+inProgress)
	assert.GreaterOrEqual(t, minted, 1)
	assert.Equal(t, 1, h.chain.mintCount())
}

func TestProcessLockTimeoutFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, func(o *Opts) { o.SubmitTimeout = 20 * time.Millisecond })
	h.chain.waitDelay = time.Second
	ev := lockEvent(4, 10_000000)

	rec, err := h.coord.ProcessLock(context.Background(), ev)
	require.ErrorIs(t, err, ErrMintSubmissionFailed)
	require.ErrorIs(t, err, EVMRPC.ErrTimeout)
	require.NotNil(t, rec)
	assert.Equal(t, types.MintStatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "mint tx 0x")

	again, err := h.coord.ProcessLock(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, types.MintStatusFailed, again.Status)
	assert.Equal(t, rec.FailureReason, again.FailureReason)
	assert.Equal(t, 1, h.chain.mintCount())
}

func TestProcessLockFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fakeDest)
		opts    func(*Opts)
		amount  int64
		want    error
		submits int
	}{
		{
			name:   "bridge paused",
			setup:  func(f *fakeDest) { f.active = false },
			amount: 10,
			want:   ErrInsufficientBridgeLiquidity,
		},
		{
			name:   "not enough wrapped tokens",
			setup:  func(f *fakeDest) { f.liquidity = big.NewInt(5) },
			amount: 1_000,
			want:   ErrInsufficientBridgeLiquidity,
		},
		{
			name:   "already minted on chain",
			setup:  func(f *fakeDest) { f.processed = true },
			amount: 10,
			want:   ErrAlreadyMintedOnChain,
		},
		{
			name:   "below minimum",
			opts:   func(o *Opts) { o.MinAmount = big.NewInt(1_000000) },
			amount: 999_999,
			want:   ErrAmountOutOfLimits,
		},
		{
			name:   "above maximum",
			opts:   func(o *Opts) { o.MaxAmount = big.NewInt(1_000000) },
			amount: 1_000001,
			want:   ErrAmountOutOfLimits,
		},
		{
			name:   "node rejects",
			setup:  func(f *fakeDest) { f.submitErr = fmt.Errorf("%w: nonce too low", EVMRPC.ErrSubmissionFailed) },
			amount: 10,
			want:   ErrMintSubmissionFailed,
		},
		{
			name:    "reverted",
			setup:   func(f *fakeDest) { f.waitErr = EVMRPC.ErrReverted },
			amount:  10,
			want:    ErrMintSubmissionFailed,
			submits: 1,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			if tt.setup != nil {
				tt.setup(h.chain)
			}
			ev := lockEvent(100+i, tt.amount)

			rec, err := h.coord.ProcessLock(context.Background(), ev)
			require.ErrorIs(t, err, tt.want)
			require.NotNil(t, rec)
			assert.Equal(t, types.MintStatusFailed, rec.Status)
			assert.NotEmpty(t, rec.FailureReason)
			assert.Equal(t, tt.submits, h.chain.mintCount())

			stored, err := h.ledger.Get(context.Background(), ev.SourceTxHash)
			require.NoError(t, err)
			assert.Equal(t, types.MintStatusFailed, stored.Status)
		})
	}
}

func TestProcessLockGuardWaitIsBoundedBySubmitTimeout(t *testing.T) {
	guard := NewSubmitGuard()
	h := newHarness(t, func(o *Opts) {
		o.Guard = guard
		o.SubmitTimeout = 20 * time.Millisecond
	})

	release, err := guard.Acquire(context.Background(), 296, h.coord.signer.From)
	require.NoError(t, err)
	defer release()

	rec, err := h.coord.ProcessLock(context.Background(), lockEvent(5, 10))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, rec)
	assert.Equal(t, types.MintStatusFailed, rec.Status)
	assert.Zero(t, h.chain.mintCount())
}

func TestProcessLockOutlivesCaller(t *testing.T) {
	h := newHarness(t, func(o *Opts) { o.SubmitTimeout = 10 * time.Second })
	h.chain.waitDelay = 200 * time.Millisecond
	ev := lockEvent(6, 10_000000)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	rec, err := h.coord.ProcessLock(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, types.MintStatusMinted, rec.Status)
	assert.Equal(t, 1, h.chain.mintCount())

	stored, err := h.ledger.Get(context.Background(), ev.SourceTxHash)
	require.NoError(t, err)
	assert.Equal(t, types.MintStatusMinted, stored.Status)
}

func TestProcessLockLiquidityRPCFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.chain.infoErr = fmt.Errorf("%w: all endpoints failed", EVMRPC.ErrRpcUnavailable)
	ev := lockEvent(7, 10_000000)

	rec, err := h.coord.ProcessLock(context.Background(), ev)
	require.ErrorIs(t, err, EVMRPC.ErrRpcUnavailable)
	assert.NotErrorIs(t, err, ErrInsufficientBridgeLiquidity)
	require.NotNil(t, rec)
	assert.Equal(t, types.MintStatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "liquidity check rpc failure")
	assert.Zero(t, h.chain.mintCount())
}

func TestSubmitGuardSerializes(t *testing.T) {
	g := NewSubmitGuard()
	op := common.HexToAddress("0x01")

	release, err := g.Acquire(context.Background(), 296, op)
	require.NoError(t, err)

	// another operator is independent
	other, err := g.Acquire(context.Background(), 296, common.HexToAddress("0x02"))
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, 296, op)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := g.Acquire(context.Background(), 296, op)
	require.NoError(t, err)
	again()
}
