package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pyusdbridge/EVMRPC"
	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// EVMWallet signs source-chain approvals and locks with a local key.
type EVMWallet struct {
	client        *EVMRPC.Client
	signer        *bind.TransactOpts
	confirmations uint64
	timeout       time.Duration
}

func NewEVMWallet(client *EVMRPC.Client, signer *bind.TransactOpts, confirmations uint64, timeout time.Duration) *EVMWallet {
	return &EVMWallet{client: client, signer: signer, confirmations: confirmations, timeout: timeout}
}

func (w *EVMWallet) Address() common.Address {
	return w.signer.From
}

func (w *EVMWallet) Allowance(ctx context.Context) (*big.Int, error) {
	return w.client.Allowance(ctx, w.signer.From)
}

func (w *EVMWallet) Approve(ctx context.Context, amount *big.Int) (string, error) {
	return w.client.SubmitApprove(ctx, w.signer, amount)
}

// Lock pays the bridge's current native fee along with the lock call.
func (w *EVMWallet) Lock(ctx context.Context, amount *big.Int, destination string) (string, error) {
	info, err := w.client.BridgeInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("reading bridge fee: %w", err)
	}
	if !info.IsActive {
		return "", errors.New("source bridge is paused")
	}
	return w.client.SubmitLock(ctx, w.signer, amount, destination, info.Fee)
}

// WaitForReceipt reports a reverted transaction through the receipt status.
func (w *EVMWallet) WaitForReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	receipt, err := w.client.WaitForConfirmation(ctx, txHash, w.confirmations, w.timeout)
	if errors.Is(err, EVMRPC.ErrReverted) && receipt != nil {
		return receipt, nil
	}
	return receipt, err
}
