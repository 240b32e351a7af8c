package EVMRPC

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// TxRequest is an unsigned contract call; nonce and gas price are filled at submission.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0: chain default, or estimate when the chain has none
}

// NewKeyedSigner builds a transactor for the given hex private key on chainID.
func NewKeyedSigner(privateKey string, chainID int64) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("error instantiating private key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, fmt.Errorf("error instantiating transactor: %w", err)
	}
	return auth, nil
}

// SubmitTransaction signs and broadcasts req. It fails with ErrInsufficientFunds,
// ErrRejected when the signer refuses, or ErrSubmissionFailed when the node refuses.
func (c *Client) SubmitTransaction(ctx context.Context, req TxRequest, signer *bind.TransactOpts) (string, error) {
	if signer == nil || signer.Signer == nil {
		return "", fmt.Errorf("%w: no signer", ErrRejected)
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	nonce, err := withClient(ctx, c, "eth_getTransactionCount", func(client *ethclient.Client) (uint64, error) {
		return client.PendingNonceAt(ctx, signer.From)
	})
	if err != nil {
		return "", fmt.Errorf("error getting nonce for wallet: %w", classifySendError(err))
	}

	gasPrice, err := withClient(ctx, c, "eth_gasPrice", func(client *ethclient.Client) (*big.Int, error) {
		return client.SuggestGasPrice(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("error getting suggested gas price: %w", classifySendError(err))
	}
	if floor := new(big.Int).SetUint64(c.cfg.MinGasPrice); gasPrice.Cmp(floor) < 0 {
		gasPrice = floor
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = c.cfg.GasLimit
	}
	if gasLimit == 0 {
		msg := ethereum.CallMsg{From: signer.From, To: &req.To, Value: value, Data: req.Data}
		estimated, err := withClient(ctx, c, "eth_estimateGas", func(client *ethclient.Client) (uint64, error) {
			return client.EstimateGas(ctx, msg)
		})
		if err != nil {
			return "", fmt.Errorf("error estimating gas: %w", classifySendError(err))
		}
		gasLimit = estimated * 120 / 100
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &req.To,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := signer.Signer(signer.From, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	_, err = withClient(ctx, c, "eth_sendRawTransaction", func(client *ethclient.Client) (struct{}, error) {
		return struct{}{}, client.SendTransaction(ctx, signed)
	})
	// a retry on another endpoint may see the first broadcast
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already known") {
		return "", classifySendError(err)
	}

	hash := strings.ToLower(signed.Hash().Hex())
	c.logger.Info("Transaction sent",
		zap.String("tx_hash", hash),
		zap.String("to", req.To.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit),
		zap.String("gas_price", gasPrice.String()))
	return hash, nil
}

// SubmitMint calls mintTokens(user, amount, key) on this chain's bridge.
func (c *Client) SubmitMint(ctx context.Context, signer *bind.TransactOpts, user common.Address, amount *big.Int, key [32]byte) (string, error) {
	data, err := BridgeABI.Pack("mintTokens", user, amount, key)
	if err != nil {
		return "", fmt.Errorf("failed to pack mintTokens: %w", err)
	}
	return c.SubmitTransaction(ctx, TxRequest{To: c.bridge, Data: data}, signer)
}

// SubmitApprove lets this chain's bridge pull amount of the token from the signer.
func (c *Client) SubmitApprove(ctx context.Context, signer *bind.TransactOpts, amount *big.Int) (string, error) {
	data, err := ERC20ABI.Pack("approve", c.bridge, amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack approve: %w", err)
	}
	return c.SubmitTransaction(ctx, TxRequest{To: c.token, Data: data}, signer)
}

// SubmitLock calls lockTokensToHedera, paying the bridge's native fee as value.
func (c *Client) SubmitLock(ctx context.Context, signer *bind.TransactOpts, amount *big.Int, destination string, fee *big.Int) (string, error) {
	data, err := BridgeABI.Pack("lockTokensToHedera", amount, destination)
	if err != nil {
		return "", fmt.Errorf("failed to pack lockTokensToHedera: %w", err)
	}
	return c.SubmitTransaction(ctx, TxRequest{To: c.bridge, Data: data, Value: fee}, signer)
}

// WaitForConfirmation polls until txHash has the required confirmations.
// It fails with ErrReverted as soon as a failed receipt shows up and with
// ErrTimeout when the timeout passes first.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, required uint64, timeout time.Duration) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetTransactionReceipt(waitCtx, txHash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptReverted {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, txHash)
			}
			head, err := c.BlockNumber(waitCtx)
			if err == nil && Confirmations(head, receipt.BlockNumber) >= required {
				return receipt, nil
			}
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, types.ErrInvalidTxHash):
			return nil, err
		default:
			if waitCtx.Err() == nil {
				c.logger.Warn("Error polling receipt", zap.String("tx_hash", txHash), zap.Error(err))
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, txHash, timeout)
		case <-ticker.C:
		}
	}
}
