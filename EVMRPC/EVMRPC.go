package EVMRPC

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"pyusdbridge/config"
	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrRpcUnavailable    = errors.New("rpc unavailable")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRejected          = errors.New("signer rejected transaction")
	ErrSubmissionFailed  = errors.New("transaction submission failed")
	ErrTimeout           = errors.New("timed out waiting for transaction")
	ErrReverted          = errors.New("transaction reverted")
)

const defaultBackoff = 250 * time.Millisecond

type endpoint struct {
	url string
	eth *ethclient.Client
}

// Client is a ChainClient for one EVM chain, failing over across its RPC list.
type Client struct {
	cfg       config.ChainConfig
	chainID   *big.Int
	bridge    common.Address
	token     common.Address
	endpoints []endpoint
	logger    *zap.Logger

	retries int
	backoff time.Duration
}

type ClientOpts struct {
	Chain   config.ChainConfig
	Logger  *zap.Logger
	Retries int           // attempts for transport errors, default config.EVM_RETRIES
	Backoff time.Duration // first retry delay, doubled on each attempt
}

func NewClient(ctx context.Context, opts ClientOpts) (*Client, error) {
	if len(opts.Chain.RPCList) == 0 {
		return nil, fmt.Errorf("chain %s has no rpc endpoints", opts.Chain.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:     opts.Chain,
		chainID: big.NewInt(opts.Chain.ChainID),
		bridge:  common.HexToAddress(opts.Chain.BridgeAddress),
		token:   common.HexToAddress(opts.Chain.TokenAddress),
		logger:  logger.Named("evmrpc").With(zap.String("chain", opts.Chain.Name)),
		retries: opts.Retries,
		backoff: opts.Backoff,
	}
	if c.retries <= 0 {
		c.retries = config.EVM_RETRIES
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	if c.cfg.PollInterval <= 0 {
		c.cfg.PollInterval = config.DefaultChainPollInterval
	}

	for _, url := range opts.Chain.RPCList {
		eth, err := ethclient.DialContext(ctx, url)
		if err != nil {
			c.logger.Warn("Error connecting to rpc", zap.String("rpc", url), zap.Error(err))
			continue
		}
		c.endpoints = append(c.endpoints, endpoint{url: url, eth: eth})
	}
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("%w: no reachable rpc endpoint for chain %s", ErrRpcUnavailable, opts.Chain.Name)
	}
	return c, nil
}

func (c *Client) Close() {
	for _, ep := range c.endpoints {
		ep.eth.Close()
	}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) ChainID() int64 { return c.cfg.ChainID }

func (c *Client) Bridge() common.Address { return c.bridge }

func (c *Client) Token() common.Address { return c.token }

// withClient runs f against the RPC list, rotating endpoint on every attempt.
// Only transport errors are retried; node answers are returned as they are.
func withClient[T any](ctx context.Context, c *Client, op string, f func(client *ethclient.Client) (T, error)) (res T, err error) {
	delay := c.backoff
	for attempt := 0; attempt < c.retries; attempt++ {
		ep := c.endpoints[attempt%len(c.endpoints)]
		res, err = f(ep.eth)
		if err == nil || !isTransient(err) {
			return res, err
		}
		c.logger.Warn("rpc call failed",
			zap.String("op", op),
			zap.String("rpc", ep.url),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt == c.retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return res, fmt.Errorf("%w: %s on %s: %v", ErrRpcUnavailable, op, c.cfg.Name, err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	// JSON-RPC error objects come from the node itself
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return withClient(ctx, c, "eth_blockNumber", func(client *ethclient.Client) (uint64, error) {
		return client.BlockNumber(ctx)
	})
}

// GetTransactionReceipt returns ErrNotFound while the transaction is unknown or unmined.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	hash, err := types.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	receipt, err := withClient(ctx, c, "eth_getTransactionReceipt", func(client *ethclient.Client) (*ethReceipt, error) {
		return client.TransactionReceipt(ctx, common.HexToHash(hash))
	})
	if errors.Is(err, ethereum.NotFound) || err == nil && receipt == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return DecodeReceipt(receipt), nil
}

// GetConfirmations is the current height minus the receipt block, 0 when it is the latest block.
func (c *Client) GetConfirmations(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := c.GetTransactionReceipt(ctx, txHash)
	if err != nil {
		return 0, err
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return Confirmations(head, receipt.BlockNumber), nil
}

func Confirmations(head, block uint64) uint64 {
	if head <= block {
		return 0
	}
	return head - block
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrRpcUnavailable):
		return err
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	default:
		return fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
}
