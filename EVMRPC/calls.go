package EVMRPC

import (
	"context"
	"fmt"
	"math/big"

	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

type BridgeInfo struct {
	Token       common.Address
	TotalLocked *big.Int
	Fee         *big.Int // native fee the bridge charges per lock
	IsActive    bool
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := withClient(ctx, c, "eth_call:"+method, func(client *ethclient.Client) ([]byte, error) {
		return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *Client) BridgeInfo(ctx context.Context) (*BridgeInfo, error) {
	values, err := c.call(ctx, c.bridge, BridgeABI, "getBridgeInfo")
	if err != nil {
		return nil, err
	}
	if len(values) < 4 {
		return nil, fmt.Errorf("getBridgeInfo: expected 4 values, got %d", len(values))
	}
	info := &BridgeInfo{}
	var ok [4]bool
	info.Token, ok[0] = values[0].(common.Address)
	info.TotalLocked, ok[1] = values[1].(*big.Int)
	info.Fee, ok[2] = values[2].(*big.Int)
	info.IsActive, ok[3] = values[3].(bool)
	for i, good := range ok {
		if !good {
			return nil, fmt.Errorf("getBridgeInfo: unexpected type for value %d", i)
		}
	}
	return info, nil
}

func (c *Client) IsProcessed(ctx context.Context, key [32]byte) (bool, error) {
	values, err := c.call(ctx, c.bridge, BridgeABI, "processedTransactions", key)
	if err != nil {
		return false, err
	}
	processed, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("processedTransactions: unexpected type %T", values[0])
	}
	return processed, nil
}

// TokenBalance is the chain token balance (PYUSD or wPYUSD) held by holder.
func (c *Client) TokenBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	values, err := c.call(ctx, c.token, ERC20ABI, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return bigValue("balanceOf", values)
}

// BridgeLiquidity is the wrapped-token balance the bridge can mint from.
func (c *Client) BridgeLiquidity(ctx context.Context) (*big.Int, error) {
	return c.TokenBalance(ctx, c.bridge)
}

// Allowance is what owner allowed the bridge to pull.
func (c *Client) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	values, err := c.call(ctx, c.token, ERC20ABI, "allowance", owner, c.bridge)
	if err != nil {
		return nil, err
	}
	return bigValue("allowance", values)
}

func bigValue(method string, values []interface{}) (*big.Int, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected type %T", method, values[0])
	}
	return v, nil
}

// FilterLocks returns decoded TokensLocked logs of the bridge in [from, to].
func (c *Client) FilterLocks(ctx context.Context, from, to uint64) ([]types.DecodedLog, error) {
	logs, err := withClient(ctx, c, "eth_getLogs", func(client *ethclient.Client) ([]ethtypes.Log, error) {
		return client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{c.bridge},
			Topics:    [][]common.Hash{{TokensLockedTopic}},
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]types.DecodedLog, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		out = append(out, DecodeLog(&logs[i]))
	}
	return out, nil
}
