package EVMRPC

import (
	"fmt"
	"math/big"
	"strings"

	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

type ethReceipt = ethtypes.Receipt

// DecodeReceipt converts a node receipt into the bridge receipt, decoding
// bridge events once here so callers never touch raw log data.
func DecodeReceipt(r *ethtypes.Receipt) *types.Receipt {
	out := &types.Receipt{
		TxHash: strings.ToLower(r.TxHash.Hex()),
		Status: types.ReceiptSuccess,
		Logs:   make([]types.DecodedLog, 0, len(r.Logs)),
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.Status != ethtypes.ReceiptStatusSuccessful {
		out.Status = types.ReceiptReverted
	}
	for _, l := range r.Logs {
		if l == nil {
			continue
		}
		out.Logs = append(out.Logs, DecodeLog(l))
	}
	return out
}

func DecodeLog(l *ethtypes.Log) types.DecodedLog {
	dl := types.DecodedLog{
		Address:     l.Address.Hex(),
		TxHash:      strings.ToLower(l.TxHash.Hex()),
		BlockNumber: l.BlockNumber,
		Index:       l.Index,
	}
	if len(l.Topics) == 0 {
		return dl
	}

	switch l.Topics[0] {
	case TokensLockedTopic:
		dl.Event = types.EventTokensLocked
		ev, err := decodeTokensLocked(l)
		if err != nil {
			dl.DecodeErr = err.Error()
		} else {
			dl.Locked = ev
		}
	case TokensMintedTopic:
		dl.Event = types.EventTokensMinted
		ev, err := decodeTokensMinted(l)
		if err != nil {
			dl.DecodeErr = err.Error()
		} else {
			dl.Minted = ev
		}
	}
	return dl
}

func decodeTokensLocked(l *ethtypes.Log) (*types.TokensLocked, error) {
	if len(l.Topics) != 2 {
		return nil, fmt.Errorf("TokensLocked: expected 2 topics, got %d", len(l.Topics))
	}
	var data struct {
		Amount             *big.Int
		DestinationNetwork string
		DestinationAddress string
		Timestamp          *big.Int
	}
	if err := BridgeABI.UnpackIntoInterface(&data, types.EventTokensLocked, l.Data); err != nil {
		return nil, fmt.Errorf("TokensLocked: %w", err)
	}
	return &types.TokensLocked{
		User:               common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		Amount:             data.Amount,
		DestinationNetwork: data.DestinationNetwork,
		DestinationAddress: data.DestinationAddress,
		Timestamp:          data.Timestamp,
	}, nil
}

func decodeTokensMinted(l *ethtypes.Log) (*types.TokensMinted, error) {
	if len(l.Topics) != 2 {
		return nil, fmt.Errorf("TokensMinted: expected 2 topics, got %d", len(l.Topics))
	}
	var data struct {
		Amount       *big.Int
		SourceTxHash [32]byte
	}
	if err := BridgeABI.UnpackIntoInterface(&data, types.EventTokensMinted, l.Data); err != nil {
		return nil, fmt.Errorf("TokensMinted: %w", err)
	}
	return &types.TokensMinted{
		User:         common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		Amount:       data.Amount,
		SourceTxHash: processedKeyHex(data.SourceTxHash),
	}, nil
}

// EncodeTokensLocked builds the log a bridge emits for a lock; used by tests and tooling.
func EncodeTokensLocked(bridge, user common.Address, amount *big.Int, network, destination string, timestamp *big.Int) (*ethtypes.Log, error) {
	data, err := BridgeABI.Events[types.EventTokensLocked].Inputs.NonIndexed().Pack(amount, network, destination, timestamp)
	if err != nil {
		return nil, err
	}
	return &ethtypes.Log{
		Address: bridge,
		Topics:  []common.Hash{TokensLockedTopic, common.BytesToHash(user.Bytes())},
		Data:    data,
	}, nil
}
