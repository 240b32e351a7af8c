// Package handlers serves the bridge HTTP API.
package handlers

import (
	"context"
	"math/big"

	"pyusdbridge/EVMRPC"
	"pyusdbridge/bridge"
	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type BridgeService interface {
	Handle(ctx context.Context, req types.BridgeRequest) bridge.Result
	Status(ctx context.Context, sourceTxHash string) bridge.Result
}

type RecordLister interface {
	ListByStatus(ctx context.Context, status types.MintStatus) ([]*types.MintRecord, error)
}

// Chain is what the API reads from either side of the bridge.
type Chain interface {
	Name() string
	ChainID() int64
	Bridge() common.Address
	Token() common.Address
	BridgeInfo(ctx context.Context) (*EVMRPC.BridgeInfo, error)
	BridgeLiquidity(ctx context.Context) (*big.Int, error)
	Probe() []EVMRPC.ProbeResult
}

// Limits are the static bridge parameters reported by /bridge/info.
type Limits struct {
	DestinationNetwork     string
	RequiredConfirmations  uint64
	ProtocolFeeBasisPoints int64
	MinAmount              *big.Int
	MaxAmount              *big.Int
}

type Handlers struct {
	bridge      BridgeService
	records     RecordLister
	source      Chain
	destination Chain
	limits      Limits
	logger      *zap.Logger
}

func New(b BridgeService, records RecordLister, source, destination Chain, limits Limits, logger *zap.Logger) *Handlers {
	return &Handlers{
		bridge:      b,
		records:     records,
		source:      source,
		destination: destination,
		limits:      limits,
		logger:      logger.Named("api"),
	}
}
