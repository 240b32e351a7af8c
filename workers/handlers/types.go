package handlers

import (
	"pyusdbridge/EVMRPC"
	"pyusdbridge/types"
)

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type APIStateResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type APIRecordsResponse struct {
	Status  string              `json:"status"`
	Count   int                 `json:"count"`
	Records []*types.MintRecord `json:"records"`
}

type APILiquidityResponse struct {
	Status   string `json:"status"`
	Chain    string `json:"chain"`
	Token    string `json:"token"`
	Bridge   string `json:"bridge"`
	Balance  string `json:"balance"` // smallest units
	IsActive bool   `json:"isActive"`
}

type APIBridgeInfoResponse struct {
	Status                 string `json:"status"`
	SourceChainID          int64  `json:"sourceChainId"`
	SourceBridge           string `json:"sourceBridge"`
	SourceToken            string `json:"sourceToken"`
	DestinationChainID     int64  `json:"destinationChainId"`
	DestinationBridge      string `json:"destinationBridge"`
	DestinationToken       string `json:"destinationToken"`
	DestinationNetwork     string `json:"destinationNetwork"`
	RequiredConfirmations  uint64 `json:"requiredConfirmations"`
	ProtocolFeeBasisPoints int64  `json:"protocolFeeBasisPoints"`
	MinAmount              string `json:"minAmount,omitempty"`
	MaxAmount              string `json:"maxAmount,omitempty"`
}

type APIHealthResponse struct {
	Status    string               `json:"status"`
	Endpoints []EVMRPC.ProbeResult `json:"endpoints"`
}
