package handlers

import (
	"net/http"
)

func (h *Handlers) BridgeInfo(w http.ResponseWriter, r *http.Request) {
	resp := &APIBridgeInfoResponse{
		Status:                 "ok",
		SourceChainID:          h.source.ChainID(),
		SourceBridge:           h.source.Bridge().Hex(),
		SourceToken:            h.source.Token().Hex(),
		DestinationChainID:     h.destination.ChainID(),
		DestinationBridge:      h.destination.Bridge().Hex(),
		DestinationToken:       h.destination.Token().Hex(),
		DestinationNetwork:     h.limits.DestinationNetwork,
		RequiredConfirmations:  h.limits.RequiredConfirmations,
		ProtocolFeeBasisPoints: h.limits.ProtocolFeeBasisPoints,
	}
	if h.limits.MinAmount != nil {
		resp.MinAmount = h.limits.MinAmount.String()
	}
	if h.limits.MaxAmount != nil {
		resp.MaxAmount = h.limits.MaxAmount.String()
	}
	responseJSON(w, resp, http.StatusOK)
}
