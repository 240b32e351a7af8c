package handlers

import (
	"net/http"

	"go.uber.org/zap"
)

// Liquidity reports how much wrapped token the destination bridge can still mint from.
func (h *Handlers) Liquidity(w http.ResponseWriter, r *http.Request) {
	balance, err := h.destination.BridgeLiquidity(r.Context())
	if err != nil {
		h.logger.Error("Error getting bridge balance", zap.Error(err))
		responseJSON(w, &APIResponse{Status: "error", Message: "destination chain unavailable"}, http.StatusServiceUnavailable)
		return
	}
	active := false
	if info, err := h.destination.BridgeInfo(r.Context()); err == nil {
		active = info.IsActive
	} else {
		h.logger.Warn("Error getting bridge info", zap.Error(err))
	}

	responseJSON(w, &APILiquidityResponse{
		Status:   "ok",
		Chain:    h.destination.Name(),
		Token:    h.destination.Token().Hex(),
		Bridge:   h.destination.Bridge().Hex(),
		Balance:  balance.String(),
		IsActive: active,
	}, http.StatusOK)
}
