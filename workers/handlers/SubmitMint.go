package handlers

import (
	"net/http"

	"pyusdbridge/types"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// SubmitMint handles POST /bridge/mint. The status code comes from the bridge
// handler, so a client can retry on 202 and 503 and stop on everything else.
func (h *Handlers) SubmitMint(w http.ResponseWriter, r *http.Request) {
	var req types.BridgeRequest
	if err := readJSON(r, &req); err != nil {
		h.logger.Info("Bad mint request", zap.Error(err))
		responseJSON(w, &types.BridgeResponse{
			Status: types.ResponseFailed,
			Reason: "Cannot unmarshal input JSON",
		}, http.StatusBadRequest)
		return
	}

	res := h.bridge.Handle(r.Context(), req)
	responseJSON(w, &res.Response, res.Code)
}

// BridgeStatus handles GET /bridge/status/{sourceTxHash}.
func (h *Handlers) BridgeStatus(w http.ResponseWriter, r *http.Request) {
	res := h.bridge.Status(r.Context(), chi.URLParam(r, "sourceTxHash"))
	responseJSON(w, &res.Response, res.Code)
}
