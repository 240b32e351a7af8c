package handlers

import (
	"net/http"

	"pyusdbridge/types"

	"go.uber.org/zap"
)

func (h *Handlers) GetPendingTransactions(w http.ResponseWriter, r *http.Request) {
	h.listRecords(w, r, types.MintStatusPending)
}

func (h *Handlers) GetFailedTransactions(w http.ResponseWriter, r *http.Request) {
	h.listRecords(w, r, types.MintStatusFailed)
}

func (h *Handlers) listRecords(w http.ResponseWriter, r *http.Request, status types.MintStatus) {
	records, err := h.records.ListByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error("Error listing mint records", zap.String("status", string(status)), zap.Error(err))
		responseJSON(w, &APIResponse{Status: "error", Message: "ledger unavailable"}, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*types.MintRecord{}
	}
	responseJSON(w, &APIRecordsResponse{Status: "ok", Count: len(records), Records: records}, http.StatusOK)
}
