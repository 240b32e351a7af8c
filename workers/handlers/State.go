package handlers

import (
	"net/http"
)

// liveness only, no dependencies are touched
func (h *Handlers) State(w http.ResponseWriter, r *http.Request) {
	responseJSON(w, &APIStateResponse{
		Status: "ok",
	}, http.StatusOK)
}
