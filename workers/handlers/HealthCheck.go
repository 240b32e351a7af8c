package handlers

import (
	"net/http"

	"pyusdbridge/EVMRPC"
)

// HealthCheck probes every RPC endpoint of both chains. It is healthy while
// each chain has at least one endpoint answering with the right chain id.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := &APIHealthResponse{Status: "ok"}
	code := http.StatusOK
	for _, chain := range []Chain{h.source, h.destination} {
		results := chain.Probe()
		resp.Endpoints = append(resp.Endpoints, results...)
		if !anyHealthy(results) {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	responseJSON(w, resp, code)
}

func anyHealthy(results []EVMRPC.ProbeResult) bool {
	for _, r := range results {
		if r.Healthy {
			return true
		}
	}
	return false
}
