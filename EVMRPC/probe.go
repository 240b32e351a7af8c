package EVMRPC

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ybbus/jsonrpc"
)

type ProbeResult struct {
	URL         string `json:"url"`
	ChainID     int64  `json:"chainId"`
	BlockNumber uint64 `json:"blockNumber"`
	Healthy     bool   `json:"healthy"`
	Error       string `json:"error,omitempty"`
}

// Probe asks every configured endpoint for eth_chainId and eth_blockNumber
// over a plain JSON-RPC client, outside the failover path.
func (c *Client) Probe() []ProbeResult {
	results := make([]ProbeResult, 0, len(c.cfg.RPCList))
	for _, url := range c.cfg.RPCList {
		results = append(results, probeEndpoint(url, c.cfg.ChainID))
	}
	return results
}

func probeEndpoint(url string, expectedChainID int64) ProbeResult {
	res := ProbeResult{URL: url}
	rpcClient := jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})

	chainID, err := hexQuantity(rpcClient, "eth_chainId")
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.ChainID = int64(chainID)
	if res.ChainID != expectedChainID {
		res.Error = fmt.Sprintf("chain id %d, expected %d", res.ChainID, expectedChainID)
		return res
	}

	block, err := hexQuantity(rpcClient, "eth_blockNumber")
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.BlockNumber = block
	res.Healthy = true
	return res
}

func hexQuantity(rpcClient jsonrpc.RPCClient, method string) (uint64, error) {
	resp, err := rpcClient.Call(method)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("%s: %s", method, resp.Error.Message)
	}
	raw, err := resp.GetString()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad quantity %q", method, raw)
	}
	return v, nil
}
