package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pyusdbridge/types"
)

// StatusTimeout bounds a status read. A mint request is bounded by the
// caller's mint timeout instead, since the server holds it open until the
// mint settles.
const StatusTimeout = 30 * time.Second

// mintSlack covers the server's work around the mint submission timeout.
const mintSlack = 30 * time.Second

// HTTPClient talks to the bridge's HTTP surface.
type HTTPClient struct {
	baseURL     string
	client      *http.Client
	mintTimeout time.Duration
}

// NewHTTPClient returns a client whose mint requests stay open for
// mintTimeout plus some slack, so the server's submission timeout always
// expires first.
func NewHTTPClient(baseURL string, mintTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{},
		mintTimeout: mintTimeout + mintSlack,
	}
}

func (c *HTTPClient) SubmitMint(ctx context.Context, req types.BridgeRequest) (*types.BridgeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.mintTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bridge/mint", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq)
}

func (c *HTTPClient) Status(ctx context.Context, sourceTxHash string) (*types.BridgeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bridge/status/"+url.PathEscape(sourceTxHash), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(httpReq)
}

// do decodes the bridge response for every status code the handler emits.
// A body that is not a bridge response is a transport error.
func (c *HTTPClient) do(req *http.Request) (*types.BridgeResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var out types.BridgeResponse
	if err := json.Unmarshal(body, &out); err != nil || out.Status == "" {
		return nil, fmt.Errorf("unexpected response %d from %s", resp.StatusCode, req.URL.Path)
	}
	return &out, nil
}
