package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pyusdbridge/EVMRPC"
	"pyusdbridge/bridge"
	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const hash = "0x1111111111111111111111111111111111111111111111111111111111111111"

type fakeBridge struct {
	lastReq  types.BridgeRequest
	lastHash string
	result   bridge.Result
}

func (f *fakeBridge) Handle(_ context.Context, req types.BridgeRequest) bridge.Result {
	f.lastReq = req
	return f.result
}

func (f *fakeBridge) Status(_ context.Context, sourceTxHash string) bridge.Result {
	f.lastHash = sourceTxHash
	return f.result
}

type fakeLister struct {
	records map[types.MintStatus][]*types.MintRecord
	err     error
}

func (f *fakeLister) ListByStatus(_ context.Context, status types.MintStatus) ([]*types.MintRecord, error) {
	return f.records[status], f.err
}

type fakeChain struct {
	name      string
	chainID   int64
	liquidity *big.Int
	active    bool
	err       error
	probes    []EVMRPC.ProbeResult
}

func (c *fakeChain) Name() string           { return c.name }
func (c *fakeChain) ChainID() int64         { return c.chainID }
func (c *fakeChain) Bridge() common.Address { return common.HexToAddress("0x3D2d821089f83e0B272Aa2B6921C13e80eEd83ED") }
func (c *fakeChain) Token() common.Address  { return common.HexToAddress("0x9D5F12DBe903A0741F675e4Aa4454b2F7A010aB4") }
func (c *fakeChain) Probe() []EVMRPC.ProbeResult {
	return c.probes
}

func (c *fakeChain) BridgeInfo(context.Context) (*EVMRPC.BridgeInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &EVMRPC.BridgeInfo{IsActive: c.active, Fee: big.NewInt(0), TotalLocked: big.NewInt(0)}, nil
}

func (c *fakeChain) BridgeLiquidity(context.Context) (*big.Int, error) {
	return c.liquidity, c.err
}

type harness struct {
	bridge  *fakeBridge
	lister  *fakeLister
	source  *fakeChain
	dest    *fakeChain
	router  chi.Router
}

func newHarness() *harness {
	h := &harness{
		bridge: &fakeBridge{},
		lister: &fakeLister{records: map[types.MintStatus][]*types.MintRecord{}},
		source: &fakeChain{name: "Sepolia", chainID: 11155111, probes: []EVMRPC.ProbeResult{{URL: "a", Healthy: true}}},
		dest:   &fakeChain{name: "Hedera Testnet", chainID: 296, liquidity: big.NewInt(5_000000), active: true, probes: []EVMRPC.ProbeResult{{URL: "b", Healthy: true}}},
	}
	api := New(h.bridge, h.lister, h.source, h.dest, Limits{
		DestinationNetwork:     "hedera",
		RequiredConfirmations:  3,
		ProtocolFeeBasisPoints: 10,
		MinAmount:              big.NewInt(1),
	}, zap.NewNop())

	r := chi.NewRouter()
	r.Post("/bridge/mint", api.SubmitMint)
	r.Get("/bridge/status/{sourceTxHash}", api.BridgeStatus)
	r.Get("/bridge/info", api.BridgeInfo)
	r.Get("/stats/pending", api.GetPendingTransactions)
	r.Get("/stats/failed", api.GetFailedTransactions)
	r.Get("/balance/liquidity", api.Liquidity)
	r.Get("/health", api.HealthCheck)
	r.Get("/state", api.State)
	h.router = r
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitMint(t *testing.T) {
	h := newHarness()
	h.bridge.result = bridge.Result{
		Code:     http.StatusOK,
		Response: types.BridgeResponse{Status: types.ResponseMinted, SourceTxHash: hash, DestinationTxHash: "0xdead", MintedAmount: "99900000"},
	}

	rec := h.do(http.MethodPost, "/bridge/mint", `{"sourceTxHash":"`+hash+`","userAddress":"0x742d35Cc6634C0532925a3b844Bc454e4438f44e","claimedAmount":"100000000"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var resp types.BridgeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.ResponseMinted, resp.Status)
	assert.Equal(t, "99900000", resp.MintedAmount)
	assert.Equal(t, "100000000", h.bridge.lastReq.ClaimedAmount)
}

func TestSubmitMintPassesCodeThrough(t *testing.T) {
	for _, code := range []int{http.StatusAccepted, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable} {
		h := newHarness()
		h.bridge.result = bridge.Result{Code: code, Response: types.BridgeResponse{Status: types.ResponsePending}}
		rec := h.do(http.MethodPost, "/bridge/mint", `{"sourceTxHash":"`+hash+`"}`)
		assert.Equal(t, code, rec.Code)
	}
}

func TestSubmitMintBadJSON(t *testing.T) {
	h := newHarness()
	rec := h.do(http.MethodPost, "/bridge/mint", `{"sourceTxHash":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.bridge.lastReq.SourceTxHash)
}

func TestBridgeStatus(t *testing.T) {
	h := newHarness()
	h.bridge.result = bridge.Result{Code: http.StatusAccepted, Response: types.BridgeResponse{Status: types.ResponsePending, Retryable: true}}

	rec := h.do(http.MethodGet, "/bridge/status/"+hash, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, hash, h.bridge.lastHash)
}

func TestListRecords(t *testing.T) {
	h := newHarness()
	h.lister.records[types.MintStatusFailed] = []*types.MintRecord{{SourceTxHash: hash, Status: types.MintStatusFailed, FailureReason: "mint timed out"}}

	rec := h.do(http.MethodGet, "/stats/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp APIRecordsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "mint timed out", resp.Records[0].FailureReason)

	rec = h.do(http.MethodGet, "/stats/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)

	h.lister.err = errors.New("connection refused")
	rec = h.do(http.MethodGet, "/stats/pending", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLiquidity(t *testing.T) {
	h := newHarness()
	rec := h.do(http.MethodGet, "/balance/liquidity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp APILiquidityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "5000000", resp.Balance)
	assert.True(t, resp.IsActive)

	h.dest.err = errors.New("rpc down")
	rec = h.do(http.MethodGet, "/balance/liquidity", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBridgeInfo(t *testing.T) {
	h := newHarness()
	rec := h.do(http.MethodGet, "/bridge/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp APIBridgeInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(296), resp.DestinationChainID)
	assert.Equal(t, int64(10), resp.ProtocolFeeBasisPoints)
	assert.Equal(t, "1", resp.MinAmount)
	assert.Empty(t, resp.MaxAmount)
}

func TestHealthCheck(t *testing.T) {
	h := newHarness()
	rec := h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	h.dest.probes = []EVMRPC.ProbeResult{{URL: "b", Error: "connection refused"}}
	rec = h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestState(t *testing.T) {
	rec := newHarness().do(http.MethodGet, "/state", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
