package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveMint(t *testing.T) {
	m := New()
	m.ObserveMint("minted", time.Now().Add(-3*time.Second))
	m.ObserveMint("failed", time.Now())
	m.ObserveMint("minted", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MintOutcomes.WithLabelValues("minted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MintOutcomes.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.MintLatency))
}

func TestHandlerExposesBridgeMetrics(t *testing.T) {
	m := New()
	m.StalePending.Set(4)
	m.Admissions.WithLabelValues("admitted").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "bridge_stale_pending_records 4")
	assert.Contains(t, body, `bridge_ledger_admissions_total{outcome="admitted"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
