package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordValues(t *testing.T) {
	m := NewMetrics(InstanceInfo{Name: "gw", Version: "1.0.0"}).(*metrics)

	m.IncrementSessions("stdio")
	m.IncrementSessions("stdio")
	m.DecrementSessions("stdio")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("stdio")))

	m.SetUpstreamReady("alpha", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamReady.WithLabelValues("alpha")))
	m.SetUpstreamReady("alpha", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.upstreamReady.WithLabelValues("alpha")))

	m.IncrementUpstreamTransitions("alpha", "failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamTransitions.WithLabelValues("alpha", "failed")))

	m.SetCatalogEntries("tools", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.catalogEntries.WithLabelValues("tools")))

	m.ObserveDispatch("tools/call", "ok", 0.02)
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchTime))
}

func TestMetricsHandlerExposesRegistry(t *testing.T) {
	m := NewMetrics(InstanceInfo{Name: "gw", Version: "1.0.0"})
	m.IncrementFramingErrors("http")

	srv := httptest.NewServer(NewMetricsHandler(m, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `mcp_aggregator_sessions_framing_errors_total{transport="http"} 1`))
	assert.True(t, strings.Contains(string(body), "mcp_aggregator_system_info"))
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoopMetrics()
	m.ObserveDispatch("ping", "ok", 0)
	m.SetUpstreamReady("alpha", true)
	assert.NotNil(t, m.GetRegistry())
}
