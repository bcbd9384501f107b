package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrNoop(t *testing.T) {
	m := OrNoop(nil)
	assert.NotNil(t, m)
	m.RecordRevert(1)

	custom := NewNoopGatewayMetrics()
	assert.Equal(t, custom, OrNoop(custom))
}

func TestHandlerDisabled(t *testing.T) {
	if IsEnabled() {
		t.Skip("registry already initialized")
	}
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeState struct {
	entries, syncs, pending int
}

func (s *fakeState) CachedEntries() int { return s.entries }
func (s *fakeState) SyncsInFlight() int { return s.syncs }
func (s *fakeState) Pending() int       { return s.pending }

func gauges(t *testing.T, reg *prometheus.Registry) map[string]*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.Metric)
	for _, f := range families {
		require.Len(t, f.GetMetric(), 1, f.GetName())
		out[f.GetName()] = f.GetMetric()[0]
	}
	return out
}

func TestRegisterGatewaySamplesState(t *testing.T) {
	reg := prometheus.NewRegistry()
	state := &fakeState{entries: 3}
	info := GatewayInfo{GatewayID: 4, Volume: 9, BlockSize: 65536, Version: "v1"}
	require.NoError(t, registerGateway(reg, info, state, state))

	got := gauges(t, reg)
	assert.Equal(t, 1.0, got["wanfs_gateway_info"].GetGauge().GetValue())
	assert.Equal(t, 3.0, got["wanfs_cached_entries"].GetGauge().GetValue())
	assert.Equal(t, 0.0, got["wanfs_syncs_in_flight"].GetGauge().GetValue())

	labels := make(map[string]string)
	for _, l := range got["wanfs_gateway_info"].GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	assert.Equal(t, map[string]string{"gateway": "4", "volume": "9", "block_size": "65536", "version": "v1"}, labels)

	// sampled again on every scrape
	state.syncs, state.pending = 2, 5
	got = gauges(t, reg)
	assert.Equal(t, 2.0, got["wanfs_syncs_in_flight"].GetGauge().GetValue())
	assert.Equal(t, 5.0, got["wanfs_gc_pending_jobs"].GetGauge().GetValue())

	assert.Error(t, registerGateway(reg, info, state, nil), "a gateway registers once")
}

func TestRegisterGatewayWithoutCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, registerGateway(reg, GatewayInfo{GatewayID: 1}, &fakeState{}, nil))
	_, ok := gauges(t, reg)["wanfs_gc_pending_jobs"]
	assert.False(t, ok)
}

func TestServerRoutes(t *testing.T) {
	mux := newMux(GatewayInfo{GatewayID: 4, Volume: 9, BlockSize: 4096, Version: "v1"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway 4 serving volume 9")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
