package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"zimage_gateway/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMetricsFixture(t *testing.T, status int, resp string, opts ...Option) *fixture {
	t.Helper()
	sd := &sdBackend{status: status, resp: resp}
	sdSrv := httptest.NewServer(sd)
	t.Cleanup(sdSrv.Close)
	return newFixtureAt(t, sdSrv.URL, sd, true, opts...)
}

func TestMetrics_RecordsGenerations(t *testing.T) {
	store := metrics.NewStore("v9.9.9", 10)
	observed := make(chan metrics.Generation, 4)
	store.Observe(func(g metrics.Generation) { observed <- g })

	f := newMetricsFixture(t, http.StatusOK, generationOK, WithMetrics(store))

	resp := f.postJSON(t, "/txt2img", `{"prompt":"a lighthouse"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reqID := resp.Header.Get(RequestIDHeader)

	// Rejected before the backend; validation failures are not generations.
	resp = f.postJSON(t, "/txt2img", `{"prompt":""}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[metrics.Snapshot](t, resp)

	assert.Equal(t, "v9.9.9", snap.Version)
	assert.Equal(t, int64(1), snap.Totals.Count)
	assert.Equal(t, int64(1), snap.Totals.Images)
	assert.Equal(t, int64(1), snap.ByKind["txt2img"].Succeeded)
	require.Len(t, snap.Recent, 1)
	assert.Equal(t, reqID, snap.Recent[0].RequestID)

	require.Len(t, observed, 1)
	assert.Equal(t, "txt2img", (<-observed).Kind)
}

func TestMetrics_RecordsBackendFailures(t *testing.T) {
	store := metrics.NewStore("dev", 10)
	f := newMetricsFixture(t, http.StatusInternalServerError, `{"error":"out of memory"}`, WithMetrics(store))

	resp := f.postJSON(t, "/txt2img", `{"prompt":"x"}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	snap := store.Snapshot()
	assert.Equal(t, int64(1), snap.Totals.Failed)
	assert.Equal(t, http.StatusInternalServerError, snap.Recent[0].StatusCode)
}

func TestMetrics_RouteAbsentWithoutStore(t *testing.T) {
	f := newFixture(t, http.StatusOK, generationOK)

	resp := f.get(t, "/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.get(t, "/events")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEvents_MountsHandler(t *testing.T) {
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := NewServer(DefaultServerConfig("127.0.0.1:0"),
		fakeBackend{cfg: testBackendConfig()}, panicGenerator{}, nil, nil, zaptest.NewLogger(t),
		WithEvents(events))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Prefix+"/events", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}
