package server

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/leptonai/gpu-user-exporter/pkg/attribution"
	"github.com/leptonai/gpu-user-exporter/pkg/config"
	"github.com/leptonai/gpu-user-exporter/pkg/poller"
	"github.com/leptonai/gpu-user-exporter/pkg/sampler"
	"github.com/leptonai/gpu-user-exporter/pkg/sink"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSource struct {
	snap    *poller.Snapshot
	errTime time.Time
	err     error
}

func (f *fakeSource) Last() *poller.Snapshot { return f.snap }

func (f *fakeSource) LastError() (time.Time, error) { return f.errTime, f.err }

var testSnapshot = &poller.Snapshot{
	Time:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	Backend: "nvidia-smi",
	Devices: []sampler.Device{
		{Index: 0, UUID: "GPU-aaaa", MemoryUsedMiB: 4000, MemoryTotalMiB: 8000, UtilizationPercent: 40},
	},
	Users: []poller.UserUsage{
		{
			Key:   attribution.Key{DeviceIndex: 0, User: "alice"},
			Usage: attribution.Usage{MemoryUsedMiB: 2000, UtilizationSharePercent: 20},
		},
	},
}

func serve(t *testing.T, router *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	snk, err := sink.NewPrometheus(reg)
	require.NoError(t, err)
	require.NoError(t, snk.SetGauge(sink.SeriesUserMemory, sink.UserLabels(0, "alice"), 2000))

	router := newRouter(config.DefaultConfig(), reg, &fakeSource{})
	w := serve(t, router, URLPathMetrics, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `gpu_user_memory_usage{gpu_index="0",user="alice"} 2000`)
}

func TestHealthzEndpoint(t *testing.T) {
	router := newRouter(config.DefaultConfig(), prometheus.NewRegistry(), &fakeSource{})

	w := serve(t, router, URLPathHealthz, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var h Healthz
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, DefaultHealthz, h)

	w = serve(t, router, URLPathHealthz, map[string]string{"Content-Type": "application/yaml"})
	require.Equal(t, http.StatusOK, w.Code)
	h = Healthz{}
	require.NoError(t, yaml.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
}

func TestUsersEndpoint(t *testing.T) {
	src := &fakeSource{}
	router := newRouter(config.DefaultConfig(), prometheus.NewRegistry(), src)

	// no cycle yet
	w := serve(t, router, URLPathUsers, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	src.err = errors.New("nvidia-smi: not found")
	w = serve(t, router, URLPathUsers, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "nvidia-smi: not found")

	src.snap = testSnapshot
	src.err = nil
	w = serve(t, router, URLPathUsers, map[string]string{"json-indent": "true"})
	require.Equal(t, http.StatusOK, w.Code)

	var got Users
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, "nvidia-smi", got.Backend)
	require.Len(t, got.Users, 1)
	assert.Equal(t, "alice", got.Users[0].User)
	assert.Equal(t, 20.0, got.Users[0].UtilizationSharePercent)
	assert.Empty(t, got.LastError)

	src.err = errors.New("getent: exit status 2")
	src.errTime = time.Date(2024, 5, 1, 0, 0, 10, 0, time.UTC)
	w = serve(t, router, URLPathUsers, map[string]string{"Content-Type": "application/yaml"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "getent: exit status 2")
	assert.Contains(t, w.Body.String(), "user: alice")
}

func TestUsersEndpointGzip(t *testing.T) {
	router := newRouter(config.DefaultConfig(), prometheus.NewRegistry(), &fakeSource{snap: testSnapshot})

	w := serve(t, router, URLPathUsers, map[string]string{"Accept-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	b, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(b), "GPU-aaaa")
}

func TestPprofRoutes(t *testing.T) {
	cfg := config.DefaultConfig()
	router := newRouter(cfg, prometheus.NewRegistry(), &fakeSource{})
	assert.Equal(t, http.StatusNotFound, serve(t, router, "/admin/pprof/heap", nil).Code)

	cfg.Pprof = true
	router = newRouter(cfg, prometheus.NewRegistry(), &fakeSource{})
	assert.Equal(t, http.StatusOK, serve(t, router, "/admin/pprof/heap", nil).Code)
}

func TestServerStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Address = "127.0.0.1:0"

	s := New(cfg, prometheus.NewRegistry(), &fakeSource{})
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + URLPathHealthz)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.True(t, strings.Contains(string(b), `"status":"ok"`))

	s.Stop()
	select {
	case err, ok := <-s.Err():
		assert.False(t, ok, "unexpected serve error %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to stop")
	}

	cfg.Address = "256.0.0.1:1"
	assert.Error(t, New(cfg, prometheus.NewRegistry(), &fakeSource{}).Start())
}
