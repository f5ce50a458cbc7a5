package coremain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churchfleet/fleetcache/mlog"
	"github.com/churchfleet/fleetcache/pkg/cachestorage"
	"github.com/churchfleet/fleetcache/pkg/server"
)

type testOrigin struct {
	*httptest.Server
	hits atomic.Int64
}

func newTestOrigin(t *testing.T) *testOrigin {
	o := new(testOrigin)
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := o.hits.Add(1)
		switch r.URL.Path {
		case "/", "/offline":
			fmt.Fprint(w, "<html>shell</html>")
		case "/api/vehicles":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"n":%d}`, n)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func newTestFleetcache(t *testing.T, origin string) *Fleetcache {
	t.Helper()
	cfg := &Config{
		Log:    mlog.LogConfig{Level: "error"},
		Server: ServerConfig{Upstream: origin},
		Worker: WorkerConfig{ShellURLs: []string{"/", "/offline"}},
	}
	m, err := NewFleetcache(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func serveFront(t *testing.T, m *Fleetcache) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := server.NewServer(server.ServerOpts{HttpHandler: m.frontHandler})
	go s.ServeHTTP(l)
	t.Cleanup(s.Close)
	return "http://" + l.Addr().String()
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func callAPI(t *testing.T, m *Fleetcache, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	m.GetHTTPAPIMux().ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestFleetcache_front(t *testing.T) {
	o := newTestOrigin(t)
	m := newTestFleetcache(t, o.URL)
	front := serveFront(t, m)

	// precached on install
	require.Equal(t, int64(2), o.hits.Load())

	resp, body := get(t, front+"/api/vehicles")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"n":3}`, body)
	m.registration.Controller().Wait()

	// stale while revalidate: served from the cache, refreshed behind
	resp, _ = get(t, front+"/api/vehicles")
	require.NotEmpty(t, resp.Header.Get(cachestorage.HeaderCachedAt))
	m.registration.Controller().Wait()
	require.Equal(t, int64(4), o.hits.Load())

	resp, _ = get(t, front+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(4), o.hits.Load())
}

func TestFleetcache_api(t *testing.T) {
	o := newTestOrigin(t)
	m := newTestFleetcache(t, o.URL)

	rec := callAPI(t, m, http.MethodGet, "/sw/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]struct {
		ItemCount     int   `json:"itemCount"`
		EstimatedSize int64 `json:"estimatedSize"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, 2, info["vehicle-static-v2.1"].ItemCount)

	// memoized
	rec = callAPI(t, m, http.MethodGet, "/sw/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := m.values.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)

	rec = callAPI(t, m, http.MethodPost, "/sw/message", `{"type":"CLEAR_CACHE","data":{"cacheName":"vehicle-static-v2.1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"type":"CACHE_CLEARED"}`, rec.Body.String())
	ok, err := m.storage.Has(context.Background(), "vehicle-static-v2.1")
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, m.values.Has(swInfoKey))

	rec = callAPI(t, m, http.MethodPost, "/sw/message", `{"type":"NOPE"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = callAPI(t, m, http.MethodPost, "/sw/message", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	m.values.Set("vehicle:1", "a", 0)
	m.values.Set("user:1", "b", 0)
	rec = callAPI(t, m, http.MethodPost, "/cache/invalidate?pattern=^vehicle:", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"removed":1}`, rec.Body.String())
	rec = callAPI(t, m, http.MethodPost, "/cache/invalidate?pattern=(", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = callAPI(t, m, http.MethodGet, "/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"maxSize":1000`)

	rec = callAPI(t, m, http.MethodPost, "/cache/clear", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Zero(t, m.values.Len())

	rec = callAPI(t, m, http.MethodGet, "/sw/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"v2.1"`)

	rec = callAPI(t, m, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fleetcache_value_cache_hits_total")
}

func TestFleetcache_ReloadConfig(t *testing.T) {
	o := newTestOrigin(t)
	m := newTestFleetcache(t, o.URL)
	ctx := context.Background()
	old := m.registration.Controller()

	// same worker section: nothing happens
	m.ReloadConfig(&Config{Worker: WorkerConfig{ShellURLs: []string{"/", "/offline"}}})
	require.Same(t, old, m.registration.Controller())

	m.ReloadConfig(&Config{Worker: WorkerConfig{CacheVersion: "v3", ShellURLs: []string{"/"}}})
	w := m.registration.Controller()
	require.NotSame(t, old, w)
	require.Equal(t, "v3", w.Config().Version)

	names, err := m.storage.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"vehicle-static-v3"}, names)
}
