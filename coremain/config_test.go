package coremain

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churchfleet/fleetcache/pkg/sw"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func Test_loadConfig(t *testing.T) {
	p := writeConfig(t, `
log:
  level: debug
api:
  http: 127.0.0.1:9091
server:
  listen: :9090
  upstream: http://origin:3000
  h2c: true
  idle_timeout: "30"
worker:
  cache_version: v3
  shell_urls: [/, /offline]
  limits_mb:
    api: 2
  ttls:
    api: 60
storage:
  type: redis
  redis:
    url: redis://127.0.0.1:6379/1
value_cache:
  single_flight: true
`)
	cfg, used, err := loadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, p, used)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9091", cfg.API.HTTP)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.True(t, cfg.Server.H2C)
	assert.Equal(t, 30, cfg.Server.IdleTimeout)
	assert.Equal(t, "v3", cfg.Worker.CacheVersion)
	assert.Equal(t, []string{"/", "/offline"}, cfg.Worker.ShellURLs)
	assert.Equal(t, map[string]int{"api": 2}, cfg.Worker.LimitsMB)
	assert.Equal(t, storageRedis, cfg.Storage.Type)
	assert.True(t, cfg.ValueCache.SingleFlight)
	require.NoError(t, cfg.Init())
	assert.Equal(t, 10, cfg.ValueCache.InfoTTL)
}

func Test_loadConfig_unknown_key(t *testing.T) {
	p := writeConfig(t, "server:\n  upstream: http://origin\n  upstrem: typo\n")
	_, _, err := loadConfig(p)
	require.Error(t, err)

	_, _, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfig_Init_errors(t *testing.T) {
	bad := map[string]Config{
		"no upstream":    {},
		"bad storage":    {Server: ServerConfig{Upstream: "http://o"}, Storage: StorageConfig{Type: "disk"}},
		"no redis url":   {Server: ServerConfig{Upstream: "http://o"}, Storage: StorageConfig{Type: storageRedis}},
		"bad cache kind": {Server: ServerConfig{Upstream: "http://o"}, Worker: WorkerConfig{LimitsMB: map[string]int{"video": 1}}},
		"relative scope": {Server: ServerConfig{Upstream: "/o"}},
	}
	for name, cfg := range bad {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cfg.Init())
		})
	}

	cfg := Config{Server: ServerConfig{Upstream: "http://o"}}
	require.NoError(t, cfg.Init())
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, storageMemory, cfg.Storage.Type)
}

func TestWorkerConfig_swConfig(t *testing.T) {
	wc := WorkerConfig{
		CacheVersion:        "v9",
		LimitsMB:            map[string]int{"api": 2, "images": 0},
		TTLs:                map[string]int{"api": 60},
		MaintenanceInterval: 3600,
	}
	c, err := wc.swConfig("http://origin:3000")
	require.NoError(t, err)
	assert.Equal(t, "vehicle-api-v9", c.CacheName(sw.KindAPI))
	assert.Equal(t, int64(2<<20), c.Limits[sw.KindAPI])
	assert.Equal(t, int64(0), c.Limits[sw.KindImages])
	assert.Equal(t, int64(50<<20), c.Limits[sw.KindStatic])
	assert.Equal(t, time.Minute, c.TTLs[sw.KindAPI])
	assert.Equal(t, 24*time.Hour, c.TTLs[sw.KindDynamic])
	assert.Equal(t, time.Hour, c.MaintenanceInterval)
}

func Test_gen_config_is_loadable(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, writeDefaultConfig(buf))
	p := writeConfig(t, buf.String())

	cfg, _, err := loadConfig(p)
	require.NoError(t, err)
	require.NoError(t, cfg.Init())
	def := DefaultConfig()
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, def.Worker.CacheVersion, cfg.Worker.CacheVersion)
	assert.Equal(t, def.Worker.LimitsMB, cfg.Worker.LimitsMB)
	assert.Equal(t, def.ValueCache, cfg.ValueCache)
}
