package coremain

import (
	"fmt"
	"time"

	"github.com/churchfleet/fleetcache/mlog"
	"github.com/churchfleet/fleetcache/pkg/sw"
	"github.com/churchfleet/fleetcache/pkg/utils"
)

// Config is the yaml config file. Durations are in seconds unless noted.
type Config struct {
	Log        mlog.LogConfig   `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Server     ServerConfig     `yaml:"server"`
	Worker     WorkerConfig     `yaml:"worker"`
	Storage    StorageConfig    `yaml:"storage"`
	ValueCache ValueCacheConfig `yaml:"value_cache"`
}

type APIConfig struct {
	// HTTP is the listen address of the admin api. Empty disables it.
	HTTP string `yaml:"http"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	// Upstream is the origin of the web app, e.g. "http://127.0.0.1:3000".
	Upstream      string `yaml:"upstream"`
	H2C           bool   `yaml:"h2c"`
	ProxyProtocol bool   `yaml:"proxy_protocol"`
	SrcIPHeader   string `yaml:"src_ip_header"`
	HealthPath    string `yaml:"health_path"`
	IdleTimeout   int    `yaml:"idle_timeout"`
	ReadTimeout   int    `yaml:"read_timeout"`
	// MaxBodySize of upstream responses, in bytes.
	MaxBodySize int64 `yaml:"max_body_size"`
}

type WorkerConfig struct {
	// CacheVersion is baked into the cache names. Changing it while running
	// installs a new worker and drops every cache of the old version.
	CacheVersion string   `yaml:"cache_version"`
	CachePrefix  string   `yaml:"cache_prefix"`
	ShellURLs    []string `yaml:"shell_urls"`
	// LimitsMB overrides the byte ceilings per store, in MiB. 0 disables
	// the limit of a store.
	LimitsMB map[string]int `yaml:"limits_mb"`
	// TTLs overrides the TTL classes.
	TTLs                map[string]int `yaml:"ttls"`
	MaintenanceInterval int            `yaml:"maintenance_interval"`
	DisableSkipWaiting  bool           `yaml:"disable_skip_waiting"`
}

type StorageConfig struct {
	// Type is "memory" or "redis". Default is "memory".
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	// URL, e.g. "redis://127.0.0.1:6379/0".
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
	// Timeout of each operation, in milliseconds.
	Timeout int `yaml:"timeout"`
}

type ValueCacheConfig struct {
	MaxSize          int  `yaml:"max_size"`
	MaxMemoryMB      int  `yaml:"max_memory_mb"`
	DefaultTTL       int  `yaml:"default_ttl"`
	StaleAfter       int  `yaml:"stale_after"`
	OptimizeInterval int  `yaml:"optimize_interval"`
	SingleFlight     bool `yaml:"single_flight"`
	// InfoTTL memoizes /sw/info replies.
	InfoTTL int `yaml:"info_ttl"`
}

const (
	storageMemory = "memory"
	storageRedis  = "redis"
)

func (c *Config) Init() error {
	utils.SetDefaultString(&c.Log.Level, "info")
	utils.SetDefaultString(&c.Server.Listen, ":8080")
	utils.SetDefaultString(&c.Storage.Type, storageMemory)
	utils.SetDefaultNum(&c.ValueCache.OptimizeInterval, 60)
	utils.SetDefaultNum(&c.ValueCache.InfoTTL, 10)

	if len(c.Server.Upstream) == 0 {
		return fmt.Errorf("missing server.upstream")
	}
	switch c.Storage.Type {
	case storageMemory:
	case storageRedis:
		if len(c.Storage.Redis.URL) == 0 {
			return fmt.Errorf("missing storage.redis.url")
		}
	default:
		return fmt.Errorf("invalid storage type %q", c.Storage.Type)
	}
	if _, err := c.Worker.swConfig(c.Server.Upstream); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	return nil
}

func parseKind(s string) (sw.CacheKind, error) {
	for _, k := range sw.Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown cache %q", s)
}

// swConfig builds the worker config. scope is the origin the worker
// caches for.
func (wc *WorkerConfig) swConfig(scope string) (sw.Config, error) {
	cfg := sw.Config{
		Version:             wc.CacheVersion,
		Prefix:              wc.CachePrefix,
		Scope:               scope,
		ShellURLs:           wc.ShellURLs,
		MaintenanceInterval: utils.Seconds(wc.MaintenanceInterval),
		DisableSkipWaiting:  wc.DisableSkipWaiting,
	}
	if len(wc.LimitsMB) > 0 {
		cfg.Limits = sw.DefaultLimits()
		for s, mb := range wc.LimitsMB {
			k, err := parseKind(s)
			if err != nil {
				return sw.Config{}, err
			}
			cfg.Limits[k] = utils.MiB(mb)
		}
	}
	if len(wc.TTLs) > 0 {
		cfg.TTLs = make(map[sw.CacheKind]time.Duration, len(wc.TTLs))
		for s, sec := range wc.TTLs {
			k, err := parseKind(s)
			if err != nil {
				return sw.Config{}, err
			}
			cfg.TTLs[k] = utils.Seconds(sec)
		}
	}
	if err := cfg.Init(); err != nil {
		return sw.Config{}, err
	}
	return cfg, nil
}

// DefaultConfig is written by gen-config.
func DefaultConfig() *Config {
	return &Config{
		Log:    mlog.LogConfig{Level: "info"},
		API:    APIConfig{HTTP: "127.0.0.1:8081"},
		Server: ServerConfig{Listen: ":8080", Upstream: "http://127.0.0.1:3000", HealthPath: "/health"},
		Worker: WorkerConfig{
			CacheVersion:        "v2.1",
			CachePrefix:         "vehicle",
			ShellURLs:           []string{"/", "/offline", "/manifest.json"},
			LimitsMB:            map[string]int{"static": 50, "dynamic": 25, "api": 10, "images": 100},
			MaintenanceInterval: int((24 * time.Hour).Seconds()),
		},
		Storage: StorageConfig{
			Type:  storageMemory,
			Redis: RedisConfig{URL: "redis://127.0.0.1:6379/0", KeyPrefix: "fleetcache:", Timeout: 1000},
		},
		ValueCache: ValueCacheConfig{
			MaxSize:          1000,
			MaxMemoryMB:      50,
			DefaultTTL:       300,
			StaleAfter:       3600,
			OptimizeInterval: 60,
			InfoTTL:          10,
		},
	}
}
