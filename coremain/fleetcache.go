package coremain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"reflect"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/churchfleet/fleetcache/mlog"
	"github.com/churchfleet/fleetcache/pkg/cachestorage"
	"github.com/churchfleet/fleetcache/pkg/cachestorage/mem_storage"
	"github.com/churchfleet/fleetcache/pkg/cachestorage/redis_storage"
	"github.com/churchfleet/fleetcache/pkg/safe_close"
	"github.com/churchfleet/fleetcache/pkg/server"
	"github.com/churchfleet/fleetcache/pkg/server/http_handler"
	"github.com/churchfleet/fleetcache/pkg/sw"
	"github.com/churchfleet/fleetcache/pkg/utils"
	"github.com/churchfleet/fleetcache/pkg/valuecache"
)

type Fleetcache struct {
	logger *zap.Logger
	cfg    *Config

	storage      cachestorage.Storage
	fetcher      *sw.NetworkFetcher
	registration *sw.Registration
	swMetrics    *sw.Metrics
	values       *valuecache.Store
	frontHandler *http_handler.Handler

	workerMu  sync.Mutex
	workerCfg WorkerConfig

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// NewFleetcache builds the storage, the value cache and the first worker
// version. Call Close to release them if Run is never called.
func NewFleetcache(cfg *Config) (*Fleetcache, error) {
	if err := cfg.Init(); err != nil {
		return nil, err
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	m := &Fleetcache{
		logger:       lg,
		cfg:          cfg,
		registration: sw.NewRegistration(lg.Named("registration")),
		swMetrics:    sw.NewMetrics(),
		httpAPIMux:   http.NewServeMux(),
		metricsReg:   newMetricsReg(),
		sc:           safe_close.NewSafeClose(),
	}

	if m.storage, err = newStorage(&cfg.Storage, lg); err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	m.fetcher = sw.NewNetworkFetcher(sw.NetworkFetcherOpts{
		MaxBodySize: cfg.Server.MaxBodySize,
		IdleTimeout: utils.Seconds(cfg.Server.IdleTimeout),
	})

	vc := cfg.ValueCache
	m.values = valuecache.NewStore(valuecache.Opts{
		MaxSize:          vc.MaxSize,
		MaxMemory:        utils.MiB(vc.MaxMemoryMB),
		DefaultTTL:       utils.Seconds(vc.DefaultTTL),
		StaleAfter:       utils.Seconds(vc.StaleAfter),
		OptimizeInterval: utils.Seconds(vc.OptimizeInterval),
		SingleFlight:     vc.SingleFlight,
		Logger:           lg.Named("value_cache"),
	})

	if err := m.swMetrics.Register(m.GetMetricsReg()); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := m.GetMetricsReg().Register(valuecache.NewCollector("api", m.values)); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	if err := m.InstallWorker(context.Background(), cfg.Worker); err != nil {
		m.Close()
		return nil, err
	}

	m.frontHandler, err = http_handler.NewHandler(http_handler.HandlerOpts{
		Controller:  m.registration,
		Fetcher:     m.fetcher,
		Upstream:    cfg.Server.Upstream,
		SrcIPHeader: cfg.Server.SrcIPHeader,
		HealthPath:  cfg.Server.HealthPath,
		Logger:      lg.Named("front"),
	})
	if err != nil {
		m.Close()
		return nil, err
	}

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.registerAPI()
	return m, nil
}

func newStorage(sc *StorageConfig, lg *zap.Logger) (cachestorage.Storage, error) {
	if sc.Type != storageRedis {
		return mem_storage.NewMemStorage(), nil
	}
	opt, err := redis.ParseURL(sc.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	s, err := redis_storage.NewRedisStorage(redis_storage.RedisStorageOpts{
		Client:        client,
		ClientCloser:  client,
		KeyPrefix:     sc.Redis.KeyPrefix,
		ClientTimeout: time.Duration(sc.Redis.Timeout) * time.Millisecond,
		Logger:        lg.Named("redis_storage"),
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// InstallWorker installs a worker for wc. A new cache version drops the
// caches of the previous one once the worker activates.
func (m *Fleetcache) InstallWorker(ctx context.Context, wc WorkerConfig) error {
	m.workerMu.Lock()
	defer m.workerMu.Unlock()

	swCfg, err := wc.swConfig(m.cfg.Server.Upstream)
	if err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	w, err := sw.NewWorker(sw.WorkerOpts{
		Config:  swCfg,
		Storage: m.storage,
		Fetcher: m.fetcher,
		Logger:  m.logger.Named("worker"),
		Metrics: m.swMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to init worker: %w", err)
	}
	if err := m.registration.Update(ctx, w); err != nil {
		return err
	}
	m.workerCfg = wc
	m.logger.Info("worker installed", zap.String("version", swCfg.Version), zap.Stringer("state", w.State()))
	return nil
}

// ReloadConfig applies a changed config file. Only the worker section is
// applied at runtime.
func (m *Fleetcache) ReloadConfig(cfg *Config) {
	m.workerMu.Lock()
	same := reflect.DeepEqual(m.workerCfg, cfg.Worker)
	m.workerMu.Unlock()
	if same {
		m.logger.Info("config changed, worker section unchanged, nothing to apply")
		return
	}
	if err := m.InstallWorker(m.sc.Context(), cfg.Worker); err != nil {
		m.logger.Error("failed to install new worker", zap.Error(err))
	}
}

// Run starts the front server and the api server, and blocks until a
// close signal. All resources are released when it returns.
func (m *Fleetcache) Run() error {
	defer m.Close()

	sc := m.cfg.Server
	l, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sc.Listen, err)
	}
	if sc.ProxyProtocol {
		l = server.WrapProxyProtocol(l)
	}
	s := server.NewServer(server.ServerOpts{
		Logger:      m.logger.Named("server"),
		HttpHandler: m.frontHandler,
		IdleTimeout: utils.Seconds(sc.IdleTimeout),
		ReadTimeout: utils.Seconds(sc.ReadTimeout),
	})
	serve := s.ServeHTTP
	if sc.H2C {
		serve = s.ServeH2C
	}
	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			m.logger.Info("starting front server", zap.Stringer("addr", l.Addr()), zap.Bool("h2c", sc.H2C))
			errChan <- serve(l)
		}()
		select {
		case err := <-errChan:
			m.sc.SendCloseSignal(fmt.Errorf("front server exited: %w", err))
		case <-closeSignal:
			s.Close()
		}
	})

	// Start http api server
	if httpAddr := m.cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	<-m.sc.ReceiveCloseSignal()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

// Close retires the workers and closes the storage.
func (m *Fleetcache) Close() {
	m.registration.Close()
	if m.values != nil {
		m.values.Close()
	}
	if m.fetcher != nil {
		m.fetcher.Close()
	}
	if m.storage != nil {
		if err := m.storage.Close(); err != nil {
			m.logger.Warn("failed to close storage", zap.Error(err))
		}
	}
}

func (m *Fleetcache) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *Fleetcache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("fleetcache_", m.metricsReg)
}

func (m *Fleetcache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
