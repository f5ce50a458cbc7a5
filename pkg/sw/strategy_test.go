package sw

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
	"github.com/churchfleet/fleetcache/pkg/cachestorage/mem_storage"
)

var errNetwork = errors.New("network down")

func TestWorker_stale_while_revalidate(t *testing.T) {
	env := newActiveEnv(t, Config{})
	env.fetcher.set("/api/vehicles", 200, "v1")

	// miss: waits for the network
	resp := env.get(t, "/api/vehicles")
	require.Equal(t, "v1", string(resp.Body))
	env.w.Wait()
	require.Equal(t, 1, env.fetcher.callsOf("/api/vehicles"))
	require.NotNil(t, env.stored(t, KindAPI, "/api/vehicles"))

	// hit: served from cache while the background update is still blocked
	env.fetcher.set("/api/vehicles", 200, "v2")
	release := make(chan struct{})
	env.fetcher.setBlock(release)
	resp = env.get(t, "/api/vehicles")
	require.Equal(t, "v1", string(resp.Body))

	close(release)
	env.w.Wait()
	require.Equal(t, 2, env.fetcher.callsOf("/api/vehicles"))
	require.Equal(t, "v2", string(env.stored(t, KindAPI, "/api/vehicles").Body))
}

// putSignalStorage reports every completed Put. Once slowMatch is set, Match
// waits for a Put or a short timeout before reading.
type putSignalStorage struct {
	*mem_storage.MemStorage
	put       chan struct{}
	slowMatch atomic.Bool
}

func (s *putSignalStorage) Open(ctx context.Context, name string) (cachestorage.Cache, error) {
	c, err := s.MemStorage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &putSignalCache{Cache: c, s: s}, nil
}

type putSignalCache struct {
	cachestorage.Cache
	s *putSignalStorage
}

func (c *putSignalCache) Match(ctx context.Context, key string) (*cachestorage.Response, bool, error) {
	if c.s.slowMatch.Load() {
		select {
		case <-c.s.put:
		case <-time.After(50 * time.Millisecond):
		}
	}
	return c.Cache.Match(ctx, key)
}

func (c *putSignalCache) Put(ctx context.Context, key string, r *cachestorage.Response) error {
	err := c.Cache.Put(ctx, key, r)
	select {
	case c.s.put <- struct{}{}:
	default:
	}
	return err
}

func TestWorker_stale_while_revalidate_read_before_update(t *testing.T) {
	s := &putSignalStorage{MemStorage: mem_storage.NewMemStorage(), put: make(chan struct{}, 1)}
	f := newFakeFetcher()
	clk := newFakeClock()
	w, err := NewWorker(WorkerOpts{Storage: s, Fetcher: f, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(w.Retire)
	ctx := context.Background()
	require.NoError(t, w.Dispatch(ctx, &Event{Type: EventInstall}))
	require.NoError(t, w.Dispatch(ctx, &Event{Type: EventActivate}))

	f.set("/api/vehicles", 200, "v1")
	resp, ok := w.HandleFetch(ctx, getReq("/api/vehicles"))
	require.True(t, ok)
	require.Equal(t, "v1", string(resp.Body))
	w.Wait()
	select {
	case <-s.put:
	default:
	}

	// a network write landing before the read must not be visible to it
	f.set("/api/vehicles", 200, "v2")
	s.slowMatch.Store(true)
	resp, ok = w.HandleFetch(ctx, getReq("/api/vehicles"))
	require.True(t, ok)
	require.Equal(t, "v1", string(resp.Body))

	w.Wait()
	s.slowMatch.Store(false)
	c, err := s.Open(ctx, w.Config().CacheName(KindAPI))
	require.NoError(t, err)
	stored, ok, err := c.Match(ctx, getReq("/api/vehicles").Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(stored.Body))
}

func TestWorker_revalidate_after_retire(t *testing.T) {
	env := newActiveEnv(t, Config{})
	env.fetcher.set("/api/users", 200, "users")
	env.w.Retire()

	res := <-env.w.revalidate(getReq("/api/users"), Route{Strategy: StaleWhileRevalidate, Cache: KindAPI})
	require.ErrorIs(t, res.err, context.Canceled)
	env.w.Wait()
	require.Equal(t, 0, env.fetcher.callsOf("/api/users"))
}

func TestWorker_stale_while_revalidate_fallback(t *testing.T) {
	env := newActiveEnv(t, Config{})
	env.fetcher.set("/api/users", 200, "users")
	env.get(t, "/api/users")
	env.w.Wait()

	// expired and offline: the stale entry beats the timeout response
	env.clock.Advance(6 * time.Minute)
	env.fetcher.setErr(errNetwork)
	resp := env.get(t, "/api/users")
	require.Equal(t, "users", string(resp.Body))

	resp = env.get(t, "/api/statistics")
	require.Equal(t, http.StatusRequestTimeout, resp.Status)
	require.Equal(t, "Network error happened", string(resp.Body))
}

func TestWorker_network_only(t *testing.T) {
	env := newActiveEnv(t, Config{})
	env.fetcher.set("/api/auth/login", 200, "token")

	for i := 0; i < 2; i++ {
		resp := env.get(t, "/api/auth/login")
		require.Equal(t, "token", string(resp.Body))
	}
	env.w.Wait()
	require.Equal(t, 2, env.fetcher.callsOf("/api/auth/login"))

	ctx := context.Background()
	for _, name := range env.w.Config().CacheNames() {
		ok, err := env.storage.Has(ctx, name)
		require.NoError(t, err)
		if !ok {
			continue
		}
		c, err := env.storage.Open(ctx, name)
		require.NoError(t, err)
		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		require.Empty(t, keys, "cache %s", name)
	}

	env.fetcher.setErr(errNetwork)
	resp := env.get(t, "/api/auth/login")
	require.Equal(t, http.StatusRequestTimeout, resp.Status)
}

func TestWorker_cache_first(t *testing.T) {
	env := newActiveEnv(t, Config{})
	env.fetcher.set("/_next/static/app.js", 200, "js")

	resp := env.get(t, "/_next/static/app.js")
	require.Equal(t, "js", string(resp.Body))
	require.NotNil(t, env.stored(t, KindStatic, "/_next/static/app.js"))

	// live hit, refreshed in the background
	env.fetcher.setErr(errNetwork)
	resp = env.get(t, "/_next/static/app.js")
	require.Equal(t, "js", string(resp.Body))
	env.w.Wait()
	require.Equal(t, 2, env.fetcher.callsOf("/_next/static/app.js"))

	// expired and offline: still served
	env.clock.Advance(8 * 24 * time.Hour)
	resp = env.get(t, "/_next/static/app.js")
	require.Equal(t, "js", string(resp.Body))

	// nothing cached at all
	resp = env.get(t, "/images/logo.png")
	require.Equal(t, http.StatusRequestTimeout, resp.Status)
}

func TestWorker_cache_first_expired_refetches(t *testing.T) {
	env := newActiveEnv(t, Config{})
	env.fetcher.set("/icons/car.svg", 200, "old")
	env.get(t, "/icons/car.svg")
	env.w.Wait()

	env.clock.Advance(31 * 24 * time.Hour)
	env.fetcher.set("/icons/car.svg", 200, "new")
	resp := env.get(t, "/icons/car.svg")
	require.Equal(t, "new", string(resp.Body))
	require.Equal(t, "new", string(env.stored(t, KindImages, "/icons/car.svg").Body))
}

func TestWorker_network_first(t *testing.T) {
	env := newActiveEnv(t, Config{})
	env.fetcher.set("/api/live/positions", 200, "p1")

	resp := env.get(t, "/api/live/positions")
	require.Equal(t, "p1", string(resp.Body))
	require.NotNil(t, env.stored(t, KindDynamic, "/api/live/positions"))

	env.fetcher.setErr(errNetwork)
	resp = env.get(t, "/api/live/positions")
	require.Equal(t, "p1", string(resp.Body))

	// TTL follows the URL class (api, 5m), not the store
	env.clock.Advance(6 * time.Minute)
	resp = env.get(t, "/api/live/positions")
	require.Equal(t, http.StatusRequestTimeout, resp.Status)
}

func TestWorker_default_route(t *testing.T) {
	env := newActiveEnv(t, Config{})
	env.fetcher.set("/dashboard", 200, "<html>")
	env.fetcher.set("/broken", 500, "oops")

	require.Equal(t, "<html>", string(env.get(t, "/dashboard").Body))
	require.NotNil(t, env.stored(t, KindDynamic, "/dashboard"))

	resp := env.get(t, "/broken")
	require.Equal(t, 500, resp.Status)
	require.Nil(t, env.stored(t, KindDynamic, "/broken"), "non 2xx responses must not be cached")
}

func TestWorker_revalidate_shares_fetch(t *testing.T) {
	env := newActiveEnv(t, Config{})
	env.fetcher.set("/api/vehicles", 200, "v")
	release := make(chan struct{})
	env.fetcher.setBlock(release)

	a := env.w.revalidate(getReq("/api/vehicles"), Route{Strategy: StaleWhileRevalidate, Cache: KindAPI})
	// Give the first call time to enter the flight before starting the
	// second.
	time.Sleep(20 * time.Millisecond)
	b := env.w.revalidate(getReq("/api/vehicles"), Route{Strategy: StaleWhileRevalidate, Cache: KindAPI})
	time.Sleep(20 * time.Millisecond)
	close(release)

	ra, rb := <-a, <-b
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	env.w.Wait()
	require.Equal(t, 1, env.fetcher.callsOf("/api/vehicles"))
}

func TestWorker_isExpired(t *testing.T) {
	env := newActiveEnv(t, Config{})
	r := fallbackResponse(getReq("/api/vehicles"))
	require.True(t, env.w.isExpired(r), "missing header")

	r.SetCachedAt(env.clock.Now())
	require.False(t, env.w.isExpired(r))
	env.clock.Advance(5 * time.Minute)
	require.False(t, env.w.isExpired(r))
	env.clock.Advance(time.Millisecond)
	require.True(t, env.w.isExpired(r))
}

func TestWorker_metrics(t *testing.T) {
	env := &testEnv{fetcher: newFakeFetcher(), clock: newFakeClock()}
	m := NewMetrics()
	w, err := NewWorker(WorkerOpts{
		Storage: mem_storage.NewMemStorage(),
		Fetcher: env.fetcher,
		Metrics: m,
		Now:     env.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(w.Retire)
	ctx := context.Background()
	require.NoError(t, w.Dispatch(ctx, &Event{Type: EventInstall}))
	require.NoError(t, w.Dispatch(ctx, &Event{Type: EventActivate}))
	env.w = w

	env.fetcher.set("/api/vehicles", 200, "v")
	env.get(t, "/api/vehicles")
	env.w.Wait()
	env.get(t, "/api/vehicles")
	env.w.Wait()
	env.fetcher.setErr(errNetwork)
	env.get(t, "/api/auth")

	require.Equal(t, 2.0, testutil.ToFloat64(m.fetches.WithLabelValues(string(StaleWhileRevalidate))))
	require.Equal(t, 1.0, testutil.ToFloat64(m.hits.WithLabelValues(string(KindAPI))))
	require.Equal(t, 1.0, testutil.ToFloat64(m.misses.WithLabelValues(string(KindAPI))))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fallbacks))
}
