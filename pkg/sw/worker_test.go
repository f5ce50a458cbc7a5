package sw

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
	"github.com/churchfleet/fleetcache/pkg/cachestorage/mem_storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeFetcher serves canned responses by path. Unknown paths are 404.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*cachestorage.Response
	calls     map[string]int
	reqs      []*Request
	err       error
	block     chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]*cachestorage.Response),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) set(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = &cachestorage.Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) setBlock(c chan struct{}) {
	f.mu.Lock()
	f.block = c
	f.mu.Unlock()
}

func (f *fakeFetcher) callsOf(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeFetcher) lastReq() *Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return nil
	}
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *Request) (*cachestorage.Response, error) {
	f.mu.Lock()
	f.calls[req.URL.Path]++
	f.reqs = append(f.reqs, req)
	block, err, r := f.block, f.err, f.responses[req.URL.Path]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if r == nil {
		return &cachestorage.Response{
			URL:    req.Key(),
			Status: http.StatusNotFound,
			Header: make(http.Header),
			Body:   []byte("not found"),
		}, nil
	}
	c := r.Clone()
	c.URL = req.Key()
	return c, nil
}

type testEnv struct {
	w       *Worker
	storage *mem_storage.MemStorage
	fetcher *fakeFetcher
	clock   *fakeClock
}

func newTestWorker(t *testing.T, cfg Config, f *fakeFetcher, s *mem_storage.MemStorage, clk *fakeClock) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerOpts{Config: cfg, Storage: s, Fetcher: f, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(w.Retire)
	return w
}

// newActiveEnv returns an activated worker with the default config.
func newActiveEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		storage: mem_storage.NewMemStorage(),
		fetcher: newFakeFetcher(),
		clock:   newFakeClock(),
	}
	env.w = newTestWorker(t, cfg, env.fetcher, env.storage, env.clock)
	ctx := context.Background()
	require.NoError(t, env.w.Dispatch(ctx, &Event{Type: EventInstall}))
	require.NoError(t, env.w.Dispatch(ctx, &Event{Type: EventActivate}))
	require.Equal(t, StateActivated, env.w.State())
	return env
}

func (env *testEnv) get(t *testing.T, path string) *cachestorage.Response {
	t.Helper()
	resp, ok := env.w.HandleFetch(context.Background(), getReq(path))
	require.True(t, ok, "request %s was not intercepted", path)
	return resp
}

// stored returns the entry of path in the store of kind, or nil.
func (env *testEnv) stored(t *testing.T, kind CacheKind, path string) *cachestorage.Response {
	t.Helper()
	ctx := context.Background()
	c, err := env.storage.Open(ctx, env.w.Config().CacheName(kind))
	require.NoError(t, err)
	r, ok, err := c.Match(ctx, getReq(path).Key())
	require.NoError(t, err)
	if !ok {
		return nil
	}
	return r
}

func mustURL(path string) *url.URL {
	u, err := url.Parse("http://localhost" + path)
	if err != nil {
		panic(err)
	}
	return u
}

func getReq(path string) *Request {
	return &Request{Method: "GET", URL: mustURL(path)}
}

func Test_State_String(t *testing.T) {
	assert.Equal(t, "activated", StateActivated.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestWorker_lifecycle(t *testing.T) {
	clk := newFakeClock()
	w := newTestWorker(t, Config{}, newFakeFetcher(), mem_storage.NewMemStorage(), clk)
	ctx := context.Background()
	require.Equal(t, StateParsed, w.State())

	err := w.Dispatch(ctx, &Event{Type: EventActivate})
	require.True(t, errors.Is(err, ErrInvalidState))

	_, ok := w.HandleFetch(ctx, getReq("/api/vehicles"))
	require.False(t, ok, "a worker that is not activated must not intercept")

	require.NoError(t, w.Dispatch(ctx, &Event{Type: EventInstall}))
	require.Equal(t, StateInstalled, w.State())
	require.ErrorIs(t, w.Dispatch(ctx, &Event{Type: EventInstall}), ErrInvalidState)

	require.NoError(t, w.Dispatch(ctx, &Event{Type: EventActivate}))
	require.Equal(t, StateActivated, w.State())

	require.ErrorIs(t, w.Dispatch(ctx, &Event{Type: "sync"}), ErrUnknownEvent)
	require.ErrorIs(t, w.Dispatch(ctx, &Event{Type: EventFetch}), errMissingFetch)

	w.Retire()
	require.Equal(t, StateRedundant, w.State())
	_, ok = w.HandleFetch(ctx, getReq("/api/vehicles"))
	require.False(t, ok)
}

func TestWorker_ignores_non_get(t *testing.T) {
	env := newActiveEnv(t, Config{})
	req := &Request{Method: "POST", URL: mustURL("/api/vehicles")}
	_, ok := env.w.HandleFetch(context.Background(), req)
	require.False(t, ok)
	require.Equal(t, 0, env.fetcher.callsOf("/api/vehicles"))
}

func TestWorker_precache(t *testing.T) {
	f := newFakeFetcher()
	f.set("/", 200, "<html>shell</html>")
	f.set("/offline.html", 200, "offline")
	s := mem_storage.NewMemStorage()
	clk := newFakeClock()
	w := newTestWorker(t, Config{ShellURLs: []string{"/", "/offline.html", "/missing"}}, f, s, clk)
	ctx := context.Background()
	require.NoError(t, w.Dispatch(ctx, &Event{Type: EventInstall}))

	c, err := s.Open(ctx, "vehicle-static-v2.1")
	require.NoError(t, err)
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"http://localhost/", "http://localhost/offline.html"}, keys)

	r, ok, err := c.Match(ctx, "http://localhost/")
	require.NoError(t, err)
	require.True(t, ok)
	cachedAt, ok := r.CachedAt()
	require.True(t, ok)
	require.Equal(t, clk.Now().UnixMilli(), cachedAt.UnixMilli())
}

func TestWorker_invalid_opts(t *testing.T) {
	_, err := NewWorker(WorkerOpts{Fetcher: newFakeFetcher()})
	require.ErrorIs(t, err, errNilStorage)
	_, err = NewWorker(WorkerOpts{Storage: mem_storage.NewMemStorage()})
	require.ErrorIs(t, err, errNilFetcher)
	_, err = NewWorker(WorkerOpts{
		Storage: mem_storage.NewMemStorage(),
		Fetcher: newFakeFetcher(),
		Config:  Config{Scope: "/relative"},
	})
	require.Error(t, err)
}
