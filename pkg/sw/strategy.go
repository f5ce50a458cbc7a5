package sw

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
)

const fallbackBody = "Network error happened"

// fallbackResponse is served when neither the network nor the cache has
// anything to offer.
func fallbackResponse(req *Request) *cachestorage.Response {
	return &cachestorage.Response{
		URL:    req.Key(),
		Status: http.StatusRequestTimeout,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte(fallbackBody),
	}
}

func (w *Worker) fallback(req *Request) *cachestorage.Response {
	w.opts.Metrics.fallback()
	return fallbackResponse(req)
}

func (w *Worker) respond(ctx context.Context, req *Request) *cachestorage.Response {
	rt := w.router.Route(req.URL)
	w.opts.Metrics.fetch(rt.Strategy)

	var resp *cachestorage.Response
	switch rt.Strategy {
	case CacheFirst:
		resp = w.cacheFirst(ctx, req, rt)
	case StaleWhileRevalidate:
		resp = w.staleWhileRevalidate(ctx, req, rt)
	case NetworkOnly:
		resp = w.networkOnly(ctx, req)
	default:
		resp = w.networkFirst(ctx, req, rt)
	}
	return resp
}

// cacheFirst serves a live cached response and refreshes it in the
// background. On a miss it goes to the network. If the network fails, any
// cached response is better than none.
func (w *Worker) cacheFirst(ctx context.Context, req *Request, rt Route) *cachestorage.Response {
	cached := w.match(ctx, rt.Cache, req)
	if cached != nil && !w.isExpired(cached) {
		w.opts.Metrics.hit(rt.Cache)
		w.revalidate(req, rt)
		return cached
	}
	w.opts.Metrics.miss(rt.Cache)

	resp, err := w.fetchAndCache(ctx, req, rt)
	if err == nil {
		return resp
	}
	w.logger.Debug("cache first fetch failed", zap.String("url", req.Key()), zap.Error(err))
	if cached != nil {
		return cached
	}
	return w.fallback(req)
}

// networkFirst always tries the network and falls back to a live cached
// response.
func (w *Worker) networkFirst(ctx context.Context, req *Request, rt Route) *cachestorage.Response {
	resp, err := w.fetchAndCache(ctx, req, rt)
	if err == nil {
		return resp
	}
	w.logger.Debug("network first fetch failed", zap.String("url", req.Key()), zap.Error(err))

	if cached := w.match(ctx, rt.Cache, req); cached != nil && !w.isExpired(cached) {
		w.opts.Metrics.hit(rt.Cache)
		return cached
	}
	w.opts.Metrics.miss(rt.Cache)
	return w.fallback(req)
}

// staleWhileRevalidate always starts a background update. A live cached
// response is returned without waiting for it, otherwise the update is
// awaited.
func (w *Worker) staleWhileRevalidate(ctx context.Context, req *Request, rt Route) *cachestorage.Response {
	// The read must happen before the update can write.
	cached := w.match(ctx, rt.Cache, req)
	update := w.revalidate(req, rt)

	if cached != nil && !w.isExpired(cached) {
		w.opts.Metrics.hit(rt.Cache)
		return cached
	}
	w.opts.Metrics.miss(rt.Cache)

	select {
	case res := <-update:
		if res.err == nil {
			return res.resp.Clone()
		}
		w.logger.Debug("revalidation failed", zap.String("url", req.Key()), zap.Error(res.err))
	case <-ctx.Done():
	}
	if cached != nil {
		return cached
	}
	return w.fallback(req)
}

// networkOnly never reads nor writes any cache.
func (w *Worker) networkOnly(ctx context.Context, req *Request) *cachestorage.Response {
	resp, err := w.opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		w.logger.Debug("network only fetch failed", zap.String("url", req.Key()), zap.Error(err))
		return w.fallback(req)
	}
	return resp
}

type updateResult struct {
	resp *cachestorage.Response
	err  error
}

// revalidate fetches req in the background and stores the response. Calls
// for the same store and URL share one in-flight fetch. The returned
// channel receives the result once.
func (w *Worker) revalidate(req *Request, rt Route) <-chan updateResult {
	ch := make(chan updateResult, 1)
	key := string(rt.Cache) + " " + req.Key()
	bgReq := *req
	bgReq.Body = nil

	w.bgMu.Lock()
	if err := w.ctx.Err(); err != nil {
		w.bgMu.Unlock()
		ch <- updateResult{err: err}
		return ch
	}
	w.bg.Add(1)
	w.bgMu.Unlock()
	go func() {
		defer w.bg.Done()
		v, err, _ := w.sf.Do(key, func() (any, error) {
			return w.fetchAndCache(w.ctx, &bgReq, rt)
		})
		if err != nil {
			ch <- updateResult{err: err}
			return
		}
		ch <- updateResult{resp: v.(*cachestorage.Response)}
	}()
	return ch
}

// fetchAndCache fetches req and stores a 2xx response into the route's
// store.
func (w *Worker) fetchAndCache(ctx context.Context, req *Request, rt Route) (*cachestorage.Response, error) {
	resp, err := w.opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.OK() && rt.Strategy != NetworkOnly {
		w.put(ctx, rt.Cache, req, resp)
	}
	return resp, nil
}

// match returns the stored response of req, regardless of its age.
// Storage errors are logged and reported as a miss.
func (w *Worker) match(ctx context.Context, kind CacheKind, req *Request) *cachestorage.Response {
	c, err := w.opts.Storage.Open(ctx, w.cfg.CacheName(kind))
	if err != nil {
		w.logger.Warn("failed to open cache", zap.String("cache", string(kind)), zap.Error(err))
		return nil
	}
	r, ok, err := c.Match(ctx, req.Key())
	if err != nil {
		w.logger.Warn("cache match failed", zap.String("url", req.Key()), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return r
}

func (w *Worker) put(ctx context.Context, kind CacheKind, req *Request, resp *cachestorage.Response) {
	c, err := w.opts.Storage.Open(ctx, w.cfg.CacheName(kind))
	if err != nil {
		w.logger.Warn("failed to open cache", zap.String("cache", string(kind)), zap.Error(err))
		return
	}
	w.putInto(ctx, c, req, resp)
}

// putInto stores a copy of resp stamped with HeaderCachedAt.
func (w *Worker) putInto(ctx context.Context, c cachestorage.Cache, req *Request, resp *cachestorage.Response) {
	stored := resp.Clone()
	stored.URL = req.Key()
	stored.SetCachedAt(w.opts.Now())
	if err := c.Put(ctx, req.Key(), stored); err != nil {
		w.logger.Warn("cache put failed", zap.String("url", req.Key()), zap.Error(err))
	}
}

// isExpired reports whether the age of r exceeds the TTL of its URL's
// class. A response without a valid HeaderCachedAt is expired.
func (w *Worker) isExpired(r *cachestorage.Response) bool {
	cachedAt, ok := r.CachedAt()
	if !ok {
		return true
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return true
	}
	return w.opts.Now().Sub(cachedAt) > w.cfg.TTLOf(u)
}
