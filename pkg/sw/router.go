package sw

import (
	"net/url"

	"github.com/churchfleet/fleetcache/pkg/concurrent_lru"
)

const (
	routeMemoShards   = 16
	routeMemoPerShard = 256
)

// Route is the strategy chosen for a request and the store it uses.
type Route struct {
	Strategy Strategy
	Cache    CacheKind
}

// defaultRoute serves everything no rule matches.
var defaultRoute = Route{Strategy: NetworkFirst, Cache: KindDynamic}

// Router classifies request URLs by path. Results are memoized.
type Router struct {
	rules []Rule
	memo  *concurrent_lru.ShardedLRU[Route]
}

func NewRouter(rules []Rule) *Router {
	return &Router{
		rules: rules,
		memo:  concurrent_lru.NewShardedLRU[Route](routeMemoShards, routeMemoPerShard, nil),
	}
}

func (r *Router) Route(u *url.URL) Route {
	if rt, ok := r.memo.Get(u.Path); ok {
		return rt
	}
	rt := r.match(u.Path)
	r.memo.Add(u.Path, rt)
	return rt
}

func (r *Router) match(path string) Route {
	for _, rule := range r.rules {
		if matchAny(rule.Patterns, path) {
			return Route{Strategy: rule.Strategy, Cache: rule.Cache}
		}
	}
	return defaultRoute
}
