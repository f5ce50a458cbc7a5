package sw

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/churchfleet/fleetcache/pkg/utils"
)

// CacheKind names one of the four response stores. It is also the TTL
// class of a URL.
type CacheKind string

const (
	KindStatic  CacheKind = "static"
	KindDynamic CacheKind = "dynamic"
	KindAPI     CacheKind = "api"
	KindImages  CacheKind = "images"
)

// Kinds lists every store in maintenance order.
var Kinds = []CacheKind{KindStatic, KindDynamic, KindAPI, KindImages}

type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkOnly          Strategy = "network-only"
)

// Rule routes the requests whose path matches any of Patterns.
type Rule struct {
	Strategy Strategy
	// Cache is the store written and read by the strategy.
	// Ignored by NetworkOnly.
	Cache    CacheKind
	Patterns []*regexp.Regexp
}

// Class maps URL paths to a TTL class.
type Class struct {
	Kind     CacheKind
	Patterns []*regexp.Regexp
}

const (
	defaultVersion             = "v2.1"
	defaultPrefix              = "vehicle"
	defaultMaintenanceInterval = 24 * time.Hour
)

var (
	imagePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\.(png|jpe?g|gif|svg|webp|avif|ico)$`),
		regexp.MustCompile(`^/(icons|images)/`),
	}
	staticPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^/_next/static/`),
		regexp.MustCompile(`(?i)\.(js|css|woff2?|ttf|otf|eot)$`),
	}
	apiPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^/api/`),
	}
)

// DefaultRules is the route table of the vehicle admin app. Order matters,
// the first matching rule wins.
func DefaultRules() []Rule {
	return []Rule{
		{
			Strategy: NetworkOnly,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`^/api/auth(/|$)`),
				regexp.MustCompile(`^/api/payments?(/|$)`),
				regexp.MustCompile(`^/api/sensitive(/|$)`),
			},
		},
		{
			Strategy: NetworkFirst,
			Cache:    KindDynamic,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`^/api/(live|realtime|notifications)(/|$)`),
			},
		},
		{Strategy: CacheFirst, Cache: KindStatic, Patterns: staticPatterns},
		{Strategy: CacheFirst, Cache: KindImages, Patterns: imagePatterns},
		{
			Strategy: StaleWhileRevalidate,
			Cache:    KindAPI,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`^/api/(vehicles|users|statistics)(/|$)`),
			},
		},
	}
}

// DefaultClasses classifies URLs for TTL purposes. Unmatched URLs are
// KindDynamic.
func DefaultClasses() []Class {
	return []Class{
		{Kind: KindImages, Patterns: imagePatterns},
		{Kind: KindStatic, Patterns: staticPatterns},
		{Kind: KindAPI, Patterns: apiPatterns},
	}
}

func DefaultLimits() map[CacheKind]int64 {
	return map[CacheKind]int64{
		KindStatic:  utils.MiB(50),
		KindDynamic: utils.MiB(25),
		KindAPI:     utils.MiB(10),
		KindImages:  utils.MiB(100),
	}
}

func DefaultTTLs() map[CacheKind]time.Duration {
	return map[CacheKind]time.Duration{
		KindAPI:     5 * time.Minute,
		KindDynamic: 24 * time.Hour,
		KindStatic:  7 * 24 * time.Hour,
		KindImages:  30 * 24 * time.Hour,
	}
}

type Config struct {
	// Version is baked into every cache name. Bumping it invalidates all
	// caches of previous versions on the next activation.
	// Default is "v2.1".
	Version string

	// Prefix of the cache names. Default is "vehicle".
	Prefix string

	// Scope is the origin the worker controls. Relative URLs are resolved
	// against it. Default is "http://localhost/".
	Scope string

	// ShellURLs are precached into the static store on install.
	ShellURLs []string

	// Limits are byte ceilings per store. A missing or zero entry disables
	// size enforcement for that store.
	Limits map[CacheKind]int64

	// TTLs per class. Missing entries use DefaultTTLs.
	TTLs map[CacheKind]time.Duration

	// MaintenanceInterval of the periodic size and expiry sweep.
	// Default is 24h.
	MaintenanceInterval time.Duration

	// DisableSkipWaiting makes a new version wait until SkipWaiting is
	// requested instead of activating right after install.
	DisableSkipWaiting bool

	// Rules and Classes default to DefaultRules and DefaultClasses.
	Rules   []Rule
	Classes []Class

	scope *url.URL
}

func (c *Config) Init() error {
	utils.SetDefaultString(&c.Version, defaultVersion)
	utils.SetDefaultString(&c.Prefix, defaultPrefix)
	utils.SetDefaultString(&c.Scope, "http://localhost/")
	utils.SetDefaultNum(&c.MaintenanceInterval, defaultMaintenanceInterval)
	if c.Limits == nil {
		c.Limits = DefaultLimits()
	}
	ttls := DefaultTTLs()
	for k, v := range c.TTLs {
		if v > 0 {
			ttls[k] = v
		}
	}
	c.TTLs = ttls
	if c.Rules == nil {
		c.Rules = DefaultRules()
	}
	if c.Classes == nil {
		c.Classes = DefaultClasses()
	}
	for i, r := range c.Rules {
		switch r.Strategy {
		case CacheFirst, NetworkFirst, StaleWhileRevalidate:
			if !validKind(r.Cache) {
				return fmt.Errorf("rule #%d: invalid cache %q", i, r.Cache)
			}
		case NetworkOnly:
		default:
			return fmt.Errorf("rule #%d: invalid strategy %q", i, r.Strategy)
		}
	}

	u, err := url.Parse(c.Scope)
	if err != nil {
		return fmt.Errorf("invalid scope: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("scope %q is not an absolute url", c.Scope)
	}
	c.scope = u
	return nil
}

// CacheName returns the versioned store name, e.g. "vehicle-static-v2.1".
func (c *Config) CacheName(k CacheKind) string {
	return c.Prefix + "-" + string(k) + "-" + c.Version
}

// CacheNames returns the names of the four stores of this version.
func (c *Config) CacheNames() []string {
	names := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		names = append(names, c.CacheName(k))
	}
	return names
}

// Resolve resolves ref against Scope.
func (c *Config) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return c.scope.ResolveReference(u), nil
}

// ClassOf returns the TTL class of u.
func (c *Config) ClassOf(u *url.URL) CacheKind {
	for _, cl := range c.Classes {
		if matchAny(cl.Patterns, u.Path) {
			return cl.Kind
		}
	}
	return KindDynamic
}

func (c *Config) TTLOf(u *url.URL) time.Duration {
	return c.TTLs[c.ClassOf(u)]
}

func validKind(k CacheKind) bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
