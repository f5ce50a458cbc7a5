// Package valuecache is an in-process, TTL aware and memory bounded value
// cache. Entries are evicted by value density under memory pressure and by
// a recency weighted frequency score under entry count pressure.
package valuecache

import (
	"fmt"
	"math"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/churchfleet/fleetcache/pkg/utils"
)

const (
	defaultMaxSize    = 1000
	defaultMaxMemory  = 50 << 20
	defaultTTL        = 5 * time.Minute
	defaultStaleAfter = time.Hour
)

var nopLogger = zap.NewNop()

type Opts struct {
	// MaxSize is the entry count ceiling. Default is 1000.
	MaxSize int

	// MaxMemory is the byte ceiling of the estimated entry sizes.
	// Default is 50 MiB.
	MaxMemory int64

	// DefaultTTL is used by Set when ttl <= 0. Default is 5 minutes.
	DefaultTTL time.Duration

	// StaleAfter is the idle time after which Optimize drops an entry
	// regardless of its TTL. Default is 1 hour.
	StaleAfter time.Duration

	// OptimizeInterval, if > 0, starts a goroutine that calls Optimize
	// periodically until Close.
	OptimizeInterval time.Duration

	// SingleFlight makes concurrent Prefetch misses on the same key share
	// one loader call.
	SingleFlight bool

	// Logger is the *zap.Logger for this Store.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Now is the clock. Default is time.Now.
	Now func() time.Time
}

func (opts *Opts) Init() {
	utils.SetDefaultNum(&opts.MaxSize, defaultMaxSize)
	utils.SetDefaultNum(&opts.MaxMemory, defaultMaxMemory)
	utils.SetDefaultNum(&opts.DefaultTTL, defaultTTL)
	utils.SetDefaultNum(&opts.StaleAfter, defaultStaleAfter)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
}

// entry is a stored value. data is owned by the Store once stored, callers
// must treat values returned by Get as read-only.
type entry struct {
	data         any
	timestamp    time.Time
	ttl          time.Duration
	accessCount  int64
	lastAccessed time.Time
	size         int64
	seq          uint64 // insertion order, eviction tiebreak
}

// EntryInfo is a read-only snapshot of an entry passed to InvalidateWhere.
type EntryInfo struct {
	Data         any
	Timestamp    time.Time
	TTL          time.Duration
	AccessCount  int64
	LastAccessed time.Time
	Size         int64
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		Data:         e.data,
		Timestamp:    e.timestamp,
		TTL:          e.ttl,
		AccessCount:  e.accessCount,
		LastAccessed: e.lastAccessed,
		Size:         e.size,
	}
}

// live reports whether e is still inside its TTL window. An access exactly
// at timestamp+ttl is still valid.
func (e *entry) live(now time.Time) bool {
	return now.Sub(e.timestamp) <= e.ttl
}

type Store struct {
	opts Opts

	mu        sync.Mutex
	m         map[string]*entry
	seq       uint64
	totalSize int64
	hits      int64
	misses    int64
	evictions int64

	sf     singleflight.Group
	bg     sync.WaitGroup
	closed uint32
	stop   chan struct{}
}

func NewStore(opts Opts) *Store {
	opts.Init()
	s := &Store{
		opts: opts,
		m:    make(map[string]*entry),
		stop: make(chan struct{}),
	}
	if opts.OptimizeInterval > 0 {
		go s.startOptimizer(opts.OptimizeInterval)
	}
	return s
}

// Set stores data under key. A ttl <= 0 selects Opts.DefaultTTL.
// Set never fails, an entry that can never fit in MaxMemory is dropped.
func (s *Store) Set(key string, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	size := calculateSize(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.m[key]; ok {
		s.deleteLocked(key, old)
	}

	if size > s.opts.MaxMemory {
		s.opts.Logger.Warn("value too large for the cache",
			zap.String("key", key), zap.Int64("size", size), zap.Int64("max_memory", s.opts.MaxMemory))
		return
	}

	if s.totalSize+size > s.opts.MaxMemory {
		s.evictByMemory(s.totalSize + size - s.opts.MaxMemory)
	}
	if len(s.m) >= s.opts.MaxSize {
		s.evictLeastValuable()
	}

	now := s.opts.Now()
	s.seq++
	s.m[key] = &entry{
		data:         data,
		timestamp:    now,
		ttl:          ttl,
		accessCount:  1,
		lastAccessed: now,
		size:         size,
		seq:          s.seq,
	}
	s.totalSize += size
}

// Get returns the value of key. An expired entry is deleted and counted as
// a miss.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[key]
	if !ok {
		s.misses++
		return nil, false
	}

	now := s.opts.Now()
	if !e.live(now) {
		s.deleteLocked(key, e)
		s.misses++
		return nil, false
	}

	e.accessCount++
	e.lastAccessed = now
	s.hits++
	return e.data, true
}

// Has reports whether key holds a live entry. It does not touch the
// statistics or the access metadata.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	return ok && e.live(s.opts.Now())
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if ok {
		s.deleteLocked(key, e)
	}
	return ok
}

// InvalidatePattern deletes every key matching the regular expression
// pattern and returns the number of deleted entries.
func (s *Store) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern: %w", err)
	}
	return s.InvalidateRegexp(re), nil
}

func (s *Store) InvalidateRegexp(re *regexp.Regexp) int {
	return s.InvalidateWhere(func(key string, _ EntryInfo) bool {
		return re.MatchString(key)
	})
}

// InvalidateWhere deletes every entry for which f returns true.
// f is called with the store locked and must not call back into s.
func (s *Store) InvalidateWhere(f func(key string, e EntryInfo) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.m {
		if f(k, e.info()) {
			s.deleteLocked(k, e)
			n++
		}
	}
	return n
}

// Optimize deletes expired entries, then entries idle for longer than
// Opts.StaleAfter. It returns the number of deleted entries.
func (s *Store) Optimize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	n := 0
	for k, e := range s.m {
		if !e.live(now) {
			s.deleteLocked(k, e)
			n++
		}
	}
	for k, e := range s.m {
		if now.Sub(e.lastAccessed) > s.opts.StaleAfter {
			s.deleteLocked(k, e)
			n++
		}
	}
	return n
}

// Stats is a snapshot of the store counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	// HitRate is a rounded percentage in [0, 100].
	HitRate int `json:"hitRate"`
	Size    int `json:"size"`
	MaxSize int `json:"maxSize"`
	// MemoryUsage and MaxMemory are in MiB. MemoryUsage has two decimals.
	MemoryUsage float64 `json:"memoryUsage"`
	MaxMemory   float64 `json:"maxMemory"`

	// MemoryBytes is the raw estimated byte usage.
	MemoryBytes int64 `json:"-"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	hitRate := 0
	if total := s.hits + s.misses; total > 0 {
		hitRate = int(math.Round(float64(s.hits) / float64(total) * 100))
	}
	return Stats{
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		HitRate:     hitRate,
		Size:        len(s.m),
		MaxSize:     s.opts.MaxSize,
		MemoryUsage: math.Round(float64(s.totalSize)/(1<<20)*100) / 100,
		MaxMemory:   float64(s.opts.MaxMemory) / (1 << 20),
		MemoryBytes: s.totalSize,
	}
}

// Clear drops all entries and resets every counter.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]*entry)
	s.totalSize = 0
	s.hits = 0
	s.misses = 0
	s.evictions = 0
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Close stops the optimizer goroutine. The store stays usable.
func (s *Store) Close() error {
	if atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		close(s.stop)
	}
	return nil
}

// Wait blocks until all background refreshes started so far are finished.
func (s *Store) Wait() {
	s.bg.Wait()
}

func (s *Store) deleteLocked(key string, e *entry) {
	delete(s.m, key)
	s.totalSize -= e.size
}

func (s *Store) startOptimizer(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Optimize(); n > 0 {
				s.opts.Logger.Debug("cache optimized", zap.Int("removed", n))
			}
		}
	}
}
