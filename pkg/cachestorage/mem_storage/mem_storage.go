package mem_storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
	"github.com/churchfleet/fleetcache/pkg/list"
)

var ErrClosed = errors.New("storage closed")

// MemStorage is a cachestorage.Storage that lives in process memory.
type MemStorage struct {
	closed uint32

	mu     sync.Mutex
	names  []string
	caches map[string]*MemCache
}

var _ cachestorage.Storage = (*MemStorage)(nil)

func NewMemStorage() *MemStorage {
	return &MemStorage{caches: make(map[string]*MemCache)}
}

func (s *MemStorage) isClosed() bool {
	return atomic.LoadUint32(&s.closed) != 0
}

func (s *MemStorage) Open(_ context.Context, name string) (cachestorage.Cache, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		c = newMemCache()
		s.caches[name] = c
		s.names = append(s.names, name)
	}
	return c, nil
}

func (s *MemStorage) Has(_ context.Context, name string) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			break
		}
	}
	// Handles opened before the delete keep working on a detached cache.
	c.purge()
	return true, nil
}

func (s *MemStorage) Keys(_ context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...), nil
}

func (s *MemStorage) Close() error {
	atomic.StoreUint32(&s.closed, 1)
	return nil
}

// MemCache is one named cache. Entries are kept in insertion order.
type MemCache struct {
	mu sync.Mutex
	l  *list.List[*item]
	m  map[string]*list.Elem[*item]
}

type item struct {
	key string
	r   *cachestorage.Response
}

func newMemCache() *MemCache {
	return &MemCache{
		l: list.New[*item](),
		m: make(map[string]*list.Elem[*item]),
	}
}

func (c *MemCache) Match(_ context.Context, key string) (*cachestorage.Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false, nil
	}
	return e.Value.r.Clone(), true, nil
}

func (c *MemCache) Put(_ context.Context, key string, r *cachestorage.Response) error {
	// Copy so the cache owns its response.
	r = r.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[key]; ok {
		e.Value.r = r
		c.l.MoveToBack(e)
		return nil
	}
	c.m[key] = c.l.PushBack(list.NewElem(&item{key: key, r: r}))
	return nil
}

func (c *MemCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return false, nil
	}
	c.l.PopElem(e)
	delete(c.m, key)
	return true, nil
}

func (c *MemCache) Keys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.l.Len())
	c.l.Range(func(it *item) bool {
		keys = append(keys, it.key)
		return true
	})
	return keys, nil
}

func (c *MemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l.Len()
}

func (c *MemCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l = list.New[*item]()
	c.m = make(map[string]*list.Elem[*item])
}
