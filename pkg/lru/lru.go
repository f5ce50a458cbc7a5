package lru

import (
	"fmt"

	"github.com/churchfleet/fleetcache/pkg/list"
)

// LRU is a fixed capacity least recently used map. It is not concurrent safe.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	l *list.List[kv[K, V]]
	m map[K]*list.Elem[kv[K, V]]
}

type kv[K comparable, V any] struct {
	key K
	v   V
}

// NewLRU creates a LRU. onEvict, if not nil, is called whenever an entry
// leaves the LRU, either replaced by capacity pressure or by Del/Purge.
func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		l:       list.New[kv[K, V]](),
		m:       make(map[K]*list.Elem[kv[K, V]], maxSize),
	}
}

func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.Value.v = v
		q.l.MoveToBack(e)
		return
	}

	// Full: recycle the oldest element instead of allocating.
	if q.l.Len() >= q.maxSize {
		e := q.l.Front()
		if q.onEvict != nil {
			q.onEvict(e.Value.key, e.Value.v)
		}
		delete(q.m, e.Value.key)

		e.Value = kv[K, V]{key: key, v: v}
		q.m[key] = e
		q.l.MoveToBack(e)
		return
	}

	e := list.NewElem(kv[K, V]{key: key, v: v})
	q.m[key] = e
	q.l.PushBack(e)
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.MoveToBack(e)
	return e.Value.v, true
}

// Peek is Get without touching the recency order.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.v, true
}

func (q *LRU[K, V]) Del(key K) {
	if e := q.m[key]; e != nil {
		q.delElem(e)
	}
}

// Purge removes all entries.
func (q *LRU[K, V]) Purge() {
	for e := q.l.Front(); e != nil; e = q.l.Front() {
		q.delElem(e)
	}
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}

func (q *LRU[K, V]) delElem(e *list.Elem[kv[K, V]]) {
	key, v := e.Value.key, e.Value.v
	q.l.PopElem(e)
	delete(q.m, key)

	if q.onEvict != nil {
		q.onEvict(key, v)
	}
}
