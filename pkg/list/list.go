// Package list is a small generic doubly linked list. Elements are allocated
// by the caller so they can be indexed by a map and removed in O(1).
package list

type Elem[V any] struct {
	Value V

	prev, next *Elem[V]
	list       *List[V]
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

// Next returns the element after e, or nil at the back of the list.
func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}

// Prev returns the element before e, or nil at the front of the list.
func (e *Elem[V]) Prev() *Elem[V] {
	return e.prev
}

type List[V any] struct {
	front, back *Elem[V]
	length      int
}

func New[V any]() *List[V] {
	return &List[V]{}
}

func (l *List[V]) Front() *Elem[V] {
	return l.front
}

func (l *List[V]) Back() *Elem[V] {
	return l.back
}

func (l *List[V]) Len() int {
	return l.length
}

// PushBack appends e. e must not belong to any list.
func (l *List[V]) PushBack(e *Elem[V]) *Elem[V] {
	if e.list != nil {
		panic("elem already belongs to a list")
	}
	l.length++
	e.list = l

	if l.back == nil {
		l.front = e
		l.back = e
		return e
	}

	e.prev = l.back
	l.back.next = e
	l.back = e
	return e
}

// MoveToBack moves an existing element to the back in O(1).
func (l *List[V]) MoveToBack(e *Elem[V]) {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	if l.back == e {
		return
	}
	l.unlink(e)
	e.prev = l.back
	e.next = nil
	l.back.next = e
	l.back = e
}

// PopElem removes e from l and returns it.
func (l *List[V]) PopElem(e *Elem[V]) *Elem[V] {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	l.length--
	l.unlink(e)
	e.prev = nil
	e.next = nil
	e.list = nil
	return e
}

// Range calls f for every element from front to back until f returns false.
// f must not modify the list.
func (l *List[V]) Range(f func(v V) bool) {
	for e := l.front; e != nil; e = e.next {
		if !f(e.Value) {
			return
		}
	}
}

func (l *List[V]) unlink(e *Elem[V]) {
	p, n := e.prev, e.next
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	if n != nil {
		n.prev = p
	} else {
		l.back = p
	}
}
