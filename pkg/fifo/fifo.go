// Package fifo provides a bounded table that evicts the oldest inserted
// entry when it is full. Reads never change the order, replacing a value
// keeps the entry's original position.
//
// Table is not safe for concurrent use.
package fifo

import "fmt"

type Table[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	// front is the oldest entry.
	front, back *elem[K, V]
	m           map[K]*elem[K, V]
}

type elem[K comparable, V any] struct {
	prev, next *elem[K, V]
	key        K
	v          V
}

// NewTable returns a Table holding at most maxSize entries. onEvict, if
// not nil, is called for every entry dropped to make room.
func NewTable[K comparable, V any](maxSize int, onEvict func(key K, v V)) *Table[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("fifo: invalid max size: %d", maxSize))
	}
	return &Table[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*elem[K, V], maxSize),
	}
}

// Add inserts or replaces key. If key is new and the table is full, the
// oldest entry is evicted first.
func (t *Table[K, V]) Add(key K, v V) {
	if e, ok := t.m[key]; ok {
		e.v = v
		return
	}

	if len(t.m) >= t.maxSize {
		e := t.front
		t.unlink(e)
		delete(t.m, e.key)
		if t.onEvict != nil {
			t.onEvict(e.key, e.v)
		}
	}

	e := &elem[K, V]{key: key, v: v}
	t.m[key] = e
	t.pushBack(e)
}

func (t *Table[K, V]) Get(key K) (v V, ok bool) {
	e, ok := t.m[key]
	if !ok {
		return
	}
	return e.v, true
}

// Del removes key. It reports whether key was present.
func (t *Table[K, V]) Del(key K) bool {
	e, ok := t.m[key]
	if !ok {
		return false
	}
	t.unlink(e)
	delete(t.m, key)
	return true
}

// Clean removes every entry for which f returns true.
func (t *Table[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for e := t.front; e != nil; {
		next := e.next
		if f(e.key, e.v) {
			t.unlink(e)
			delete(t.m, e.key)
			removed++
		}
		e = next
	}
	return
}

// Keys returns all keys, oldest first.
func (t *Table[K, V]) Keys() []K {
	keys := make([]K, 0, len(t.m))
	for e := t.front; e != nil; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

// Reset removes all entries without calling onEvict.
func (t *Table[K, V]) Reset() {
	t.front, t.back = nil, nil
	clear(t.m)
}

func (t *Table[K, V]) Len() int {
	return len(t.m)
}

func (t *Table[K, V]) Cap() int {
	return t.maxSize
}

func (t *Table[K, V]) pushBack(e *elem[K, V]) {
	e.prev = t.back
	e.next = nil
	if t.back != nil {
		t.back.next = e
	} else {
		t.front = e
	}
	t.back = e
}

func (t *Table[K, V]) unlink(e *elem[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		t.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		t.back = e.prev
	}
	e.prev, e.next = nil, nil
}
