package fifo

import (
	"reflect"
	"testing"
)

func TestTable_fifoEviction(t *testing.T) {
	var evicted []int
	q := NewTable[int, int](3, func(key, v int) { evicted = append(evicted, key) })

	q.Add(1, 1)
	q.Add(2, 2)
	q.Add(3, 3)

	// Reads and replacements do not refresh the position.
	q.Get(1)
	q.Add(1, 10)
	q.Add(4, 4)

	if !reflect.DeepEqual(evicted, []int{1}) {
		t.Fatalf("evicted %v, want [1]", evicted)
	}
	if _, ok := q.Get(1); ok {
		t.Fatal("oldest key survived")
	}
	if got := q.Keys(); !reflect.DeepEqual(got, []int{2, 3, 4}) {
		t.Fatalf("keys %v", got)
	}
	if q.Len() != 3 || q.Cap() != 3 {
		t.Fatalf("len %d cap %d", q.Len(), q.Cap())
	}
}

func TestTable_replaceKeepsValue(t *testing.T) {
	q := NewTable[string, int](2, nil)
	q.Add("a", 1)
	q.Add("a", 2)
	if v, ok := q.Get("a"); !ok || v != 2 {
		t.Fatalf("got %d %v", v, ok)
	}
	if q.Len() != 1 {
		t.Fatal()
	}
}

func TestTable_del(t *testing.T) {
	q := NewTable[int, int](4, nil)
	for i := 0; i < 4; i++ {
		q.Add(i, i)
	}
	if !q.Del(0) || !q.Del(2) || !q.Del(3) {
		t.Fatal("del failed")
	}
	if q.Del(2) {
		t.Fatal("double del reported true")
	}
	if got := q.Keys(); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("keys %v", got)
	}
	q.Add(5, 5)
	q.Add(6, 6)
	if got := q.Keys(); !reflect.DeepEqual(got, []int{1, 5, 6}) {
		t.Fatalf("keys %v", got)
	}
}

func TestTable_clean(t *testing.T) {
	q := NewTable[int, int](16, nil)
	for i := 0; i < 16; i++ {
		q.Add(i, i)
	}
	removed := q.Clean(func(key, v int) bool { return v%2 == 0 })
	if removed != 8 || q.Len() != 8 {
		t.Fatalf("removed %d, len %d", removed, q.Len())
	}
	if got := q.Keys(); !reflect.DeepEqual(got, []int{1, 3, 5, 7, 9, 11, 13, 15}) {
		t.Fatalf("keys %v", got)
	}

	q.Reset()
	if q.Len() != 0 || len(q.Keys()) != 0 {
		t.Fatal("reset failed")
	}
	q.Add(1, 1)
	if got := q.Keys(); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("keys %v", got)
	}
}

func TestNewTable_invalidSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("no panic")
		}
	}()
	NewTable[int, int](0, nil)
}
