// Package registry holds the process-wide id-keyed tables every IoSystem
// and File handle is looked up through: a monotonic id allocator guarding
// a map, the same shape driver.File's fileHandle map and driver/memory.go's
// variable map use at smaller scope, generalized here to the two top-level
// handle kinds exposed across the whole process rather than one open file.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Table is a generic id -> value table. The zero value is not usable; use
// New.
type Table[T any] struct {
	mu     sync.RWMutex
	nextID int32
	byID   map[int32]T
}

// New returns an empty Table.
func New[T any]() *Table[T] {
	return &Table[T]{byID: make(map[int32]T)}
}

// Add allocates a new id, stores value under it, and returns the id.
func (t *Table[T]) Add(value T) int32 {
	id := atomic.AddInt32(&t.nextID, 1)
	t.mu.Lock()
	t.byID[id] = value
	t.mu.Unlock()
	return id
}

// Get looks up id, reporting whether it was found.
func (t *Table[T]) Get(id int32) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.byID[id]
	return v, ok
}

// MustGet is Get but returns an error carrying id instead of a bool, for
// callers at a public API boundary that want to propagate a bad-id error
// directly.
func (t *Table[T]) MustGet(id int32) (T, error) {
	v, ok := t.Get(id)
	if !ok {
		var zero T
		return zero, fmt.Errorf("registry: no entry for id %d", id)
	}
	return v, nil
}

// Remove deletes id from the table. It is not an error to remove an id
// that was never added or was already removed.
func (t *Table[T]) Remove(id int32) {
	t.mu.Lock()
	delete(t.byID, id)
	t.mu.Unlock()
}

// Len reports the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Each calls fn for every live entry. fn must not call back into t.
func (t *Table[T]) Each(fn func(id int32, value T)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, v := range t.byID {
		fn(id, v)
	}
}
