package handles

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrInvalidHandle = errors.New("invalid handle")
	ErrDoubleFree    = errors.New("handle already freed")
)

// Handle is an opaque reference to a value registered in a Table. It is safe
// to hand to native code as user data: it carries no Go pointer.
type Handle uintptr

// Table stores backing structs that native callbacks refer to by Handle.
// A Handle is freed exactly once; a second Free reports ErrDoubleFree.
//
// Handles are never reused, so a handle below nextID that is not in values
// has been freed. Only live handles take memory.
type Table struct {
	mu     sync.RWMutex
	values map[Handle]any
	nextID Handle

	allocs atomic.Int64
	frees  atomic.Int64
	double atomic.Int64
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		values: make(map[Handle]any),
		nextID: 1,
	}
}

var defaultTable = NewTable()

// Default returns the process-wide table.
func Default() *Table {
	return defaultTable
}

// Alloc registers v and returns its handle.
func (t *Table) Alloc(v any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.nextID
	t.nextID++
	t.values[h] = v
	t.allocs.Add(1)
	return h
}

// Lookup retrieves the value behind h.
func (t *Table) Lookup(h Handle) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[h]
	return v, ok
}

// Free releases h. The value becomes collectable once no Go references remain.
func (t *Table) Free(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.values[h]; ok {
		delete(t.values, h)
		t.frees.Add(1)
		return nil
	}
	if t.issued(h) {
		t.double.Add(1)
		return fmt.Errorf("free handle %d: %w", h, ErrDoubleFree)
	}
	return fmt.Errorf("free handle %d: %w", h, ErrInvalidHandle)
}

// IsFreed reports whether h was allocated and has since been freed.
func (t *Table) IsFreed(h Handle) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, live := t.values[h]
	return !live && t.issued(h)
}

// issued reports whether Alloc ever returned h. Callers hold t.mu.
func (t *Table) issued(h Handle) bool {
	return h != 0 && h < t.nextID
}

// Live returns the number of handles not yet freed.
func (t *Table) Live() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

// Stats returns allocation statistics.
func (t *Table) Stats() Stats {
	return Stats{
		Allocs:      t.allocs.Load(),
		Frees:       t.frees.Load(),
		DoubleFrees: t.double.Load(),
		Live:        t.Live(),
	}
}

// Stats contains table statistics.
type Stats struct {
	Allocs      int64 `json:"allocs"`
	Frees       int64 `json:"frees"`
	DoubleFrees int64 `json:"double_frees"`
	Live        int   `json:"live"`
}
