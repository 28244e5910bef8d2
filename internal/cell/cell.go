// Package cell provides a small versioned value holder shared between
// goroutines. One writer commits at a time; readers always observe the latest
// fully committed value together with the version it was committed under.
package cell

import "sync"

// Cell holds a value of type T. The zero Cell holds the zero T at version 0.
type Cell[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
}

// New returns a Cell initialised with v at version 0.
func New[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// Load returns the current value.
func (c *Cell[T]) Load() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Snapshot returns the current value and its version.
func (c *Cell[T]) Snapshot() (T, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.version
}

// Store replaces the value and returns the new version.
func (c *Cell[T]) Store(v T) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.version++
	return c.version
}

// Update applies fn to the current value under the write lock and commits the
// result. fn must not block.
func (c *Cell[T]) Update(fn func(T) T) (T, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = fn(c.value)
	c.version++
	return c.value, c.version
}
