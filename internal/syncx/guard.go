// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// RWGuard is a value that is only reachable under its lock.
type RWGuard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *RWGuard[T] {
	return &RWGuard[T]{value: initial}
}

// View runs fn under the read lock and returns its result.
func View[T, R any](g *RWGuard[T], fn func(T) R) R {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(g.value)
}

// Write runs fn under the write lock; fn may mutate the value in place.
func (g *RWGuard[T]) Write(fn func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// Get returns a copy of the value (T should be value type or immutable).
func (g *RWGuard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Set replaces the value.
func (g *RWGuard[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}
