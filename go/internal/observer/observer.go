// Package observer provides a listener list with explicit register and
// unregister.
package observer

import (
	"sort"
	"sync"
)

// List holds listeners of type func(T). It is safe for concurrent use;
// listeners are invoked in registration order on the caller's goroutine.
type List[T any] struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(T)
}

// Add registers fn and returns the function that unregisters it. Calling the
// returned function more than once is harmless.
func (l *List[T]) Add(fn func(T)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listeners == nil {
		l.listeners = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Len returns the number of registered listeners.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.listeners)
}

// Notify calls every listener with v. The list may be modified by a listener.
func (l *List[T]) Notify(v T) {
	l.mu.RLock()
	ids := make([]int, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.listeners[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
