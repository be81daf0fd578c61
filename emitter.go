package taskmarket

import "sync"

// listeners is a list of observer callbacks. Panics in a callback are
// swallowed so one bad observer cannot break the others.
type listeners[T any] struct {
	mu  sync.RWMutex
	fns []func(T)
}

func (l *listeners[T]) add(fn func(T)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := append([]func(T){}, l.fns...)
	l.mu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }()
			fn(v)
		}()
	}
}
