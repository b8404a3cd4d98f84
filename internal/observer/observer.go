// Package observer provides callback lists with explicit subscription handles.
package observer

import (
	"sync"
)

// List is an ordered set of callbacks of type F. It is safe for concurrent use.
type List[F any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []entry[F]
}

type entry[F any] struct {
	id uint64
	fn F
}

// Subscription removes its callback from the list when unsubscribed
type Subscription struct {
	once   sync.Once
	remove func()
}

// Unsubscribe detaches the callback. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.remove)
}

// Add appends fn and returns its subscription
func (l *List[F]) Add(fn F) *Subscription {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, entry[F]{id: id, fn: fn})
	l.mu.Unlock()

	return &Subscription{remove: func() { l.remove(id) }}
}

func (l *List[F]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.subs {
		if e.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// Snapshot returns the callbacks in registration order. Callers invoke them
// without holding any lock, so callbacks may subscribe or unsubscribe freely.
func (l *List[F]) Snapshot() []F {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]F, len(l.subs))
	for i, e := range l.subs {
		out[i] = e.fn
	}
	return out
}

// Len returns the number of active subscriptions
func (l *List[F]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Clear drops every subscription
func (l *List[F]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = nil
}
