package operation

import "sync"

type listState int

const (
	stateWaiting listState = iota
	stateLooping
	stateNotified
)

type listEntry[T any] struct {
	fn      func(T)
	removed bool
}

// callbackList is a list of listeners notified at most once. Listeners added
// once notification has started are rejected so callers can apply their own
// fallback. Removal during notification never skips or repeats a listener.
type callbackList[T any] struct {
	mu      sync.Mutex
	state   listState
	entries []*listEntry[T]
}

// add registers fn and returns a function removing it. ok is false when the
// list is no longer accepting listeners.
func (l *callbackList[T]) add(fn func(T)) (remove func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateWaiting {
		return func() {}, false
	}
	e := &listEntry[T]{fn: fn}
	l.entries = append(l.entries, e)
	return func() {
		l.mu.Lock()
		e.removed = true
		l.mu.Unlock()
	}, true
}

// notify invokes every registered listener in registration order. Only the
// first call has any effect.
func (l *callbackList[T]) notify(v T) {
	l.mu.Lock()
	if l.state != stateWaiting {
		l.mu.Unlock()
		return
	}
	l.state = stateLooping
	l.mu.Unlock()

	for cursor := 0; ; cursor++ {
		l.mu.Lock()
		if cursor >= len(l.entries) {
			l.state = stateNotified
			l.entries = nil
			l.mu.Unlock()
			return
		}
		e := l.entries[cursor]
		skip := e.removed
		e.removed = true
		l.mu.Unlock()
		if !skip {
			e.fn(v)
		}
	}
}

// freeze drops every listener without invoking it.
func (l *callbackList[T]) freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateWaiting {
		l.state = stateNotified
		l.entries = nil
	}
}

func (l *callbackList[T]) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if !e.removed {
			n++
		}
	}
	return n
}
