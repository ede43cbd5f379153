// Package sigs implements a small generic listener registry used by the
// managers to emit their change signals.
package sigs

import "sync"

// Registration is the result of registering a listener. Calling
// Unregister removes the listener; it returns whether the listener was
// still registered.
type Registration struct {
	unreg func() bool
}

func (reg Registration) Unregister() bool {
	if reg.unreg == nil {
		return false
	}
	return reg.unreg()
}

type listener[T any] struct {
	f     func(T)
	async bool
}

// Registry holds the listeners for one signal carrying values of type T.
// The zero value is usable.
type Registry[T any] struct {
	mtx       sync.Mutex
	next      uint
	listeners map[uint]listener[T]
}

func (r *Registry[T]) register(f func(T), async bool) Registration {
	r.mtx.Lock()
	id := r.next
	r.next++
	if r.listeners == nil {
		r.listeners = make(map[uint]listener[T])
	}
	r.listeners[id] = listener[T]{f: f, async: async}
	registered := true
	r.mtx.Unlock()

	return Registration{
		unreg: func() bool {
			r.mtx.Lock()
			res := registered
			if registered {
				delete(r.listeners, id)
				registered = false
			}
			r.mtx.Unlock()
			return res
		},
	}
}

// Register registers f to be called on its own goroutine for every
// emitted value.
func (r *Registry[T]) Register(f func(T)) Registration {
	return r.register(f, true)
}

// RegisterSync registers f to be called synchronously from the emitting
// goroutine.
func (r *Registry[T]) RegisterSync(f func(T)) Registration {
	return r.register(f, false)
}

// Notify delivers v to every registered listener.
func (r *Registry[T]) Notify(v T) {
	r.mtx.Lock()
	for _, l := range r.listeners {
		if l.async {
			go l.f(v)
		} else {
			l.f(v)
		}
	}
	r.mtx.Unlock()
}
