package events

import (
	"sync"
)

// Handler is a function that handles one event.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Registry is a typed pub/sub registry. Handlers for the same kind are
// invoked synchronously in registration order; no ordering is guaranteed
// across kinds. Subscribe returns an unsubscribe capability that removes
// exactly that registration.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[Kind][]subscription),
	}
}

// Subscribe adds a handler for an event kind and returns a function that
// removes it. Calling the returned function more than once is safe.
func (r *Registry) Subscribe(kind Kind, handler Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[kind] = append(r.subs[kind], subscription{id: id, handler: handler})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.remove(kind, id)
		})
	}
}

// SubscribeMultiple adds one handler for several kinds and returns a single
// unsubscribe function covering all of them.
func (r *Registry) SubscribeMultiple(kinds []Kind, handler Handler) func() {
	unsubs := make([]func(), 0, len(kinds))
	for _, k := range kinds {
		unsubs = append(unsubs, r.Subscribe(k, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish delivers an event to every handler registered for its kind, in
// registration order, on the caller's goroutine.
func (r *Registry) Publish(event Event) {
	r.mu.RLock()
	subs := make([]subscription, len(r.subs[event.Kind()]))
	copy(subs, r.subs[event.Kind()])
	r.mu.RUnlock()

	for _, s := range subs {
		s.handler(event)
	}
}

// Clear removes all handlers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[Kind][]subscription)
}

func (r *Registry) remove(kind Kind, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[kind]
	for i, s := range subs {
		if s.id == id {
			r.subs[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
