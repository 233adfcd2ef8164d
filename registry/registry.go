// Package registry implements an ordered subscription registry with
// token-based removal.
//
// Keys map to subscriber lists that preserve registration order for
// fan-out. Every Add returns a Subscription token; cancelling the token
// removes exactly that registration, so duplicate callback values never
// become ambiguous.
package registry

import "sync"

// Subscription is the removal token for one registration.
type Subscription[T any] struct {
	id    uint64
	key   string
	value T
	reg   *Registry[T]
}

// Key returns the key this subscription was registered under.
func (s *Subscription[T]) Key() string { return s.key }

// Value returns the registered value.
func (s *Subscription[T]) Value() T { return s.value }

// Cancel removes the registration. It reports whether the key holds no
// further subscriptions afterwards. Cancelling twice is a no-op.
func (s *Subscription[T]) Cancel() (keyEmpty bool) {
	return s.reg.remove(s)
}

// Registry manages per-key subscriber lists.
type Registry[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	byKey  map[string][]*Subscription[T]
}

// New creates an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{byKey: make(map[string][]*Subscription[T])}
}

// Add registers value under key, appending to the key's ordered list, and
// reports whether this was the first subscription for the key.
func (r *Registry[T]) Add(key string, value T) (*Subscription[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription[T]{id: r.nextID, key: key, value: value, reg: r}
	first := len(r.byKey[key]) == 0
	r.byKey[key] = append(r.byKey[key], sub)
	return sub, first
}

func (r *Registry[T]) remove(sub *Subscription[T]) (keyEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byKey[sub.key]
	if !ok {
		return false
	}
	removed := false
	for i, s := range subs {
		if s.id == sub.id {
			subs = append(subs[:i], subs[i+1:]...)
			removed = true
			break
		}
	}
	// A cancel that removed nothing (already cancelled, or the key was
	// re-registered since) must not report the key as newly emptied.
	if !removed {
		return false
	}
	if len(subs) == 0 {
		delete(r.byKey, sub.key)
		return true
	}
	r.byKey[sub.key] = subs
	return false
}

// RemoveAll drops every subscription for key and reports whether any
// existed.
func (r *Registry[T]) RemoveAll(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.byKey[key]
	delete(r.byKey, key)
	return ok
}

// Values returns a snapshot of the registered values for key in
// registration order. The snapshot is safe to iterate while subscribers
// mutate the registry.
func (r *Registry[T]) Values(key string) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byKey[key]
	if len(subs) == 0 {
		return nil
	}
	values := make([]T, len(subs))
	for i, s := range subs {
		values[i] = s.value
	}
	return values
}

// Keys returns every key that currently has at least one subscription.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of subscriptions for key.
func (r *Registry[T]) Len(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[key])
}
