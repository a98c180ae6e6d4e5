// Package xpending holds the pending-open registry:
// a set of keyed single-resolution promises with deadlines.
//
// Every registered key has exactly one outcome:
// resolution with a value or error, expiry during [*Registry.Sweep],
// or abandonment by the waiter.
// A second resolution attempt for the same key is reported,
// never silently dropped.
//
// An abandoned entry stays registered until its owner resolves
// or cancels it, so the owner learns the waiter is gone
// instead of seeing a duplicate resolution.
package xpending

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/xstream/xerr"
)

// DuplicateKeyError is returned from [*Registry.Register]
// when the key already has a pending entry.
type DuplicateKeyError struct {
	Key string
}

func (e DuplicateKeyError) Error() string {
	return "key " + e.Key + " already pending"
}

// DuplicateResolutionError is returned from [*Registry.Resolve]
// when no pending entry exists for the key,
// typically because it was already resolved or expired.
type DuplicateResolutionError struct {
	Key string
}

func (e DuplicateResolutionError) Error() string {
	return "no pending entry for key " + e.Key + " (already resolved or expired)"
}

// Hooks are optional callbacks invoked outside the registry lock.
type Hooks[K comparable] struct {
	// Called when a waiter abandons its promise before resolution.
	OnAbandon func(K)

	// Called when Resolve finds no pending entry.
	OnDuplicate func(K)
}

// Registry maps keys to pending promises.
// It is safe for concurrent use.
type Registry[K comparable, V any] struct {
	log   *slog.Logger
	hooks Hooks[K]

	mu      sync.Mutex
	entries map[K]entry[V]

	duplicates atomic.Uint64
}

type entry[V any] struct {
	p        *Promise[V]
	deadline time.Time
}

func (e entry[V]) abandoned() bool {
	return e.p.state.Load() == stateAbandoned
}

// New returns an empty Registry.
func New[K comparable, V any](log *slog.Logger, hooks Hooks[K]) *Registry[K, V] {
	return &Registry[K, V]{
		log:     log,
		hooks:   hooks,
		entries: make(map[K]entry[V]),
	}
}

// Register creates a pending entry for k.
// A zero deadline never expires.
func (r *Registry[K, V]) Register(k K, deadline time.Time) (*Promise[V], error) {
	p := newPromise[V]()
	p.abandon = func() { r.abandoned(k) }

	r.mu.Lock()
	if _, ok := r.entries[k]; ok {
		r.mu.Unlock()
		return nil, DuplicateKeyError{Key: fmt.Sprint(k)}
	}
	r.entries[k] = entry[V]{p: p, deadline: deadline}
	r.mu.Unlock()

	return p, nil
}

// Resolve delivers the outcome for k and removes its entry.
//
// Resolve returns nil when the waiter received the outcome.
// If the waiter already abandoned the promise,
// Resolve returns a [xerr.KindChannelClosed] error
// and the caller still owns any resources in v.
// If no entry exists for k, Resolve returns a [DuplicateResolutionError].
func (r *Registry[K, V]) Resolve(k K, v V, err error) error {
	r.mu.Lock()
	e, ok := r.entries[k]
	if ok {
		delete(r.entries, k)
	}
	r.mu.Unlock()

	if !ok {
		n := r.duplicates.Add(1)
		r.log.Warn(
			"Dropping resolution for key with no pending entry",
			"key", fmt.Sprint(k), "duplicates", n,
		)
		if r.hooks.OnDuplicate != nil {
			r.hooks.OnDuplicate(k)
		}
		return DuplicateResolutionError{Key: fmt.Sprint(k)}
	}

	if !e.p.resolve(v, err) {
		return xerr.ChannelClosed("waiter abandoned pending open")
	}
	return nil
}

// Sweep resolves every entry whose deadline is at or before now
// with a [xerr.KindTimeout] error, and returns the expired keys.
func (r *Registry[K, V]) Sweep(now time.Time) []K {
	var expired []K
	var ps []*Promise[V]

	r.mu.Lock()
	for k, e := range r.entries {
		if e.deadline.IsZero() || now.Before(e.deadline) {
			continue
		}
		delete(r.entries, k)
		if e.abandoned() {
			continue
		}
		expired = append(expired, k)
		ps = append(ps, e.p)
	}
	r.mu.Unlock()

	var zero V
	for _, p := range ps {
		_ = p.resolve(zero, xerr.Timeout("pending open expired"))
	}

	return expired
}

// ResolveAll resolves every pending entry with err
// and returns the affected keys.
func (r *Registry[K, V]) ResolveAll(err error) []K {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[K]entry[V])
	r.mu.Unlock()

	keys := make([]K, 0, len(entries))
	var zero V
	for k, e := range entries {
		if e.abandoned() {
			continue
		}
		_ = e.p.resolve(zero, err)
		keys = append(keys, k)
	}
	return keys
}

// Cancel removes the entry for k, abandoned or not,
// and reports whether one existed.
// A waiter still pending on k receives a [xerr.KindChannelClosed] error.
func (r *Registry[K, V]) Cancel(k K) bool {
	r.mu.Lock()
	e, ok := r.entries[k]
	if ok {
		delete(r.entries, k)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	var zero V
	_ = e.p.resolve(zero, xerr.ChannelClosed("pending open canceled"))
	return true
}

// Pending reports whether k has an entry whose waiter is still waiting.
func (r *Registry[K, V]) Pending(k K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[k]
	return ok && !e.abandoned()
}

// Len returns the number of entries whose waiter is still waiting.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if !e.abandoned() {
			n++
		}
	}
	return n
}

// Duplicates returns how many resolutions found no pending entry.
func (r *Registry[K, V]) Duplicates() uint64 {
	return r.duplicates.Load()
}

// abandoned runs after p's state has moved to abandoned.
// The entry stays in place as a tombstone for Resolve or Cancel.
func (r *Registry[K, V]) abandoned(k K) {
	if r.hooks.OnAbandon != nil {
		r.hooks.OnAbandon(k)
	}
}
