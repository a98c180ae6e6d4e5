package xpending

import (
	"context"
	"sync/atomic"
)

const (
	statePending uint32 = iota
	stateResolved
	stateAbandoned
)

// Promise is the waiter's side of a pending entry.
// Exactly one of resolution or abandonment takes effect.
type Promise[V any] struct {
	state atomic.Uint32
	done  chan struct{}

	// Written before done is closed.
	val V
	err error

	abandon func()
}

func newPromise[V any]() *Promise[V] {
	return &Promise[V]{done: make(chan struct{})}
}

func (p *Promise[V]) resolve(v V, err error) bool {
	if !p.state.CompareAndSwap(statePending, stateResolved) {
		return false
	}
	p.val = v
	p.err = err
	close(p.done)
	return true
}

// Ready returns a channel that is closed once the promise is resolved.
// It is never closed for an abandoned promise.
func (p *Promise[V]) Ready() <-chan struct{} {
	return p.done
}

// Result returns the resolved value and error.
// It must only be called after Ready is closed.
func (p *Promise[V]) Result() (V, error) {
	return p.val, p.err
}

// Wait blocks until the promise is resolved or ctx is done.
//
// If ctx ends first, Wait abandons the promise and returns the context error,
// unless a resolution won the race, in which case the resolution is returned.
func (p *Promise[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		if p.Abandon() || p.state.Load() == stateAbandoned {
			var zero V
			return zero, context.Cause(ctx)
		}
		<-p.done
		return p.val, p.err
	}
}

// Abandon withdraws interest in the outcome.
// It returns false if the promise was already resolved or abandoned.
func (p *Promise[V]) Abandon() bool {
	if !p.state.CompareAndSwap(statePending, stateAbandoned) {
		return false
	}
	if p.abandon != nil {
		p.abandon()
	}
	return true
}
