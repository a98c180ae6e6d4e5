// Package xswarm runs a behaviour's commands concurrently
// and publishes the events they produce.
//
// Each submitted command gets a random ID,
// and every event it produces carries that ID,
// so a caller can follow one command's results on the shared event list.
package xswarm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordian-engine/xstream/xpubsub"
	"github.com/google/uuid"
)

// ErrStopped is returned when submitting to a swarm that has stopped.
var ErrStopped = errors.New("swarm stopped")

// Command is a unit of work submitted to a [Swarm].
type Command[C any] struct {
	ID   uuid.UUID
	Body C
}

// Event is a value produced while handling a [Command].
type Event[E any] struct {
	CommandID uuid.UUID
	Body      E
}

// Behaviour handles the commands of a [Swarm].
//
// Handle is called on its own goroutine for every command.
// It may call emit any number of times before returning.
// ctx is canceled when the swarm stops.
type Behaviour[C, E any] interface {
	Handle(ctx context.Context, cmd Command[C], emit func(E))
}

// BehaviourFunc adapts a function to a [Behaviour].
type BehaviourFunc[C, E any] func(ctx context.Context, cmd Command[C], emit func(E))

func (f BehaviourFunc[C, E]) Handle(ctx context.Context, cmd Command[C], emit func(E)) {
	f(ctx, cmd, emit)
}

// Swarm dispatches commands to a behaviour.
type Swarm[C, E any] struct {
	log *slog.Logger
	b   Behaviour[C, E]

	// Only the main loop publishes.
	events atomic.Pointer[xpubsub.Stream[Event[E]]]

	submissions chan submission[C]
	emitted     chan Event[E]

	done chan struct{}
	wg   sync.WaitGroup
}

type submission[C any] struct {
	Body C
	Resp chan uuid.UUID
}

// New starts a swarm running b.
// The swarm stops when ctx is canceled.
func New[C, E any](ctx context.Context, log *slog.Logger, b Behaviour[C, E]) *Swarm[C, E] {
	s := &Swarm[C, E]{
		log: log,
		b:   b,

		submissions: make(chan submission[C]),
		emitted:     make(chan Event[E], 8),

		done: make(chan struct{}),
	}
	s.events.Store(xpubsub.NewStream[Event[E]]())

	s.wg.Add(1)
	go s.mainLoop(ctx)

	return s
}

// Events returns the current tail of the event list.
// Hold it before submitting a command to observe all of that command's events.
func (s *Swarm[C, E]) Events() *xpubsub.Stream[Event[E]] {
	return s.events.Load()
}

// Wait blocks until the main loop and every running command have finished.
func (s *Swarm[C, E]) Wait() {
	s.wg.Wait()
}

// Submit starts handling body and returns the command's ID.
func (s *Swarm[C, E]) Submit(ctx context.Context, body C) (uuid.UUID, error) {
	sub := submission[C]{
		Body: body,
		Resp: make(chan uuid.UUID, 1),
	}

	select {
	case <-ctx.Done():
		return uuid.Nil, context.Cause(ctx)
	case <-s.done:
		return uuid.Nil, ErrStopped
	case s.submissions <- sub:
	}

	// Always answered once accepted.
	return <-sub.Resp, nil
}

// Do submits body and returns the first event it produces.
func (s *Swarm[C, E]) Do(ctx context.Context, body C) (E, error) {
	tail := s.Events()

	id, err := s.Submit(ctx, body)
	if err != nil {
		var zero E
		return zero, err
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-s.done:
			cancel(ErrStopped)
		case <-waitCtx.Done():
		}
	}()

	for e := range tail.All(waitCtx) {
		if e.CommandID == id {
			return e.Body, nil
		}
	}

	var zero E
	return zero, context.Cause(waitCtx)
}

func (s *Swarm[C, E]) mainLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return

		case sub := <-s.submissions:
			cmd := Command[C]{ID: uuid.New(), Body: sub.Body}
			sub.Resp <- cmd.ID

			s.wg.Add(1)
			go s.run(ctx, cmd)

		case e := <-s.emitted:
			tail := s.events.Load()
			tail.Publish(e)
			s.events.Store(tail.Next)
		}
	}
}

func (s *Swarm[C, E]) run(ctx context.Context, cmd Command[C]) {
	defer s.wg.Done()

	s.b.Handle(ctx, cmd, func(e E) {
		select {
		case <-ctx.Done():
		case s.emitted <- Event[E]{CommandID: cmd.ID, Body: e}:
		}
	})
}
