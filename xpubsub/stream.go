// Package xpubsub contains a single-publisher, many-subscriber event list.
//
// Connection and stream events are published on a [Stream].
// Each subscriber holds its own position in the list
// and consumes it at its own pace;
// a subscriber that starts from an earlier node replays every later event.
package xpubsub

import (
	"context"
	"iter"
)

// Stream is a node in a linked list of published values.
// The list has a single writer and many readers.
//
// Nodes a reader still references are never garbage collected,
// so readers must keep advancing or drop their reference.
type Stream[T any] struct {
	Ready chan struct{}
	Next  *Stream[T]
	Val   T
}

// NewStream returns an unpublished node.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{
		Ready: make(chan struct{}),
	}
}

// Publish assigns s's value, allocates s.Next, and closes s.Ready.
// Publishing to the same node twice panics.
func (s *Stream[T]) Publish(t T) {
	s.Val = t
	s.Next = NewStream[T]()
	close(s.Ready)
}

// Published reports whether s already holds a value.
func (s *Stream[T]) Published() bool {
	select {
	case <-s.Ready:
		return true
	default:
		return false
	}
}

// All iterates every value from s onward,
// blocking for each unpublished node until ctx is done.
//
// All may be called any number of times on the same node;
// each iteration observes the same sequence.
func (s *Stream[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		cur := s
		for {
			select {
			case <-ctx.Done():
				return
			case <-cur.Ready:
			}

			if !yield(cur.Val) {
				return
			}
			cur = cur.Next
		}
	}
}

// RunChannelToStream starts a goroutine
// publishing every value received on ch to the returned Stream.
//
// done is closed when the goroutine stops,
// on context cancellation or when ch is closed.
func RunChannelToStream[T any](ctx context.Context, ch <-chan T) (
	s *Stream[T], done <-chan struct{},
) {
	s = NewStream[T]()
	doneCh := make(chan struct{})

	go runChannelToStream(ctx, ch, s, doneCh)

	return s, doneCh
}

func runChannelToStream[T any](
	ctx context.Context,
	ch <-chan T,
	s *Stream[T],
	done chan<- struct{},
) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case v, ok := <-ch:
			if !ok {
				return
			}
			s.Publish(v)
			s = s.Next
		}
	}
}
