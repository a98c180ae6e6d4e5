package xpubsub_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/xstream/internal/xtest"
	"github.com/gordian-engine/xstream/xpubsub"
	"github.com/stretchr/testify/require"
)

func TestStream_Publish_panicsOnCalledTwice(t *testing.T) {
	t.Parallel()

	s := xpubsub.NewStream[int]()
	s.Publish(1)

	require.Panics(t, func() {
		s.Publish(1)
	})
}

func TestStream_All_isRestartable(t *testing.T) {
	t.Parallel()

	head := xpubsub.NewStream[int]()
	s := head
	for i := range 3 {
		s.Publish(i)
		s = s.Next
	}

	ctx, cancel := context.WithCancel(context.Background())

	collect := func() []int {
		var got []int
		for v := range head.All(ctx) {
			got = append(got, v)
			if len(got) == 3 {
				break
			}
		}
		return got
	}

	require.Equal(t, []int{0, 1, 2}, collect())
	require.Equal(t, []int{0, 1, 2}, collect())

	// An iteration blocked on an unpublished node ends with the context.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range s.All(ctx) {
			t.Error("unexpected value")
		}
	}()
	xtest.NotSending(t, done)
	cancel()
	xtest.ReceiveSoon(t, done)
}

func TestRunChannelToStream_stopsOnContextDone(t *testing.T) {
	t.Parallel()

	// Unbuffered so we know sends are received.
	ch := make(chan int)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, done := xpubsub.RunChannelToStream(ctx, ch)

	xtest.SendSoon(t, ch, 1)
	xtest.SendSoon(t, ch, 2)
	cancel()

	xtest.ReceiveSoon(t, done)

	xtest.IsSending(t, s.Ready)
	require.Equal(t, 1, s.Val)

	s = s.Next

	xtest.IsSending(t, s.Ready)
	require.Equal(t, 2, s.Val)

	require.False(t, s.Next.Published())
}

func TestRunChannelToStream_stopsOnChannelClosed(t *testing.T) {
	t.Parallel()

	ch := make(chan int)

	s, done := xpubsub.RunChannelToStream(context.Background(), ch)

	xtest.SendSoon(t, ch, 1)
	close(ch)

	xtest.ReceiveSoon(t, done)

	require.True(t, s.Published())
	require.Equal(t, 1, s.Val)
	require.False(t, s.Next.Published())
}
