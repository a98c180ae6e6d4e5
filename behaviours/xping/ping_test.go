package xping_test

import (
	"context"
	"io"
	"testing"

	"github.com/gordian-engine/xstream/behaviours/xping"
	"github.com/gordian-engine/xstream/xconn"
	"github.com/gordian-engine/xstream/xstreamtest"
	"github.com/gordian-engine/xstream/xswarm"
	"github.com/stretchr/testify/require"
)

func TestPing(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := xstreamtest.NewNetwork(t, ctx, 2)
	net.Nodes[1].Node.SetStreamHandler(xping.ProtocolID, xping.Serve)
	peer := net.Connect(t, ctx, 0, 1)

	s, err := net.Nodes[0].Node.OpenStream(ctx, peer, xping.ProtocolID)
	require.NoError(t, err)

	for range 3 {
		rtt, err := xping.Ping(ctx, s)
		require.NoError(t, err)
		require.Positive(t, rtt)
	}

	require.NoError(t, s.Close())

	// The server closes its side after seeing ours.
	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Empty(t, rest)
}

func TestPing_mismatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := xstreamtest.NewNetwork(t, ctx, 2)
	net.Nodes[1].Node.SetStreamHandler(xping.ProtocolID, func(_ context.Context, s *xconn.Stream) {
		buf := make([]byte, xping.PayloadSize)
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		buf[0] ^= 0xff
		_, _ = s.Write(buf)
	})
	peer := net.Connect(t, ctx, 0, 1)

	s, err := net.Nodes[0].Node.OpenStream(ctx, peer, xping.ProtocolID)
	require.NoError(t, err)

	_, err = xping.Ping(ctx, s)
	require.ErrorIs(t, err, xping.ErrDataMismatch)

	_ = s.CloseWithError("test done")
}

func TestBehaviour(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := xstreamtest.NewNetwork(t, ctx, 2)
	net.Nodes[1].Node.SetStreamHandler(xping.ProtocolID, xping.Serve)
	peer := net.Connect(t, ctx, 0, 1)

	sw := xswarm.New(ctx, net.Log, xswarm.Behaviour[xping.Request, xping.Result](xping.Behaviour{
		Log:    net.Log,
		Opener: net.Nodes[0].Node,
	}))
	defer sw.Wait()
	defer cancel()

	tail := sw.Events()
	id, err := sw.Submit(ctx, xping.Request{Peer: peer, Count: 2})
	require.NoError(t, err)

	var seqs []int
	for e := range tail.All(ctx) {
		if e.CommandID != id {
			continue
		}
		require.NoError(t, e.Body.Err)
		require.Equal(t, peer, e.Body.Peer)
		seqs = append(seqs, e.Body.Seq)
		if len(seqs) == 2 {
			break
		}
	}
	require.Equal(t, []int{0, 1}, seqs)
}

func TestBehaviour_notConnected(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := xstreamtest.NewNetwork(t, ctx, 2)

	sw := xswarm.New(ctx, net.Log, xswarm.Behaviour[xping.Request, xping.Result](xping.Behaviour{
		Log:    net.Log,
		Opener: net.Nodes[0].Node,
	}))
	defer sw.Wait()
	defer cancel()

	res, err := sw.Do(ctx, xping.Request{Peer: net.Nodes[1].Node.ID()})
	require.NoError(t, err)
	require.Error(t, res.Err)
}
