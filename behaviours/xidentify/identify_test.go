package xidentify_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/gordian-engine/xstream/behaviours/xidentify"
	"github.com/gordian-engine/xstream/behaviours/xping"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xstreamtest"
	"github.com/gordian-engine/xstream/xswarm"
	"github.com/stretchr/testify/require"
)

func TestInfo_wire(t *testing.T) {
	t.Parallel()

	var peer xcert.PeerID
	peer[0] = 0xab
	in := xidentify.NewInfo(peer, []string{"127.0.0.1:9000", "[::1]:9000"}, []byte{0x01, 0x03, 0xff})

	var buf bytes.Buffer
	require.NoError(t, xidentify.WriteInfo(&buf, in))

	out, err := xidentify.ReadInfo(&buf)
	require.NoError(t, err)
	require.Zero(t, buf.Len())

	require.Equal(t, peer, out.Peer)
	require.Equal(t, in.ListenAddrs, out.ListenAddrs)
	require.True(t, out.Supports(0x01))
	require.True(t, out.Supports(0x03))
	require.True(t, out.Supports(0xff))
	require.False(t, out.Supports(0x02))
}

func TestWriteInfo_tooManyAddrs(t *testing.T) {
	t.Parallel()

	addrs := make([]string, xidentify.MaxListenAddrs+1)
	for i := range addrs {
		addrs[i] = "a"
	}

	var buf bytes.Buffer
	err := xidentify.WriteInfo(&buf, xidentify.NewInfo(xcert.PeerID{}, addrs, nil))
	require.Error(t, err)
	require.Zero(t, buf.Len())
}

func TestReadInfo_truncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, xidentify.WriteInfo(&buf, xidentify.NewInfo(
		xcert.PeerID{}, []string{strings.Repeat("x", 20)}, []byte{1},
	)))

	b := buf.Bytes()
	_, err := xidentify.ReadInfo(bytes.NewReader(b[:len(b)-1]))
	require.Error(t, err)
}

func TestIdentify(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := xstreamtest.NewNetwork(t, ctx, 2)
	n1 := net.Nodes[1].Node
	n1.SetStreamHandler(xping.ProtocolID, xping.Serve)
	n1.SetStreamHandler(xidentify.ProtocolID, xidentify.Service{Log: net.Log, Local: n1}.Serve)
	peer := net.Connect(t, ctx, 0, 1)

	info, err := xidentify.Identify(ctx, net.Nodes[0].Node, peer)
	require.NoError(t, err)

	require.Equal(t, peer, info.Peer)
	require.Equal(t, []string{n1.LocalAddr().String()}, info.ListenAddrs)
	require.True(t, info.Supports(xping.ProtocolID))
	require.True(t, info.Supports(xidentify.ProtocolID))
	require.False(t, info.Supports(0x02))
}

func TestBehaviour(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := xstreamtest.NewNetwork(t, ctx, 2)
	n1 := net.Nodes[1].Node
	n1.SetStreamHandler(xidentify.ProtocolID, xidentify.Service{Log: net.Log, Local: n1}.Serve)
	peer := net.Connect(t, ctx, 0, 1)

	sw := xswarm.New(ctx, net.Log, xswarm.Behaviour[xidentify.Request, xidentify.Result](xidentify.Behaviour{
		Opener: net.Nodes[0].Node,
	}))
	defer sw.Wait()
	defer cancel()

	res, err := sw.Do(ctx, xidentify.Request{Peer: peer})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, peer, res.Info.Peer)
}
