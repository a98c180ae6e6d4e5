// Package xstreamtest has fixtures for tests that need running nodes.
package xstreamtest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"testing"

	"github.com/gordian-engine/xstream"
	"github.com/gordian-engine/xstream/internal/xtest"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xcert/xcerttest"
	"github.com/gordian-engine/xstream/xconn"
	"github.com/stretchr/testify/require"
)

// Network contains a collection of NetworkNode values,
// to simplify tests that require multiple nodes.
type Network struct {
	Log *slog.Logger

	CAs   []*xcert.CA
	Nodes []NetworkNode
}

// NetworkNode contains the details for a node in this test network.
type NetworkNode struct {
	Node *xstream.Node
	Leaf *xcert.Leaf

	UDP *net.UDPConn
}

// NewNetwork starts count loopback nodes,
// each with its own CA, and each trusting every other node's CA.
//
// If any error occurs while creating the network,
// t.Fatal is called.
//
// The nodes stop when ctx is canceled,
// which must happen before the test's cleanup runs.
func NewNetwork(t *testing.T, ctx context.Context, count int) *Network {
	t.Helper()

	log := xtest.NewLogger(t)

	cas := make([]*xcert.CA, count)
	leaves := make([]*xcert.Leaf, count)
	roots := make([]*x509.Certificate, count)
	for i := range count {
		cas[i] = xcerttest.NewCA(t)
		leaves[i] = xcerttest.NewLocalLeaf(t, cas[i], i)
		roots[i] = cas[i].Cert
	}

	nodes := make([]NetworkNode, count)
	for i := range count {
		uc, err := net.ListenUDP("udp", &net.UDPAddr{
			IP:   net.IPv4(127, 0, 0, 1),
			Port: 0,
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := uc.Close(); err != nil {
				t.Logf("Error closing UDP listener: %v", err)
			}
		})

		tc := tls.Config{
			Certificates: []tls.Certificate{leaves[i].TLSCert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}

		n, err := xstream.NewNode(ctx, log.With("node", i), xstream.NodeConfig{
			UDPConn: uc,
			QUIC:    xstream.DefaultQUICConfig(),
			TLS:     &tc,

			InitialTrustedCAs: roots,

			Adapter: xconn.DefaultConfig(),
		})
		require.NoError(t, err)

		t.Cleanup(n.Wait)

		nodes[i] = NetworkNode{
			Node: n,
			Leaf: leaves[i],
			UDP:  uc,
		}
	}

	return &Network{
		Log:   log,
		CAs:   cas,
		Nodes: nodes,
	}
}

// Connect dials node j from node i and returns j's peer ID.
func (n *Network) Connect(t *testing.T, ctx context.Context, i, j int) xcert.PeerID {
	t.Helper()

	peer, err := n.Nodes[i].Node.Dial(ctx, n.Nodes[j].Node.LocalAddr())
	require.NoError(t, err)
	require.Equal(t, n.Nodes[j].Node.ID(), peer)
	return peer
}

// Wait blocks until every node has stopped.
func (n *Network) Wait() {
	for _, node := range n.Nodes {
		node.Node.Wait()
	}
}
