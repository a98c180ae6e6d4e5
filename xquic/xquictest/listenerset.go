// Package xquictest has QUIC test fixtures:
// loopback listeners that trust each other, and in-memory pipe connections.
package xquictest

import (
	"context"
	"crypto/tls"
	"net"
	"testing"

	"github.com/gordian-engine/xstream/internal/xtest"
	"github.com/gordian-engine/xstream/xca"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xcert/xcerttest"
	"github.com/gordian-engine/xstream/xquic"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// ListenerSet is a collection of loopback QUIC listeners
// that mutually trust each other's CA certificates.
type ListenerSet struct {
	Pool *xca.Pool

	CAs    []*xcert.CA
	Leaves []*xcert.Leaf

	UDPConns []*net.UDPConn

	TLSConfigs []*tls.Config

	QTs []*quic.Transport
	QLs []*quic.Listener
}

// NewListenerSet initializes count listeners with no active connections.
// Use [*ListenerSet.Dial] to connect two of them.
//
// The UDP connections are closed during test cleanup.
func NewListenerSet(t *testing.T, ctx context.Context, count int) *ListenerSet {
	t.Helper()

	ls := &ListenerSet{
		Pool: xca.NewPool(),

		CAs:    make([]*xcert.CA, count),
		Leaves: make([]*xcert.Leaf, count),

		UDPConns:   make([]*net.UDPConn, count),
		TLSConfigs: make([]*tls.Config, count),

		QTs: make([]*quic.Transport, count),
		QLs: make([]*quic.Listener, count),
	}

	t.Cleanup(func() {
		for _, uc := range ls.UDPConns {
			if uc != nil {
				_ = uc.Close()
			}
		}
	})

	for i := range count {
		ca := xcerttest.NewCA(t)
		leaf := xcerttest.NewLocalLeaf(t, ca, i)

		udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)

		qt := xquic.MakeTransport(ctx, udpConn)

		tlsConf := &tls.Config{
			Certificates: []tls.Certificate{leaf.TLSCert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
		ql, err := xquic.StartListener(tlsConf, ls.Pool, xquic.DefaultConfig(), qt)
		require.NoError(t, err)

		ls.CAs[i] = ca
		ls.Leaves[i] = leaf
		ls.UDPConns[i] = udpConn
		ls.TLSConfigs[i] = tlsConf
		ls.QTs[i] = qt
		ls.QLs[i] = ql

		ls.Pool.AddCA(ca.Cert)
	}

	return ls
}

// Dial dials from the listener at srcIdx to the listener at dstIdx,
// returning the outgoing connection and the accepted connection.
//
// The destination listener is accepted on temporarily;
// a concurrent Accept on the same listener would race.
func (ls *ListenerSet) Dial(t *testing.T, srcIdx, dstIdx int) (srcConn, dstConn xquic.Conn) {
	t.Helper()

	if srcIdx < 0 || srcIdx >= len(ls.UDPConns) || dstIdx < 0 || dstIdx >= len(ls.UDPConns) {
		t.Fatalf(
			"indices must be in range [0, %d]; got srcIdx=%d and dstIdx=%d",
			len(ls.UDPConns)-1, srcIdx, dstIdx,
		)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan quic.Connection, 1)
	go func() {
		qc, err := ls.QLs[dstIdx].Accept(ctx)
		if err != nil {
			t.Error(err)
			accepted <- nil
			return
		}
		accepted <- qc
	}()

	res, err := ls.Dialer(srcIdx).Dial(ctx, ls.UDPConns[dstIdx].LocalAddr())
	require.NoError(t, err)

	qc := xtest.ReceiveSoon(t, accepted)
	require.NotNil(t, qc)

	return res.Conn, xquic.WrapConn(qc)
}

// Dialer returns a dialer using the listener at idx.
func (ls *ListenerSet) Dialer(idx int) xquic.Dialer {
	return xquic.Dialer{
		BaseTLSConf: ls.TLSConfigs[idx],

		QUICTransport: ls.QTs[idx],
		QUICConfig:    xquic.DefaultConfig(),

		CAPool: ls.Pool,
	}
}
