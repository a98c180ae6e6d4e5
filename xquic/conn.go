// Package xquic binds xstream to QUIC connections from quic-go.
//
// The [Conn] and [Stream] interfaces are the subset of quic-go's API
// that the protocol adapter uses, so tests can substitute in-memory pipes.
package xquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// ApplicationErrorCode is used for [Conn.CloseWithError].
type ApplicationErrorCode uint64

// Application error codes used when closing connections.
const (
	CloseCodeNormal     ApplicationErrorCode = 0
	CloseCodeShutdown   ApplicationErrorCode = 1
	CloseCodeCARemoved  ApplicationErrorCode = 2
	CloseCodeDuplicate  ApplicationErrorCode = 3
	CloseCodeBadUpgrade ApplicationErrorCode = 4
)

// Conn is a QUIC connection carrying bidirectional substreams.
type Conn interface {
	AcceptStream(context.Context) (Stream, error)

	// Only the blocking open variant is exposed.
	OpenStreamSync(context.Context) (Stream, error)

	CloseWithError(code ApplicationErrorCode, msg string) error

	// Context is canceled when the connection closes.
	Context() context.Context

	// Only the TLS portion of the connection state is exposed.
	TLSConnectionState() tls.ConnectionState

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

var _ Conn = ConnAdapter{}

// ConnAdapter wraps a [quic.Connection], implementing [Conn].
// Create one with [WrapConn].
type ConnAdapter struct {
	qc quic.Connection
}

// WrapConn wraps qc as a [Conn].
func WrapConn(qc quic.Connection) ConnAdapter {
	return ConnAdapter{qc: qc}
}

func (c ConnAdapter) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.qc.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return WrapStream(s), nil
}

func (c ConnAdapter) OpenStreamSync(ctx context.Context) (Stream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return WrapStream(s), nil
}

func (c ConnAdapter) CloseWithError(code ApplicationErrorCode, msg string) error {
	if (code >> 62) > 0 {
		panic(fmt.Errorf(
			"BUG: application error code must fit in 62 bits (got 0x%x)", code,
		))
	}
	return c.qc.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (c ConnAdapter) Context() context.Context {
	return c.qc.Context()
}

func (c ConnAdapter) TLSConnectionState() tls.ConnectionState {
	return c.qc.ConnectionState().TLS
}

func (c ConnAdapter) LocalAddr() net.Addr { return c.qc.LocalAddr() }

func (c ConnAdapter) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }
