package xquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/gordian-engine/xstream/xca"
	"github.com/quic-go/quic-go"
)

// ALPN is the TLS application protocol negotiated on every connection.
const ALPN = "xstream"

// DefaultConfig is the default QUIC configuration.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		// The default of 5s is far longer than a healthy peer needs.
		HandshakeIdleTimeout: 2 * time.Second,

		// Close connections after 30s without any traffic.
		MaxIdleTimeout: 30 * time.Second,

		// Keep-alive pings keep otherwise idle peer connections open.
		KeepAlivePeriod: 10 * time.Second,

		// Stream-level flow control window. Estimates.
		InitialStreamReceiveWindow: 64 * 1024,
		MaxStreamReceiveWindow:     2 * 1024 * 1024,

		// Connection-level flow control window. Estimates.
		InitialConnectionReceiveWindow: 8 * 64 * 1024,
		MaxConnectionReceiveWindow:     16 * 1024 * 1024,

		// Every xstream stream is one bidirectional substream.
		MaxIncomingStreams: 256,

		// Unidirectional streams are unused.
		MaxIncomingUniStreams: -1,
	}
}

// MakeTransport returns a QUIC transport over pc.
// The transport is closed when ctx is canceled;
// closing pc remains the caller's responsibility.
func MakeTransport(ctx context.Context, pc net.PacketConn) *quic.Transport {
	qt := &quic.Transport{Conn: pc}
	context.AfterFunc(ctx, func() {
		_ = qt.Close()
	})
	return qt
}

// StartListener starts a QUIC listener on qt.
//
// The listener requires and verifies client certificates
// against the contents of pool at the time each client connects,
// so CAs added to or removed from pool take effect for new connections.
func StartListener(
	baseTLS *tls.Config, pool *xca.Pool, qconf *quic.Config, qt *quic.Transport,
) (*quic.Listener, error) {
	tlsConf := ListenerTLSConfig(baseTLS, pool)

	ql, err := qt.Listen(tlsConf, qconf)
	if err != nil {
		return nil, fmt.Errorf("failed to set up QUIC listener: %w", err)
	}
	return ql, nil
}

// ListenerTLSConfig returns a server TLS configuration derived from base
// whose client CA set is read from pool on every incoming connection.
func ListenerTLSConfig(base *tls.Config, pool *xca.Pool) *tls.Config {
	conf := withALPN(base)
	conf.ClientAuth = tls.RequireAndVerifyClientCert

	conf.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		c := withALPN(base)
		c.ClientAuth = tls.RequireAndVerifyClientCert
		c.ClientCAs = pool.CertPool()
		return c, nil
	}

	return conf
}

func withALPN(base *tls.Config) *tls.Config {
	conf := base.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}
	return conf
}
