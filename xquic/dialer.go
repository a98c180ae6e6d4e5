package xquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/gordian-engine/xstream/xca"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/quic-go/quic-go"
)

// Dialer establishes QUIC connections with remote peers.
type Dialer struct {
	BaseTLSConf *tls.Config

	QUICTransport *quic.Transport
	QUICConfig    *quic.Config

	CAPool *xca.Pool
}

// DialResult is the return type for [Dialer.Dial].
type DialResult struct {
	Conn Conn

	// Verified chain the remote presented.
	Chain xcert.Chain

	// Closed when the remote's CA is removed from the trusted pool.
	NotifyCARemoved <-chan struct{}
}

// Dial opens a QUIC connection to addr,
// verifying the remote against the current contents of d.CAPool.
//
// The caller must close the returned connection
// if NotifyCARemoved is closed.
func (d Dialer) Dial(ctx context.Context, addr net.Addr) (DialResult, error) {
	tlsConf := withALPN(d.BaseTLSConf)
	tlsConf.RootCAs = d.CAPool.CertPool()

	rawQC, err := d.QUICTransport.Dial(ctx, addr, tlsConf, d.QUICConfig)
	if err != nil {
		return DialResult{}, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	qc := WrapConn(rawQC)

	chain, err := xcert.NewChainFromTLSConnectionState(qc.TLSConnectionState())
	if err != nil {
		_ = qc.CloseWithError(CloseCodeCARemoved, "no verified chain")
		return DialResult{}, fmt.Errorf("failed to read verified chain: %w", err)
	}

	notify := d.CAPool.NotifyRemoval(chain.Root)
	if notify == nil {
		// The CA was removed between verification and now.
		_ = qc.CloseWithError(CloseCodeCARemoved, "CA no longer trusted")
		return DialResult{}, errors.New("remote CA removed during dial")
	}

	return DialResult{
		Conn:            qc,
		Chain:           chain,
		NotifyCARemoved: notify,
	}, nil
}
