package xstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gordian-engine/xstream/xca"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xconn"
	"github.com/gordian-engine/xstream/xpubsub"
	"github.com/gordian-engine/xstream/xquic"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quic-go/quic-go"
)

// DefaultAddressBookSize is the number of peer addresses a [Node] remembers
// when [NodeConfig.AddressBookSize] is zero.
const DefaultAddressBookSize = 256

// Node is a node in the xstream network.
// It contains a QUIC listener, and one protocol adapter
// for every live connection to another node.
type Node struct {
	log *slog.Logger

	// Lifecycle context from NewNode.
	// Adapters for dialed connections must outlive the Dial call's context.
	ctx context.Context

	wg sync.WaitGroup

	id xcert.PeerID

	quicConf      *quic.Config
	quicTransport *quic.Transport
	quicListener  *quic.Listener

	// Modified clone of the configured TLS config.
	// Only ever cloned, never used directly.
	baseTLSConf *tls.Config

	caPool *xca.Pool

	dialer xquic.Dialer

	adapterCfg   xconn.Config
	metrics      *xconn.Metrics
	protoTimeout time.Duration

	// Most recently seen address per peer.
	// Used to redial peers that disconnected.
	book *lru.Cache[xcert.PeerID, net.Addr]

	mu       sync.Mutex
	conns    map[xcert.PeerID]*peerConn
	handlers map[byte]StreamHandler

	evMu   sync.Mutex
	evTail *xpubsub.Stream[ConnectionEvent]
}

type peerConn struct {
	adapter *xconn.Adapter
	dir     xconn.Direction
	addr    net.Addr
}

// NodeConfig is the configuration for a [Node].
type NodeConfig struct {
	UDPConn *net.UDPConn
	QUIC    *quic.Config

	// The base TLS configuration to use.
	// The Node will clone it and modify the clone.
	// Certificates[0] is the node's identity.
	TLS *tls.Config

	InitialTrustedCAs []*x509.Certificate

	// Configuration for every connection's protocol adapter,
	// usually from xconn.DefaultConfig.
	// The Events field is managed by the Node and must be nil.
	Adapter xconn.Config

	// Number of peer addresses to remember for redialing.
	// If zero, DefaultAddressBookSize is used.
	AddressBookSize int

	// How long a peer has to name the application protocol
	// on a new inbound stream.
	// If zero, 5 seconds.
	StreamProtocolTimeout time.Duration

	// Shared metrics for all adapters. May be nil.
	Metrics *xconn.Metrics
}

// validate panics if there are any illegal settings in the configuration.
// It also warns about any suspect settings.
func (c NodeConfig) validate(log *slog.Logger) {
	// Collect every reason to panic,
	// so one run reports all of them.
	var panicErrs error

	if c.UDPConn == nil {
		panicErrs = errors.Join(panicErrs, errors.New("NodeConfig.UDPConn must not be nil"))
	}

	if c.QUIC == nil {
		panicErrs = errors.Join(panicErrs, errors.New("NodeConfig.QUIC must not be nil; use DefaultQUICConfig()"))
	}

	if c.AddressBookSize < 0 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf(
			"NodeConfig.AddressBookSize must not be negative (got %d)", c.AddressBookSize,
		))
	}

	if c.StreamProtocolTimeout < 0 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf(
			"NodeConfig.StreamProtocolTimeout must not be negative (got %s)", c.StreamProtocolTimeout,
		))
	}

	if c.Adapter.Events != nil {
		panicErrs = errors.Join(panicErrs, errors.New("NodeConfig.Adapter.Events must be nil"))
	}

	if c.TLS == nil {
		panicErrs = errors.Join(panicErrs, errors.New("NodeConfig.TLS must not be nil"))
		panic(panicErrs)
	}

	if c.TLS.ClientAuth != tls.RequireAndVerifyClientCert {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("client certificates are required; set NodeConfig.TLS.ClientAuth = tls.RequireAndVerifyClientCert"),
		)
	}

	if len(c.TLS.Certificates) == 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.TLS.Certificates must contain the node's certificate"),
		)
	} else {
		cert := c.TLS.Certificates[0]
		if cert.Leaf == nil {
			panicErrs = errors.Join(
				panicErrs,
				errors.New("BUG: TLS.Certificates[0].Leaf must be set (use x509.ParseCertificate if needed)"),
			)
		} else {
			now := time.Now()
			if cert.Leaf.NotBefore.After(now) {
				log.Error(
					"Certificate's not before field is in the future",
					"not_before", cert.Leaf.NotBefore,
				)
			}
			if cert.Leaf.NotAfter.Before(now) {
				log.Error(
					"Certificate's not after field is in the past",
					"not_after", cert.Leaf.NotAfter,
				)
			}

			if !slices.Contains(cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth) {
				log.Error(
					"Certificate is missing server authentication extended key usage; clients will reject TLS handshake",
				)
			}
			if !slices.Contains(cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth) {
				log.Error(
					"Certificate is missing client authentication extended key usage; servers will reject TLS handshake",
				)
			}
		}
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

func (c NodeConfig) customizedTLSConfig(log *slog.Logger) *tls.Config {
	// The input config is not ours to modify.
	conf := c.TLS.Clone()

	// Trust decisions come from the dynamic CA pool:
	// the listener reads it per client hello,
	// and the dialer sets RootCAs per dial.
	if conf.RootCAs != nil {
		log.Warn("Node's TLS configuration had RootCAs set; those CAs will be ignored")
	}
	if conf.ClientCAs != nil {
		log.Warn("Node's TLS configuration had ClientCAs set; those CAs will be ignored")
	}

	emptyPool := x509.NewCertPool()
	conf.RootCAs = emptyPool
	conf.ClientCAs = emptyPool

	return conf
}

// DefaultQUICConfig is the default QUIC configuration for a [NodeConfig].
//
// Its keep-alive period keeps idle peer connections open.
func DefaultQUICConfig() *quic.Config {
	return xquic.DefaultConfig()
}

// NewNode returns a new Node with the given configuration.
// The ctx parameter controls the lifecycle of the Node;
// cancel the context to stop the node,
// and then use [(*Node).Wait] to block until all background work has completed.
//
// NewNode returns runtime errors that happen during initialization.
// Configuration errors cause a panic.
func NewNode(ctx context.Context, log *slog.Logger, cfg NodeConfig) (*Node, error) {
	cfg.validate(log)

	qt := &quic.Transport{
		Conn: cfg.UDPConn,

		// Connections live only as long as the node.
		ConnContext: func(context.Context) context.Context {
			return ctx
		},
	}
	context.AfterFunc(ctx, func() {
		_ = qt.Close()
	})

	bookSize := cfg.AddressBookSize
	if bookSize == 0 {
		bookSize = DefaultAddressBookSize
	}
	book, err := lru.New[xcert.PeerID, net.Addr](bookSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create address book: %w", err)
	}

	protoTimeout := cfg.StreamProtocolTimeout
	if protoTimeout == 0 {
		protoTimeout = 5 * time.Second
	}

	baseTLSConf := cfg.customizedTLSConfig(log)
	caPool := xca.NewPoolFromCerts(cfg.InitialTrustedCAs)

	n := &Node{
		log: log,
		ctx: ctx,

		id: xcert.PeerIDFromCert(cfg.TLS.Certificates[0].Leaf),

		quicConf:      cfg.QUIC,
		quicTransport: qt,

		baseTLSConf: baseTLSConf,

		caPool: caPool,

		dialer: xquic.Dialer{
			BaseTLSConf: baseTLSConf,

			QUICTransport: qt,
			QUICConfig:    cfg.QUIC,

			CAPool: caPool,
		},

		adapterCfg:   cfg.Adapter,
		metrics:      cfg.Metrics,
		protoTimeout: protoTimeout,

		book: book,

		conns:    make(map[xcert.PeerID]*peerConn),
		handlers: make(map[byte]StreamHandler),

		evTail: xpubsub.NewStream[ConnectionEvent](),
	}

	ql, err := xquic.StartListener(baseTLSConf, caPool, cfg.QUIC, qt)
	if err != nil {
		// Already wrapped.
		return nil, err
	}
	n.quicListener = ql

	n.wg.Add(1)
	go n.acceptConnections(ctx)

	return n, nil
}

// ID returns the node's own peer identity.
func (n *Node) ID() xcert.PeerID { return n.id }

// LocalAddr returns the address the node listens on.
func (n *Node) LocalAddr() net.Addr { return n.quicListener.Addr() }

// Wait blocks until the node has finished all background work.
func (n *Node) Wait() {
	n.wg.Wait()
}

// Events returns the current tail of the node's connection event list.
func (n *Node) Events() *xpubsub.Stream[ConnectionEvent] {
	n.evMu.Lock()
	defer n.evMu.Unlock()
	return n.evTail
}

func (n *Node) publish(e ConnectionEvent) {
	n.evMu.Lock()
	defer n.evMu.Unlock()
	n.evTail.Publish(e)
	n.evTail = n.evTail.Next
}

// AddTrustedCA trusts cert for new connections.
func (n *Node) AddTrustedCA(cert *x509.Certificate) {
	n.caPool.AddCA(cert)
}

// RemoveTrustedCA stops trusting cert.
// Live connections to peers whose certificates chain to it are closed.
func (n *Node) RemoveTrustedCA(cert *x509.Certificate) {
	n.caPool.RemoveCA(cert)
}

// Peers returns the currently connected peers, in no particular order.
func (n *Node) Peers() []xcert.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]xcert.PeerID, 0, len(n.conns))
	for p := range n.conns {
		out = append(out, p)
	}
	return out
}

// Adapter returns the protocol adapter for a connected peer.
func (n *Node) Adapter(peer xcert.PeerID) (*xconn.Adapter, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pc, ok := n.conns[peer]
	if !ok {
		return nil, false
	}
	return pc.adapter, true
}

// AddressOf returns the last known address of peer.
func (n *Node) AddressOf(peer xcert.PeerID) (net.Addr, bool) {
	return n.book.Get(peer)
}

// Dial connects to the node listening at addr
// and returns the remote peer's identity.
//
// If the peer is already connected, Dial returns an [AlreadyConnectedError]
// unless the new connection wins the simultaneous-dial tiebreak.
func (n *Node) Dial(ctx context.Context, addr net.Addr) (xcert.PeerID, error) {
	res, err := n.dialer.Dial(ctx, addr)
	if err != nil {
		// Already wrapped.
		return xcert.PeerID{}, err
	}

	peer := res.Chain.PeerID()
	if err := n.addConn(peer, res.Conn, xconn.Outbound, addr, res.NotifyCARemoved); err != nil {
		return peer, err
	}
	return peer, nil
}

// OpenStream opens a stream to peer for the given application protocol.
//
// If peer is not connected but its address is known,
// OpenStream redials it first.
// The protocol byte is the first byte written on the stream.
func (n *Node) OpenStream(ctx context.Context, peer xcert.PeerID, proto byte) (*xconn.Stream, error) {
	a, err := n.adapterFor(ctx, peer)
	if err != nil {
		return nil, err
	}

	s, err := a.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to %s: %w", peer, err)
	}

	if _, err := s.Write([]byte{proto}); err != nil {
		_ = s.CloseWithError("failed to select protocol")
		return nil, fmt.Errorf("failed to write protocol header: %w", err)
	}

	return s, nil
}

func (n *Node) adapterFor(ctx context.Context, peer xcert.PeerID) (*xconn.Adapter, error) {
	if a, ok := n.Adapter(peer); ok {
		return a, nil
	}

	addr, ok := n.book.Get(peer)
	if !ok {
		return nil, NotConnectedError{Peer: peer}
	}

	n.log.Info("Redialing peer", "peer", peer, "addr", addr)
	got, err := n.Dial(ctx, addr)
	if err != nil {
		var ace AlreadyConnectedError
		if !errors.As(err, &ace) {
			return nil, fmt.Errorf("failed to redial %s: %w", peer, err)
		}
		// A concurrent dial or accept got there first.
	} else if got != peer {
		return nil, fmt.Errorf("peer at %s is now %s, expected %s", addr, got, peer)
	}

	if a, ok := n.Adapter(peer); ok {
		return a, nil
	}
	return nil, NotConnectedError{Peer: peer}
}

// acceptConnections accepts incoming connections
// and starts an adapter for each one.
func (n *Node) acceptConnections(ctx context.Context) {
	defer n.wg.Done()

	for {
		qc, err := n.quicListener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				n.log.Info(
					"Accept loop quitting due to context cancellation",
					"cause", context.Cause(ctx),
				)
				return
			}

			// Debug level because garbage connections could make this spammy.
			n.log.Debug("Failed to accept incoming connection", "err", err)
			continue
		}

		conn := xquic.WrapConn(qc)

		chain, err := xcert.NewChainFromTLSConnectionState(conn.TLSConnectionState())
		if err != nil {
			n.log.Info(
				"Rejecting connection without verified chain",
				"remote_addr", qc.RemoteAddr().String(),
				"err", err,
			)
			_ = conn.CloseWithError(xquic.CloseCodeCARemoved, "no verified chain")
			continue
		}

		notify := n.caPool.NotifyRemoval(chain.Root)
		if notify == nil {
			_ = conn.CloseWithError(xquic.CloseCodeCARemoved, "CA no longer trusted")
			continue
		}

		peer := chain.PeerID()
		if err := n.addConn(peer, conn, xconn.Inbound, qc.RemoteAddr(), notify); err != nil {
			n.log.Debug(
				"Dropped duplicate incoming connection",
				"peer", peer,
				"err", err,
			)
		}
	}
}

// addConn registers a new connection to peer and starts its adapter.
//
// When the peer is already connected over the opposite direction,
// both nodes keep the connection initiated by the lower peer ID,
// so simultaneous dials converge on one connection.
func (n *Node) addConn(
	peer xcert.PeerID,
	conn xquic.Conn,
	dir xconn.Direction,
	addr net.Addr,
	notifyCARemoved <-chan struct{},
) error {
	n.book.Add(peer, addr)

	n.mu.Lock()
	existing, ok := n.conns[peer]
	if ok && (existing.dir == dir || !n.prefer(peer, dir)) {
		n.mu.Unlock()
		_ = conn.CloseWithError(xquic.CloseCodeDuplicate, "already connected")
		return AlreadyConnectedError{Peer: peer}
	}

	log := n.log.With("peer", peer, "dir", dir)

	cfg := n.adapterCfg
	cfg.Events = xpubsub.NewStream[xconn.Event]()
	events := cfg.Events

	pc := &peerConn{
		adapter: xconn.NewAdapter(n.ctx, log.With("node_sys", "adapter"), conn, peer, cfg, n.metrics),
		dir:     dir,
		addr:    addr,
	}
	n.conns[peer] = pc
	n.mu.Unlock()

	if ok {
		log.Info("Replacing connection after simultaneous dial")
		existing.adapter.Close()
	}

	n.publish(PeerConnected{Peer: peer, Addr: addr, Direction: dir})

	n.wg.Add(1)
	go n.runConn(log, peer, pc, events, notifyCARemoved)

	return nil
}

// prefer reports whether a new connection in direction dir
// should replace an existing connection in the other direction.
func (n *Node) prefer(peer xcert.PeerID, dir xconn.Direction) bool {
	newInitiator, oldInitiator := n.id, peer
	if dir == xconn.Inbound {
		newInitiator, oldInitiator = peer, n.id
	}
	return bytes.Compare(newInitiator[:], oldInitiator[:]) < 0
}

// runConn follows one adapter's events for its whole life,
// routing inbound streams and closing the connection on CA removal.
func (n *Node) runConn(
	log *slog.Logger,
	peer xcert.PeerID,
	pc *peerConn,
	events *xpubsub.Stream[xconn.Event],
	notifyCARemoved <-chan struct{},
) {
	defer n.wg.Done()

	a := pc.adapter
	defer a.Wait()

	for {
		select {
		case <-a.Done():
			n.dropConn(log, peer, pc)
			return

		case <-notifyCARemoved:
			log.Info("Closing connection after CA removal")
			_ = a.Conn().CloseWithError(xquic.CloseCodeCARemoved, xca.ErrCertRemoved.Error())
			notifyCARemoved = nil

		case <-events.Ready:
			e := events.Val
			events = events.Next

			so, ok := e.(xconn.StreamOpened)
			if !ok || so.Stream.Direction() != xconn.Inbound {
				continue
			}

			n.wg.Add(1)
			go n.routeInbound(log, so.Stream)
		}
	}
}

func (n *Node) dropConn(log *slog.Logger, peer xcert.PeerID, pc *peerConn) {
	n.mu.Lock()
	current := n.conns[peer] == pc
	if current {
		delete(n.conns, peer)
	}
	n.mu.Unlock()

	cause := context.Cause(pc.adapter.Conn().Context())
	if !current {
		// Replaced by a newer connection to the same peer.
		log.Debug("Superseded connection ended", "cause", cause)
		return
	}

	log.Info("Peer disconnected", "cause", cause)
	n.publish(PeerDisconnected{Peer: peer, Cause: cause})
}
