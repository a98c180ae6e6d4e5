// Package xconn runs the xstream protocol over one peer connection.
//
// An [Adapter] owns a single [xquic.Conn].
// Every xstream stream is carried on its own bidirectional substream,
// which begins with the [ProtocolID] upgrade token
// followed by framed handshake and data traffic.
//
// All stream state is owned by the adapter's main loop goroutine.
// Substream reads, writes, and opens happen on helper goroutines
// that report back to the main loop over channels,
// so the main loop never blocks on the transport.
package xconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/xstream/internal/xhandshake"
	"github.com/gordian-engine/xstream/internal/xpending"
	"github.com/gordian-engine/xstream/internal/xstate"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xerr"
	"github.com/gordian-engine/xstream/xframe"
	"github.com/gordian-engine/xstream/xid"
	"github.com/gordian-engine/xstream/xpubsub"
	"github.com/gordian-engine/xstream/xquic"
)

// Adapter is the per-connection xstream protocol engine.
type Adapter struct {
	log     *slog.Logger
	cfg     Config
	conn    xquic.Conn
	peer    xcert.PeerID
	metrics *Metrics

	ids     *xid.Allocator
	pending *xpending.Registry[xid.StreamID, *Stream]

	// Tail of the event list.
	// Only the main loop publishes; any goroutine may load.
	events atomic.Pointer[xpubsub.Stream[Event]]

	// Owned by the main loop.
	subs        map[uint64]*substream
	outbound    map[xid.StreamID]*substream
	inbound     map[xid.StreamID]*substream
	nextKey     uint64
	lastPending int

	openRequests   chan openRequest
	openResults    chan openResult
	acceptedSubs   chan xquic.Stream
	substreamData  chan substreamData
	writeFailures  chan substreamEnded
	abandoned      chan xid.StreamID
	streamRequests chan streamRequest

	// Canceled when the main loop stops,
	// to release helpers blocked on the transport.
	helperCtx    context.Context
	cancelHelper context.CancelFunc

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// substream is the main loop's record of one transport substream.
type substream struct {
	key uint64
	dir Direction

	// Zero for inbound substreams until the proposal is accepted.
	id xid.StreamID

	qs      xquic.Stream
	dec     *xframe.Decoder
	machine *xstate.Machine

	initiator *xhandshake.Initiator
	responder *xhandshake.Responder

	// Outbound only: cancels the in-flight substream open.
	cancelOpen context.CancelFunc

	ctrl chan writeOp
	data chan writeOp
	quit chan struct{}

	// Set after the handshake completes.
	stream *Stream

	// Set once a local Close or CloseWithError has begun.
	localClosing bool

	gone bool
}

type writeOp struct {
	b          []byte
	closeWrite bool
	resp       chan error
}

type openRequest struct {
	Resp chan openResponse
}

type openResponse struct {
	P   *xpending.Promise[*Stream]
	Err error
}

type openResult struct {
	key uint64
	qs  xquic.Stream
	err error
}

// substreamData carries bytes read from a substream,
// and the read error that ended it if err is set.
// Both travel on one channel so the end is never observed before the data.
type substreamData struct {
	key   uint64
	chunk []byte
	err   error
}

type substreamEnded struct {
	key uint64
	err error
}

type streamOp uint8

const (
	opWritePermit streamOp = iota
	opBeginClose
	opFinishClose
	opBeginAbort
	opAbort
)

type streamRequest struct {
	key   uint64
	op    streamOp
	err   error // For opAbort.
	reset bool  // For opAbort: cancel the write direction too.

	Resp chan error
}

// errWriteClosed reports that the local direction was already closed.
var errWriteClosed = errors.New("write direction closed")

// errAdapterStopped is the cause for work interrupted by [*Adapter.Close].
var errAdapterStopped = errors.New("adapter stopped")

// NewAdapter starts an adapter over conn.
// peer is the remote identity; it is attached to every [Stream].
//
// The adapter runs until ctx is canceled, [*Adapter.Close] is called,
// or the connection ends.
// m may be nil.
func NewAdapter(
	ctx context.Context,
	log *slog.Logger,
	conn xquic.Conn,
	peer xcert.PeerID,
	cfg Config,
	m *Metrics,
) *Adapter {
	cfg.validate()

	ctx, cancel := context.WithCancel(ctx)
	helperCtx, cancelHelper := context.WithCancel(context.Background())

	a := &Adapter{
		log:     log,
		cfg:     cfg,
		conn:    conn,
		peer:    peer,
		metrics: m,

		ids: xid.NewAllocator(),

		subs:     make(map[uint64]*substream),
		outbound: make(map[xid.StreamID]*substream),
		inbound:  make(map[xid.StreamID]*substream),

		openRequests:   make(chan openRequest),
		openResults:    make(chan openResult, 4),
		acceptedSubs:   make(chan xquic.Stream, 4),
		substreamData:  make(chan substreamData, 16),
		writeFailures:  make(chan substreamEnded, 4),
		abandoned:      make(chan xid.StreamID, 4),
		streamRequests: make(chan streamRequest),

		helperCtx:    helperCtx,
		cancelHelper: cancelHelper,

		cancel: cancel,
		done:   make(chan struct{}),
	}

	a.pending = xpending.New[xid.StreamID, *Stream](log, xpending.Hooks[xid.StreamID]{
		OnAbandon: func(id xid.StreamID) {
			select {
			case a.abandoned <- id:
			case <-a.done:
			}
		},
		OnDuplicate: func(xid.StreamID) {
			a.metrics.duplicate()
		},
	})

	head := cfg.Events
	if head == nil {
		head = xpubsub.NewStream[Event]()
	}
	a.events.Store(head)

	a.wg.Add(2)
	go a.mainLoop(ctx)
	go a.acceptLoop()

	return a
}

// Peer returns the remote identity.
func (a *Adapter) Peer() xcert.PeerID { return a.peer }

// Conn returns the underlying connection.
func (a *Adapter) Conn() xquic.Conn { return a.conn }

// Events returns the current tail of the event list.
// Subscribers observe every event published after this call;
// the returned node may be iterated any number of times
// with [*xpubsub.Stream.All].
func (a *Adapter) Events() *xpubsub.Stream[Event] {
	return a.events.Load()
}

// Done is closed once the adapter has stopped processing.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Close stops the adapter and closes its connection.
// Pending opens resolve with a [xerr.KindConnectionClosed] error.
func (a *Adapter) Close() {
	a.cancel()
}

// Wait blocks until the adapter's goroutines have all returned.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

// RequestStream starts opening a new outbound stream
// and returns the promise that resolves with it.
//
// Abandoning the promise cancels the open.
func (a *Adapter) RequestStream(ctx context.Context) (*xpending.Promise[*Stream], error) {
	req := openRequest{Resp: make(chan openResponse, 1)}

	select {
	case a.openRequests <- req:
	case <-a.done:
		return nil, xerr.ConnectionClosed("adapter not running", nil)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	// The main loop answers every request it receives.
	resp := <-req.Resp
	return resp.P, resp.Err
}

// OpenStream opens a new outbound stream and waits for the handshake.
// Canceling ctx before the stream opens abandons the open.
func (a *Adapter) OpenStream(ctx context.Context) (*Stream, error) {
	p, err := a.RequestStream(ctx)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

func (a *Adapter) streamRequest(key uint64, op streamOp) error {
	req := streamRequest{key: key, op: op, Resp: make(chan error, 1)}

	select {
	case a.streamRequests <- req:
	case <-a.done:
		return xerr.ConnectionClosed("adapter not running", nil)
	}

	return <-req.Resp
}

func (a *Adapter) streamAbort(key uint64, cause error, reset bool) error {
	req := streamRequest{key: key, op: opAbort, err: cause, reset: reset, Resp: make(chan error, 1)}

	select {
	case a.streamRequests <- req:
	case <-a.done:
		return xerr.ConnectionClosed("adapter not running", nil)
	}

	return <-req.Resp
}

func (a *Adapter) mainLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.done)
	defer a.cancelHelper()
	defer a.cancel()

	ticker := a.cfg.Clock.Ticker(a.cfg.SweepInterval)
	defer ticker.Stop()

	connCtx := a.conn.Context()

	for {
		select {
		case <-ctx.Done():
			a.shutdown(xerr.ConnectionClosed("adapter stopped", errAdapterStopped))
			if err := a.conn.CloseWithError(xquic.CloseCodeShutdown, "adapter stopped"); err != nil {
				a.log.Debug("Error closing connection", "err", err)
			}
			return

		case <-connCtx.Done():
			a.log.Info("Connection lost", "cause", context.Cause(connCtx))
			a.shutdown(xerr.ConnectionClosed("connection lost", context.Cause(connCtx)))
			return

		case req := <-a.openRequests:
			a.handleOpenRequest(req)

		case res := <-a.openResults:
			a.handleOpenResult(res)

		case qs := <-a.acceptedSubs:
			a.handleAccepted(qs)

		case d := <-a.substreamData:
			if len(d.chunk) > 0 {
				a.handleData(d)
			}
			if d.err != nil {
				a.handleEnded(substreamEnded{key: d.key, err: d.err})
			}

		case e := <-a.writeFailures:
			a.handleWriteFailure(e)

		case id := <-a.abandoned:
			a.handleAbandoned(id)

		case req := <-a.streamRequests:
			a.handleStreamRequest(req)

		case <-ticker.C:
			a.sweep()
		}

		a.syncPendingGauge()
	}
}

func (a *Adapter) syncPendingGauge() {
	n := a.pending.Len()
	if n != a.lastPending {
		a.metrics.pendingDelta(n - a.lastPending)
		a.lastPending = n
	}
}

func (a *Adapter) publish(e Event) {
	tail := a.events.Load()
	tail.Publish(e)
	a.events.Store(tail.Next)
}

func (a *Adapter) handleOpenRequest(req openRequest) {
	id := a.ids.NextFree(func(id xid.StreamID) bool {
		_, ok := a.outbound[id]
		return ok
	})

	deadline := a.cfg.Clock.Now().Add(a.cfg.OpenTimeout)
	p, err := a.pending.Register(id, deadline)
	if err != nil {
		// The outbound check above makes this unreachable.
		panic(fmt.Errorf("BUG: failed to register pending open for stream %s: %w", id, err))
	}

	openCtx, cancel := context.WithCancel(a.helperCtx)
	init := xhandshake.NewInitiator(id, deadline)

	sub := &substream{
		key:        a.allocKey(),
		dir:        Outbound,
		id:         id,
		dec:        xframe.NewDecoder(a.cfg.MaxFrameSize),
		machine:    xstate.New(),
		initiator:  init,
		cancelOpen: cancel,
	}
	a.subs[sub.key] = sub
	a.outbound[id] = sub

	first := AppendUpgrade(nil)
	first = append(first, init.Start().Encode()...)

	a.wg.Add(1)
	go a.openSubstream(openCtx, sub.key, first)

	req.Resp <- openResponse{P: p}
}

func (a *Adapter) allocKey() uint64 {
	a.nextKey++
	return a.nextKey
}

// openSubstream opens the transport substream for an outbound stream
// and writes the upgrade token and handshake proposal.
func (a *Adapter) openSubstream(ctx context.Context, key uint64, first []byte) {
	defer a.wg.Done()

	qs, err := a.conn.OpenStreamSync(ctx)
	if err == nil {
		if _, werr := qs.Write(first); werr != nil {
			qs.CancelRead(xquic.StreamCodeCanceled)
			qs.CancelWrite(xquic.StreamCodeCanceled)
			qs, err = nil, werr
		}
	}

	select {
	case a.openResults <- openResult{key: key, qs: qs, err: err}:
	case <-a.done:
		if qs != nil {
			qs.CancelRead(xquic.StreamCodeCanceled)
			qs.CancelWrite(xquic.StreamCodeCanceled)
		}
	}
}

func (a *Adapter) handleOpenResult(res openResult) {
	sub, ok := a.subs[res.key]
	if !ok {
		// Abandoned or expired while the open was in flight.
		if res.qs != nil {
			res.qs.CancelRead(xquic.StreamCodeCanceled)
			res.qs.CancelWrite(xquic.StreamCodeCanceled)
		}
		return
	}

	if res.err != nil {
		a.failOutbound(sub, xerr.ConnectionClosed("failed to open substream", res.err))
		return
	}

	sub.qs = res.qs
	if err := sub.machine.BeginHandshake(); err != nil {
		panic(fmt.Errorf("BUG: outbound stream %s: %w", sub.id, err))
	}
	a.startIO(sub)
}

// acceptLoop accepts inbound substreams and consumes their upgrade token.
func (a *Adapter) acceptLoop() {
	defer a.wg.Done()

	for {
		qs, err := a.conn.AcceptStream(a.helperCtx)
		if err != nil {
			if a.helperCtx.Err() == nil && a.conn.Context().Err() == nil {
				a.log.Info("Stopped accepting substreams", "err", err)
			}
			return
		}

		a.wg.Add(1)
		go a.upgradeInbound(qs)
	}
}

func (a *Adapter) upgradeInbound(qs xquic.Stream) {
	defer a.wg.Done()

	// Transport deadlines use wall time regardless of the configured clock.
	if err := qs.SetReadDeadline(time.Now().Add(a.cfg.HandshakeTimeout)); err != nil {
		a.log.Debug("Failed to set upgrade read deadline", "err", err)
	}

	if err := ReadUpgrade(qs); err != nil {
		a.log.Info("Rejecting inbound substream", "err", err)
		qs.CancelRead(xquic.StreamCodeBadUpgrade)
		qs.CancelWrite(xquic.StreamCodeBadUpgrade)
		return
	}

	select {
	case a.acceptedSubs <- qs:
	case <-a.done:
		qs.CancelRead(xquic.StreamCodeCanceled)
		qs.CancelWrite(xquic.StreamCodeCanceled)
	}
}

func (a *Adapter) handleAccepted(qs xquic.Stream) {
	// The upgrade deadline only guarded the token read.
	// The handshake deadline is enforced by the sweep from here on.
	_ = qs.SetReadDeadline(time.Time{})

	sub := &substream{
		key:       a.allocKey(),
		dir:       Inbound,
		qs:        qs,
		dec:       xframe.NewDecoder(a.cfg.MaxFrameSize),
		machine:   xstate.New(),
		responder: xhandshake.NewResponder(a.cfg.Clock.Now().Add(a.cfg.HandshakeTimeout)),
	}
	if err := sub.machine.BeginHandshake(); err != nil {
		panic(fmt.Errorf("BUG: inbound substream: %w", err))
	}

	a.subs[sub.key] = sub
	a.startIO(sub)
}

func (a *Adapter) startIO(sub *substream) {
	sub.ctrl = make(chan writeOp, 4)
	sub.data = make(chan writeOp)
	sub.quit = make(chan struct{})

	a.wg.Add(2)
	go a.readLoop(sub.key, sub.qs, sub.quit)
	go a.writeLoop(sub.key, sub.qs, sub.ctrl, sub.data, sub.quit)
}

func (a *Adapter) readLoop(key uint64, qs xquic.Stream, quit <-chan struct{}) {
	defer a.wg.Done()

	buf := make([]byte, a.cfg.ReadBufferSize)
	for {
		n, err := qs.Read(buf)
		if n == 0 && err == nil {
			continue
		}

		d := substreamData{key: key, err: err}
		if n > 0 {
			d.chunk = make([]byte, n)
			copy(d.chunk, buf[:n])
		}

		select {
		case a.substreamData <- d:
		case <-quit:
			return
		case <-a.done:
			return
		}

		if err != nil {
			return
		}
	}
}

// writeLoop serializes every write to one substream.
// Control writes from the main loop take priority over stream data.
func (a *Adapter) writeLoop(
	key uint64,
	qs xquic.Stream,
	ctrl, data <-chan writeOp,
	quit <-chan struct{},
) {
	defer a.wg.Done()

	for {
		var op writeOp
		select {
		case op = <-ctrl:
		default:
			select {
			case op = <-ctrl:
			case op = <-data:
			case <-quit:
				return
			}
		}

		_, err := qs.Write(op.b)
		if err == nil && op.closeWrite {
			err = qs.Close()
		}

		if op.resp != nil {
			op.resp <- err
		}

		if err != nil {
			select {
			case a.writeFailures <- substreamEnded{key: key, err: err}:
			case <-quit:
			case <-a.done:
			}
			return
		}

		if op.closeWrite {
			break
		}
	}

	// The write direction is closed.
	// Data ops that raced with the close are rejected until the substream ends.
	for {
		select {
		case op := <-data:
			op.resp <- ErrStreamClosed
		case op := <-ctrl:
			if op.resp != nil {
				op.resp <- ErrStreamClosed
			}
		case <-quit:
			return
		}
	}
}

func (a *Adapter) handleData(d substreamData) {
	sub, ok := a.subs[d.key]
	if !ok {
		return
	}

	sub.dec.Feed(d.chunk)
	for !sub.gone {
		f, ok, err := sub.dec.Next()
		if err != nil {
			a.violation(sub, err)
			return
		}
		if !ok {
			return
		}

		a.metrics.frameReceived(f.Kind)
		a.handleFrame(sub, f)
	}
}

func (a *Adapter) handleFrame(sub *substream, f xframe.Frame) {
	if sub.machine.State() == xstate.Handshaking {
		if sub.dir == Outbound {
			a.handleAck(sub, f)
		} else {
			a.handleProposal(sub, f)
		}
		return
	}

	if f.StreamID != sub.id {
		a.violation(sub, xerr.ProtocolViolation(
			"frame for stream %s on substream of stream %s", f.StreamID, sub.id,
		))
		return
	}

	switch f.Kind {
	case xframe.KindData:
		if !sub.machine.CanReceive() {
			a.violation(sub, xerr.ProtocolViolation("data frame after remote close"))
			return
		}
		sub.stream.recv.push(f.Payload)
		a.publish(DataReceived{ID: sub.id, Direction: sub.dir, Data: f.Payload})

	case xframe.KindClose:
		if err := sub.machine.CloseRemote(); err != nil {
			a.violation(sub, xerr.ProtocolViolation("unexpected close frame: %v", err))
			return
		}
		sub.stream.recv.finish(io.EOF, false)
		a.maybeFinish(sub)

	case xframe.KindError:
		a.failOpen(sub, RemoteError{Msg: string(f.Payload)}, true)

	default:
		a.violation(sub, xerr.ProtocolViolation("unexpected %s frame on open stream", f.Kind))
	}
}

func (a *Adapter) handleAck(sub *substream, f xframe.Frame) {
	if err := sub.initiator.HandleFrame(f); err != nil {
		if xerr.KindOf(err) == xerr.KindProtocolViolation {
			a.metrics.violation()
		}
		a.failOutbound(sub, err)
		return
	}

	if err := sub.machine.Established(); err != nil {
		panic(fmt.Errorf("BUG: outbound stream %s: %w", sub.id, err))
	}
	s := a.newStream(sub)

	if err := a.pending.Resolve(sub.id, s, nil); err != nil {
		// The open was abandoned or expired while the ack was in flight.
		a.log.Debug("Discarding acknowledged stream", "id", sub.id, "err", err)
		a.abort(sub, err, xquic.StreamCodeCanceled, true)
		return
	}

	a.metrics.streamOpened(sub.dir)
	a.publish(StreamOpened{Stream: s})
}

func (a *Adapter) handleProposal(sub *substream, f xframe.Frame) {
	ack, err := sub.responder.HandleFrame(f, func(id xid.StreamID) bool {
		_, ok := a.inbound[id]
		return ok
	})
	if err != nil {
		if xerr.KindOf(err) == xerr.KindProtocolViolation {
			a.metrics.violation()
		}
		a.log.Info("Rejecting inbound stream", "err", err)
		a.abort(sub, err, xquic.StreamCodeProtocolError, true)
		return
	}

	sub.id = sub.responder.ID()
	a.inbound[sub.id] = sub
	if err := sub.machine.Established(); err != nil {
		panic(fmt.Errorf("BUG: inbound stream %s: %w", sub.id, err))
	}

	// The writer has not been handed anything else yet,
	// so the buffered control channel cannot be full.
	sub.ctrl <- writeOp{b: ack.Encode()}

	s := a.newStream(sub)
	a.metrics.streamOpened(sub.dir)
	a.publish(StreamOpened{Stream: s})
}

func (a *Adapter) newStream(sub *substream) *Stream {
	s := &Stream{
		a:    a,
		key:  sub.key,
		id:   sub.id,
		dir:  sub.dir,
		peer: a.peer,
		data: sub.data,
		quit: sub.quit,
	}
	s.recv.init()
	sub.stream = s
	return s
}

func (a *Adapter) handleEnded(e substreamEnded) {
	sub, ok := a.subs[e.key]
	if !ok {
		return
	}
	if a.conn.Context().Err() != nil {
		// The connection loss path fails everything at once.
		return
	}

	if sub.stream == nil {
		err := xerr.HandshakeFailed("substream ended during handshake: %v", e.err)
		if sub.dir == Outbound {
			a.failOutbound(sub, err)
		} else {
			a.log.Debug("Inbound substream ended before handshake", "err", e.err)
			a.abort(sub, err, xquic.StreamCodeCanceled, true)
		}
		return
	}

	if !errors.Is(e.err, io.EOF) {
		a.failOpen(sub, xerr.ConnectionClosed("substream read failed", e.err), true)
		return
	}

	if n := sub.dec.Buffered(); n > 0 {
		a.violation(sub, xerr.ProtocolViolation("substream ended inside a frame (%d bytes buffered)", n))
		return
	}
	if sub.machine.RemoteClosed() {
		return
	}
	a.failOpen(sub, xerr.ConnectionClosed("substream ended without close frame", nil), true)
}

func (a *Adapter) handleWriteFailure(e substreamEnded) {
	sub, ok := a.subs[e.key]
	if !ok {
		return
	}
	if a.conn.Context().Err() != nil {
		return
	}

	err := xerr.ConnectionClosed("substream write failed", e.err)
	switch {
	case sub.stream != nil:
		a.failOpen(sub, err, true)
	case sub.dir == Outbound:
		a.failOutbound(sub, err)
	default:
		a.abort(sub, err, xquic.StreamCodeCanceled, true)
	}
}

func (a *Adapter) handleAbandoned(id xid.StreamID) {
	sub, ok := a.outbound[id]
	if !ok || sub.stream != nil {
		return
	}
	a.log.Debug("Pending open abandoned", "id", id)
	a.abort(sub, xerr.ChannelClosed("pending open abandoned"), xquic.StreamCodeCanceled, true)
}

func (a *Adapter) handleStreamRequest(req streamRequest) {
	sub, ok := a.subs[req.key]
	if !ok || sub.stream == nil {
		req.Resp <- ErrStreamClosed
		return
	}

	switch req.op {
	case opWritePermit:
		if sub.localClosing || !sub.machine.CanSend() {
			req.Resp <- ErrStreamClosed
			return
		}
		req.Resp <- nil

	case opBeginClose:
		if sub.localClosing || !sub.machine.CanSend() {
			req.Resp <- ErrStreamClosed
			return
		}
		sub.localClosing = true
		req.Resp <- nil

	case opBeginAbort:
		if sub.localClosing || !sub.machine.CanSend() {
			req.Resp <- errWriteClosed
			return
		}
		sub.localClosing = true
		req.Resp <- nil

	case opFinishClose:
		if err := sub.machine.CloseLocal(); err != nil {
			panic(fmt.Errorf("BUG: stream %s: %w", sub.id, err))
		}
		a.maybeFinish(sub)
		req.Resp <- nil

	case opAbort:
		// Without reset, the Error frame already closed the write direction
		// and canceling it could discard the frame.
		a.failOpen(sub, req.err, req.reset)
		req.Resp <- nil

	default:
		panic(fmt.Errorf("BUG: unknown stream op %d", req.op))
	}
}

func (a *Adapter) sweep() {
	now := a.cfg.Clock.Now()

	// Waiters learn of the timeout from the registry;
	// the negotiators decide which substreams to release.
	expired := a.pending.Sweep(now)
	a.metrics.timedOut(len(expired))

	for _, sub := range a.subs {
		if sub.stream != nil {
			continue
		}

		var err error
		if sub.dir == Outbound {
			err = sub.initiator.Expired(now)
		} else {
			err = sub.responder.Expired(now)
		}
		if err == nil {
			continue
		}

		a.log.Info("Handshake timed out", "id", sub.id, "dir", sub.dir)
		a.abort(sub, err, xquic.StreamCodeHandshakeTimeout, true)
	}
}

// violation aborts sub for breaking the wire protocol.
func (a *Adapter) violation(sub *substream, err error) {
	a.metrics.violation()
	a.log.Info("Protocol violation on substream", "id", sub.id, "dir", sub.dir, "err", err)

	switch {
	case sub.stream != nil:
		a.failOpen(sub, err, true)
	case sub.dir == Outbound:
		a.failOutbound(sub, err)
	default:
		a.abort(sub, err, xquic.StreamCodeProtocolError, true)
	}
}

// failOutbound ends an outbound stream that never opened
// and delivers err to the waiter.
func (a *Adapter) failOutbound(sub *substream, err error) {
	code := xquic.StreamCodeCanceled
	if xerr.KindOf(err) == xerr.KindProtocolViolation {
		code = xquic.StreamCodeProtocolError
	}
	// Resolve before abort: removing the substream cancels its entry.
	if rerr := a.pending.Resolve(sub.id, nil, err); rerr != nil {
		a.log.Debug("Failed open had no waiter", "id", sub.id, "err", rerr)
	}

	a.abort(sub, err, code, true)
}

// failOpen moves an open stream to Errored and notifies its users.
func (a *Adapter) failOpen(sub *substream, err error, cancelWrite bool) {
	if sub.gone {
		return
	}

	a.publish(StreamError{ID: sub.id, Direction: sub.dir, Err: err})
	sub.stream.recv.finish(err, true)
	a.metrics.streamEnded("errored")

	code := xquic.StreamCodeCanceled
	if xerr.KindOf(err) == xerr.KindProtocolViolation {
		code = xquic.StreamCodeProtocolError
	}
	a.abort(sub, err, code, cancelWrite)
}

// maybeFinish retires sub once both directions have closed.
func (a *Adapter) maybeFinish(sub *substream) {
	if sub.gone || sub.machine.State() != xstate.Closed {
		return
	}

	a.publish(StreamClosed{ID: sub.id, Direction: sub.dir})
	a.metrics.streamEnded("closed")

	a.remove(sub)
	close(sub.quit)
	sub.qs.CancelRead(xquic.StreamCodeCanceled)
}

// abort retires sub without publishing anything.
func (a *Adapter) abort(sub *substream, err error, code xquic.StreamErrorCode, cancelWrite bool) {
	if sub.gone {
		return
	}

	// Fail only rejects terminal states, and a retired substream is never revisited.
	_ = sub.machine.Fail(err)
	a.remove(sub)

	if sub.quit != nil {
		close(sub.quit)
	}
	if sub.cancelOpen != nil {
		sub.cancelOpen()
	}
	if sub.qs != nil {
		sub.qs.CancelRead(code)
		if cancelWrite {
			sub.qs.CancelWrite(code)
		}
	}
}

func (a *Adapter) remove(sub *substream) {
	sub.gone = true
	delete(a.subs, sub.key)

	var byID map[xid.StreamID]*substream
	if sub.dir == Outbound {
		byID = a.outbound

		// Clears an abandoned entry so the ID can be reused.
		if sub.stream == nil && byID[sub.id] == sub {
			a.pending.Cancel(sub.id)
		}
	} else {
		byID = a.inbound
	}
	if byID[sub.id] == sub {
		delete(byID, sub.id)
	}
}

// shutdown fails all outstanding work with cause.
// No events are published after it returns.
func (a *Adapter) shutdown(cause error) {
	a.pending.ResolveAll(cause)

	for _, sub := range a.subs {
		if sub.stream != nil {
			a.failOpen(sub, cause, true)
		} else {
			a.abort(sub, cause, xquic.StreamCodeCanceled, true)
		}
	}

	a.syncPendingGauge()
}
