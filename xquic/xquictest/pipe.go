package xquictest

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gordian-engine/xstream/xquic"
)

// ConnClosedError is the cause reported by a [PipeConn]
// after either side calls CloseWithError.
type ConnClosedError struct {
	Code xquic.ApplicationErrorCode
	Msg  string
}

func (e ConnClosedError) Error() string {
	return fmt.Sprintf("pipe connection closed (code %d): %s", e.Code, e.Msg)
}

// StreamCanceledError is returned from a [PipeStream]
// whose read or write direction was canceled.
type StreamCanceledError struct {
	Code xquic.StreamErrorCode
}

func (e StreamCanceledError) Error() string {
	return fmt.Sprintf("pipe stream canceled (code %d)", e.Code)
}

type pipeLink struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	streams []*PipeStream
}

func (l *pipeLink) track(ss ...*PipeStream) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ctx.Err() != nil {
		return false
	}
	l.streams = append(l.streams, ss...)
	return true
}

func (l *pipeLink) close(err error) {
	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	l.cancel(err)
	streams := l.streams
	l.streams = nil
	l.mu.Unlock()

	for _, s := range streams {
		s.abort(err)
	}
}

// PipeConn is an in-memory [xquic.Conn].
// Create a connected pair with [NewPipeConns].
//
// Deadlines are accepted and ignored.
type PipeConn struct {
	link *pipeLink
	peer *PipeConn

	incoming chan *PipeStream

	LocalAddrValue, RemoteAddrValue StubNetAddr

	// Returned from TLSConnectionState.
	TLSState tls.ConnectionState
}

var _ xquic.Conn = (*PipeConn)(nil)

// NewPipeConns returns two connected in-memory connections.
// Closing either side closes both.
func NewPipeConns() (a, b *PipeConn) {
	ctx, cancel := context.WithCancelCause(context.Background())
	link := &pipeLink{ctx: ctx, cancel: cancel}

	aAddr := StubNetAddr{NetworkValue: "pipe", StringValue: "pipe-a"}
	bAddr := StubNetAddr{NetworkValue: "pipe", StringValue: "pipe-b"}

	a = &PipeConn{
		link:           link,
		incoming:       make(chan *PipeStream, 16),
		LocalAddrValue: aAddr, RemoteAddrValue: bAddr,
	}
	b = &PipeConn{
		link:           link,
		incoming:       make(chan *PipeStream, 16),
		LocalAddrValue: bAddr, RemoteAddrValue: aAddr,
	}
	a.peer, b.peer = b, a
	return a, b
}

// AcceptStream implements [xquic.Conn].
func (c *PipeConn) AcceptStream(ctx context.Context) (xquic.Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.link.ctx.Done():
		return nil, context.Cause(c.link.ctx)
	}
}

// OpenStreamSync implements [xquic.Conn].
func (c *PipeConn) OpenStreamSync(ctx context.Context) (xquic.Stream, error) {
	local, remote := newPipeStreamPair()
	if !c.link.track(local, remote) {
		return nil, context.Cause(c.link.ctx)
	}

	select {
	case c.peer.incoming <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.link.ctx.Done():
		return nil, context.Cause(c.link.ctx)
	}
}

// CloseWithError implements [xquic.Conn].
// It closes both sides of the pair and every stream on them.
func (c *PipeConn) CloseWithError(code xquic.ApplicationErrorCode, msg string) error {
	c.link.close(ConnClosedError{Code: code, Msg: msg})
	return nil
}

// Context implements [xquic.Conn].
func (c *PipeConn) Context() context.Context {
	return c.link.ctx
}

// TLSConnectionState implements [xquic.Conn].
func (c *PipeConn) TLSConnectionState() tls.ConnectionState {
	return c.TLSState
}

// LocalAddr implements [xquic.Conn].
func (c *PipeConn) LocalAddr() net.Addr { return c.LocalAddrValue }

// RemoteAddr implements [xquic.Conn].
func (c *PipeConn) RemoteAddr() net.Addr { return c.RemoteAddrValue }

// PipeStream is one end of an in-memory substream.
// Writes block until the peer reads them.
type PipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

var _ xquic.Stream = (*PipeStream)(nil)

func newPipeStreamPair() (a, b *PipeStream) {
	abR, abW := io.Pipe()
	baR, baW := io.Pipe()

	return &PipeStream{r: baR, w: abW}, &PipeStream{r: abR, w: baW}
}

func (s *PipeStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *PipeStream) Write(p []byte) (int, error) { return s.w.Write(p) }

// Close ends the write direction; the peer reads io.EOF.
func (s *PipeStream) Close() error { return s.w.Close() }

func (s *PipeStream) CancelRead(code xquic.StreamErrorCode) {
	_ = s.r.CloseWithError(StreamCanceledError{Code: code})
}

func (s *PipeStream) CancelWrite(code xquic.StreamErrorCode) {
	_ = s.w.CloseWithError(StreamCanceledError{Code: code})
}

func (s *PipeStream) SetReadDeadline(time.Time) error  { return nil }
func (s *PipeStream) SetWriteDeadline(time.Time) error { return nil }

func (s *PipeStream) abort(err error) {
	_ = s.r.CloseWithError(err)
	_ = s.w.CloseWithError(err)
}

// StubNetAddr is a fixed [net.Addr].
type StubNetAddr struct {
	NetworkValue string
	StringValue  string
}

func (a StubNetAddr) Network() string { return a.NetworkValue }
func (a StubNetAddr) String() string  { return a.StringValue }
