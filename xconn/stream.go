package xconn

import (
	"bytes"
	"errors"
	"sync"

	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xframe"
	"github.com/gordian-engine/xstream/xid"
)

// ErrStreamClosed is returned from writes on a stream
// whose local direction is closed or closing.
var ErrStreamClosed = errors.New("stream closed")

// RemoteError is the error a peer sent in an Error frame.
type RemoteError struct {
	Msg string
}

func (e RemoteError) Error() string {
	return "peer aborted stream: " + e.Msg
}

// LocalAbortError records that the stream was aborted
// with [*Stream.CloseWithError].
type LocalAbortError struct {
	Msg string
}

func (e LocalAbortError) Error() string {
	return "stream aborted locally: " + e.Msg
}

// Stream is the collaborator's handle to an open xstream stream.
//
// Read and Write may be used concurrently with each other,
// but concurrent calls to Read, or concurrent calls to Write,
// have no ordering guarantee between them.
type Stream struct {
	a *Adapter

	key  uint64
	id   xid.StreamID
	dir  Direction
	peer xcert.PeerID

	recv recvBuffer

	// Writer goroutine inputs, fixed for the stream's lifetime.
	data chan<- writeOp
	quit <-chan struct{}
}

// ID returns the stream's identifier.
// Identifiers are unique per direction on one connection.
func (s *Stream) ID() xid.StreamID { return s.id }

// Direction reports which side opened the stream.
func (s *Stream) Direction() Direction { return s.dir }

// Peer returns the identity of the remote peer.
func (s *Stream) Peer() xcert.PeerID { return s.peer }

// Read reads inbound data.
// Data received before a close or failure remains readable;
// afterwards Read returns io.EOF for a clean remote close
// or the error that ended the stream.
func (s *Stream) Read(p []byte) (int, error) {
	return s.recv.read(p)
}

// Write sends p as one or more data frames
// and returns once the frames are handed to the transport.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := s.request(opWritePermit); err != nil {
		return 0, err
	}

	maxSize := int(s.a.cfg.MaxFrameSize)
	buf := make([]byte, 0, len(p)+xframe.HeaderSize*(1+len(p)/maxSize))
	for rest := p; len(rest) > 0; {
		n := min(len(rest), maxSize)
		buf = xframe.AppendFrame(buf, xframe.Header{
			StreamID: s.id,
			Kind:     xframe.KindData,
			Length:   uint32(n),
		}, rest[:n])
		rest = rest[n:]
	}

	if err := s.push(writeOp{b: buf}); err != nil {
		return 0, err
	}

	s.a.metrics.dataSent(len(p))
	return len(p), nil
}

// Close closes the local direction.
// The stream stays readable until the peer also closes,
// at which point a [StreamClosed] event is published.
func (s *Stream) Close() error {
	if err := s.request(opBeginClose); err != nil {
		return err
	}

	f := xframe.NewFrame(s.id, xframe.KindClose, nil)
	if err := s.push(writeOp{b: f.Encode(), closeWrite: true}); err != nil {
		return err
	}

	return s.request(opFinishClose)
}

// CloseWithError sends msg to the peer in an Error frame
// and moves the stream to the Errored state on both sides.
// If the local direction is already closed, no frame can carry msg,
// so the underlying stream is reset in both directions instead.
func (s *Stream) CloseWithError(msg string) error {
	cause := LocalAbortError{Msg: msg}

	err := s.request(opBeginAbort)
	if errors.Is(err, errWriteClosed) {
		return s.abort(cause, true)
	}
	if err != nil {
		return err
	}

	f := xframe.NewFrame(s.id, xframe.KindError, []byte(msg))
	if err := s.push(writeOp{b: f.Encode(), closeWrite: true}); err != nil {
		return err
	}

	return s.abort(cause, false)
}

func (s *Stream) abort(cause error, reset bool) error {
	err := s.a.streamAbort(s.key, cause, reset)
	if errors.Is(err, ErrStreamClosed) {
		return s.terminalErr()
	}
	return err
}

func (s *Stream) request(op streamOp) error {
	err := s.a.streamRequest(s.key, op)
	if errors.Is(err, ErrStreamClosed) {
		return s.terminalErr()
	}
	return err
}

func (s *Stream) push(op writeOp) error {
	op.resp = make(chan error, 1)

	select {
	case s.data <- op:
	case <-s.quit:
		return s.terminalErr()
	}

	// The writer always answers an accepted op.
	return <-op.resp
}

func (s *Stream) terminalErr() error {
	if err := s.recv.failure(); err != nil {
		return err
	}
	return ErrStreamClosed
}

// recvBuffer holds inbound data until Read consumes it.
type recvBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	failed bool

	signal chan struct{}
}

func (r *recvBuffer) init() {
	r.signal = make(chan struct{}, 1)
}

func (r *recvBuffer) push(b []byte) {
	r.mu.Lock()
	r.buf.Write(b)
	r.mu.Unlock()
	r.notify()
}

// finish records the error Read returns once the buffer drains.
// The first call wins.
// failed distinguishes a stream failure from a clean close.
func (r *recvBuffer) finish(err error, failed bool) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
		r.failed = failed
	}
	r.mu.Unlock()
	r.notify()
}

func (r *recvBuffer) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed {
		return r.err
	}
	return nil
}

func (r *recvBuffer) notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recvBuffer) read(p []byte) (int, error) {
	for {
		r.mu.Lock()
		if r.buf.Len() > 0 {
			n, _ := r.buf.Read(p)
			more := r.buf.Len() > 0 || r.err != nil
			r.mu.Unlock()
			if more {
				// Keep other readers moving.
				r.notify()
			}
			return n, nil
		}
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			r.notify()
			return 0, err
		}
		r.mu.Unlock()

		<-r.signal
	}
}
