// Package xecho is an echo protocol.
//
// The server writes back every chunk it reads
// and closes its side once the client closes.
package xecho

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xconn"
	"github.com/gordian-engine/xstream/xid"
	"github.com/gordian-engine/xstream/xpubsub"
	"github.com/gordian-engine/xstream/xswarm"
)

// ProtocolID is the application protocol byte for echo streams.
const ProtocolID byte = 0x02

// MaxMessageSize bounds the reply read by [Echo].
const MaxMessageSize = 1 << 20

// ErrMessageTooLarge is returned from [Echo] when the reply exceeds [MaxMessageSize].
var ErrMessageTooLarge = errors.New("echo reply too large")

// Opener opens application streams to peers.
// [*xstream.Node] satisfies it.
type Opener interface {
	OpenStream(ctx context.Context, peer xcert.PeerID, proto byte) (*xconn.Stream, error)
}

// MessageReceived is published for every chunk a [Service] echoes.
type MessageReceived struct {
	Peer     xcert.PeerID
	StreamID xid.StreamID
	Data     []byte
}

// Service is the server side of the echo protocol.
type Service struct {
	log *slog.Logger

	mu   sync.Mutex
	tail *xpubsub.Stream[MessageReceived]
}

// NewService returns a Service ready to serve streams.
func NewService(log *slog.Logger) *Service {
	return &Service{
		log:  log,
		tail: xpubsub.NewStream[MessageReceived](),
	}
}

// Events returns the current tail of the received message list.
func (svc *Service) Events() *xpubsub.Stream[MessageReceived] {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.tail
}

func (svc *Service) publish(m MessageReceived) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.tail.Publish(m)
	svc.tail = svc.tail.Next
}

// Serve echoes s until the client closes it.
// It has the signature of an xstream.StreamHandler.
func (svc *Service) Serve(ctx context.Context, s *xconn.Stream) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.CloseWithError("echo server stopping")
	})
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			svc.publish(MessageReceived{Peer: s.Peer(), StreamID: s.ID(), Data: chunk})

			if _, werr := s.Write(chunk); werr != nil {
				svc.log.Debug("Failed to write echo", "peer", s.Peer(), "err", werr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = s.Close()
			} else {
				svc.log.Debug("Echo stream failed", "peer", s.Peer(), "err", err)
			}
			return
		}
	}
}

// Echo sends msg to peer on a new stream,
// closes the sending side, and returns everything the peer echoed.
func Echo(ctx context.Context, o Opener, peer xcert.PeerID, msg []byte) ([]byte, error) {
	s, err := o.OpenStream(ctx, peer, ProtocolID)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.CloseWithError("echo canceled")
	})
	defer stop()

	if _, err := s.Write(msg); err != nil {
		return nil, fmt.Errorf("failed to write echo request: %w", err)
	}
	if err := s.Close(); err != nil {
		return nil, fmt.Errorf("failed to close echo request: %w", err)
	}

	reply, err := io.ReadAll(io.LimitReader(s, MaxMessageSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("failed to read echo reply: %w", err)
	}
	if len(reply) > MaxMessageSize {
		_ = s.CloseWithError(ErrMessageTooLarge.Error())
		return nil, ErrMessageTooLarge
	}
	return reply, nil
}

// Request asks a [Behaviour] to echo Message off Peer.
type Request struct {
	Peer    xcert.PeerID
	Message []byte
}

// Result is the single event for a [Request].
type Result struct {
	Peer  xcert.PeerID
	Reply []byte
	Err   error
}

// Behaviour runs echo commands for an xswarm.Swarm.
type Behaviour struct {
	Opener Opener
}

// Handle implements xswarm.Behaviour.
func (b Behaviour) Handle(ctx context.Context, cmd xswarm.Command[Request], emit func(Result)) {
	reply, err := Echo(ctx, b.Opener, cmd.Body.Peer, cmd.Body.Message)
	emit(Result{Peer: cmd.Body.Peer, Reply: reply, Err: err})
}
