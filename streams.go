package xstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/gordian-engine/xstream/xconn"
)

// StreamHandler serves one inbound stream of an application protocol.
// The protocol byte has already been consumed.
// The handler owns the stream and must close it.
//
// ctx is canceled when the node stops.
type StreamHandler func(ctx context.Context, s *xconn.Stream)

// SetStreamHandler routes inbound streams for proto to h,
// replacing any earlier handler.
// A nil h removes the handler.
//
// Protocol 0 is reserved and panics.
func (n *Node) SetStreamHandler(proto byte, h StreamHandler) {
	if proto == 0 {
		panic(errors.New("BUG: application protocol 0 is reserved"))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if h == nil {
		delete(n.handlers, proto)
		return
	}
	n.handlers[proto] = h
}

// Protocols returns the application protocols with a registered handler,
// in ascending order.
func (n *Node) Protocols() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]byte, 0, len(n.handlers))
	for p := range n.handlers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (n *Node) handler(proto byte) StreamHandler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers[proto]
}

// routeInbound reads the protocol byte from a new inbound stream
// and hands the stream to the matching handler.
func (n *Node) routeInbound(log *slog.Logger, s *xconn.Stream) {
	defer n.wg.Done()

	timer := time.AfterFunc(n.protoTimeout, func() {
		_ = s.CloseWithError("protocol selection timed out")
	})

	var b [1]byte
	_, err := io.ReadFull(s, b[:])
	if !timer.Stop() {
		log.Debug("Inbound stream did not select a protocol in time", "id", s.ID())
		return
	}
	if err != nil {
		log.Debug("Failed to read protocol header", "id", s.ID(), "err", err)
		return
	}

	h := n.handler(b[0])
	if h == nil {
		err := UnsupportedProtocolError{Protocol: b[0]}
		log.Info("Rejecting inbound stream", "id", s.ID(), "err", err)
		_ = s.CloseWithError(err.Error())
		return
	}

	h(n.ctx, s)
}

func formatProtocol(p byte) string {
	return fmt.Sprintf("0x%02x", p)
}
