// Package xidentify lets a peer ask which application protocols
// and listen addresses another peer has.
//
// The server writes one [Info] and closes the stream.
// The protocol set travels as a compressed bitset indexed by protocol byte.
package xidentify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/xstream/internal/xbitset"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xconn"
	"github.com/gordian-engine/xstream/xswarm"
)

// ProtocolID is the application protocol byte for identify streams.
const ProtocolID byte = 0x03

// MaxListenAddrs bounds the addresses carried in one [Info].
const MaxListenAddrs = 16

// Info describes a peer.
type Info struct {
	Peer        xcert.PeerID
	ListenAddrs []string

	// Bit i is set when the peer serves protocol byte i.
	Protocols *bitset.BitSet
}

// NewInfo builds an Info from a protocol list.
func NewInfo(peer xcert.PeerID, addrs []string, protos []byte) Info {
	bs := bitset.New(256)
	for _, p := range protos {
		bs.Set(uint(p))
	}
	return Info{Peer: peer, ListenAddrs: addrs, Protocols: bs}
}

// Supports reports whether the peer serves proto.
func (i Info) Supports(proto byte) bool {
	return i.Protocols != nil && i.Protocols.Test(uint(proto))
}

// WriteInfo writes info to w.
func WriteInfo(w io.Writer, info Info) error {
	if len(info.ListenAddrs) > MaxListenAddrs {
		return fmt.Errorf("too many listen addresses (%d > %d)", len(info.ListenAddrs), MaxListenAddrs)
	}

	b := make([]byte, 0, len(info.Peer)+1+32*len(info.ListenAddrs))
	b = append(b, info.Peer[:]...)
	b = append(b, byte(len(info.ListenAddrs)))
	for _, a := range info.ListenAddrs {
		if len(a) > 255 {
			return fmt.Errorf("listen address too long: %q", a)
		}
		b = append(b, byte(len(a)))
		b = append(b, a...)
	}

	protos := info.Protocols
	if protos == nil {
		protos = bitset.New(0)
	}
	var enc xbitset.Encoder
	b = append(b, enc.Encode(protos)...)

	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to write identify info: %w", err)
	}
	return nil
}

// ReadInfo reads an Info written by [WriteInfo].
func ReadInfo(r io.Reader) (Info, error) {
	var info Info

	if _, err := io.ReadFull(r, info.Peer[:]); err != nil {
		return Info{}, fmt.Errorf("failed to read peer ID: %w", err)
	}

	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return Info{}, fmt.Errorf("failed to read address count: %w", err)
	}
	if int(n[0]) > MaxListenAddrs {
		return Info{}, fmt.Errorf("too many listen addresses (%d > %d)", n[0], MaxListenAddrs)
	}

	if n[0] > 0 {
		info.ListenAddrs = make([]string, n[0])
	}
	for i := range info.ListenAddrs {
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return Info{}, fmt.Errorf("failed to read address length: %w", err)
		}
		a := make([]byte, l[0])
		if _, err := io.ReadFull(r, a); err != nil {
			return Info{}, fmt.Errorf("failed to read address: %w", err)
		}
		info.ListenAddrs[i] = string(a)
	}

	var dec xbitset.Decoder
	protos, err := dec.Read(r)
	if err != nil {
		return Info{}, fmt.Errorf("failed to read protocol set: %w", err)
	}
	info.Protocols = protos

	return info, nil
}

// Local is the source of a node's own Info.
// [*xstream.Node] satisfies it.
type Local interface {
	ID() xcert.PeerID
	LocalAddr() net.Addr
	Protocols() []byte
}

// Opener opens application streams to peers.
// [*xstream.Node] satisfies it.
type Opener interface {
	OpenStream(ctx context.Context, peer xcert.PeerID, proto byte) (*xconn.Stream, error)
}

// Service is the server side of the identify protocol.
type Service struct {
	Log   *slog.Logger
	Local Local
}

// Serve writes the local Info on s and closes it.
// It has the signature of an xstream.StreamHandler.
func (svc Service) Serve(ctx context.Context, s *xconn.Stream) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.CloseWithError("identify server stopping")
	})
	defer stop()

	info := NewInfo(
		svc.Local.ID(),
		[]string{svc.Local.LocalAddr().String()},
		svc.Local.Protocols(),
	)
	if err := WriteInfo(s, info); err != nil {
		svc.Log.Debug("Failed to send identify info", "peer", s.Peer(), "err", err)
		_ = s.CloseWithError("identify failed")
		return
	}

	if err := s.Close(); err != nil {
		svc.Log.Debug("Failed to close identify stream", "peer", s.Peer(), "err", err)
	}
}

// ErrPeerMismatch is returned from [Identify]
// when the Info names a different peer than the connection.
var ErrPeerMismatch = errors.New("identify info does not match connection peer")

// Identify asks peer for its Info.
func Identify(ctx context.Context, o Opener, peer xcert.PeerID) (Info, error) {
	s, err := o.OpenStream(ctx, peer, ProtocolID)
	if err != nil {
		return Info{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.CloseWithError("identify canceled")
	})
	defer stop()

	info, err := ReadInfo(s)
	if err != nil {
		_ = s.CloseWithError("bad identify info")
		if ctx.Err() != nil {
			return Info{}, context.Cause(ctx)
		}
		return Info{}, err
	}

	if info.Peer != s.Peer() {
		_ = s.CloseWithError(ErrPeerMismatch.Error())
		return Info{}, ErrPeerMismatch
	}

	if _, err := io.Copy(io.Discard, s); err != nil {
		return Info{}, fmt.Errorf("identify stream did not close cleanly: %w", err)
	}
	if err := s.Close(); err != nil {
		return Info{}, fmt.Errorf("failed to close identify stream: %w", err)
	}

	return info, nil
}

// Request asks a [Behaviour] to identify Peer.
type Request struct {
	Peer xcert.PeerID
}

// Result is the single event for a [Request].
type Result struct {
	Info Info
	Err  error
}

// Behaviour runs identify commands for an xswarm.Swarm.
type Behaviour struct {
	Opener Opener
}

// Handle implements xswarm.Behaviour.
func (b Behaviour) Handle(ctx context.Context, cmd xswarm.Command[Request], emit func(Result)) {
	info, err := Identify(ctx, b.Opener, cmd.Body.Peer)
	emit(Result{Info: info, Err: err})
}
