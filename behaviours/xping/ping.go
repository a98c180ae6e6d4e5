// Package xping is a round-trip latency protocol.
//
// The client writes [PayloadSize] random bytes
// and the server echoes them back unchanged.
// One stream carries any number of rounds;
// the client ends it with a local close.
package xping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xconn"
	"github.com/gordian-engine/xstream/xswarm"
)

// ProtocolID is the application protocol byte for ping streams.
const ProtocolID byte = 0x01

// PayloadSize is the size of one ping round.
const PayloadSize = 32

// ErrDataMismatch is returned when the echoed payload differs from what was sent.
var ErrDataMismatch = errors.New("ping response did not match request")

// Opener opens application streams to peers.
// [*xstream.Node] satisfies it.
type Opener interface {
	OpenStream(ctx context.Context, peer xcert.PeerID, proto byte) (*xconn.Stream, error)
}

// Serve answers ping rounds on s until the client closes it.
// It has the signature of an xstream.StreamHandler.
func Serve(ctx context.Context, s *xconn.Stream) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.CloseWithError("ping server stopping")
	})
	defer stop()

	buf := make([]byte, PayloadSize)
	for {
		if _, err := io.ReadFull(s, buf); err != nil {
			if errors.Is(err, io.EOF) {
				_ = s.Close()
			}
			return
		}

		if _, err := s.Write(buf); err != nil {
			return
		}
	}
}

// Ping runs one round on s and returns the round-trip time.
//
// If ctx is canceled before the round completes, s is aborted.
func Ping(ctx context.Context, s *xconn.Stream) (time.Duration, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.CloseWithError("ping canceled")
	})
	defer stop()

	req := make([]byte, PayloadSize)
	if _, err := rand.Read(req); err != nil {
		return 0, fmt.Errorf("failed to generate ping payload: %w", err)
	}

	start := time.Now()
	if _, err := s.Write(req); err != nil {
		return 0, fmt.Errorf("failed to write ping: %w", err)
	}

	resp := make([]byte, PayloadSize)
	if _, err := io.ReadFull(s, resp); err != nil {
		if ctx.Err() != nil {
			return 0, context.Cause(ctx)
		}
		return 0, fmt.Errorf("failed to read pong: %w", err)
	}
	rtt := time.Since(start)

	if !bytes.Equal(req, resp) {
		return 0, ErrDataMismatch
	}
	return rtt, nil
}

// Request asks a [Behaviour] to ping Peer Count times.
type Request struct {
	Peer xcert.PeerID

	// Number of rounds. Zero means one.
	Count int

	// Pause between rounds.
	Interval time.Duration
}

// Result is emitted once per round.
// A failed round ends the command.
type Result struct {
	Peer xcert.PeerID
	Seq  int
	RTT  time.Duration
	Err  error
}

// Behaviour runs ping commands for an xswarm.Swarm.
type Behaviour struct {
	Log    *slog.Logger
	Opener Opener
}

// Handle implements xswarm.Behaviour.
func (b Behaviour) Handle(ctx context.Context, cmd xswarm.Command[Request], emit func(Result)) {
	req := cmd.Body
	count := max(req.Count, 1)

	s, err := b.Opener.OpenStream(ctx, req.Peer, ProtocolID)
	if err != nil {
		emit(Result{Peer: req.Peer, Err: err})
		return
	}

	for seq := range count {
		if seq > 0 && req.Interval > 0 {
			select {
			case <-ctx.Done():
				_ = s.CloseWithError("ping canceled")
				emit(Result{Peer: req.Peer, Seq: seq, Err: context.Cause(ctx)})
				return
			case <-time.After(req.Interval):
			}
		}

		rtt, err := Ping(ctx, s)
		if err != nil {
			_ = s.CloseWithError("ping failed")
			emit(Result{Peer: req.Peer, Seq: seq, Err: err})
			return
		}

		b.Log.Debug("Ping round complete", "peer", req.Peer, "seq", seq, "rtt", rtt)
		emit(Result{Peer: req.Peer, Seq: seq, RTT: rtt})
	}

	if err := s.Close(); err != nil {
		b.Log.Debug("Failed to close ping stream", "peer", req.Peer, "err", err)
	}
}
