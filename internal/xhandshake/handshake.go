// Package xhandshake contains the per-substream handshake negotiators.
//
// The negotiators never perform I/O.
// They produce frames to send and consume frames as they arrive,
// so that the owning loop drives them without blocking.
//
// The initiator proposes the stream ID in a Handshake frame
// whose payload is the 16-byte ID followed by [RoleInitiator].
// The responder answers with a Handshake frame
// whose payload is the single byte [Ack].
// The responder never originates an ID.
package xhandshake

import (
	"bytes"
	"time"

	"github.com/gordian-engine/xstream/xerr"
	"github.com/gordian-engine/xstream/xframe"
	"github.com/gordian-engine/xstream/xid"
)

// Role is the marker byte identifying which side sent a handshake payload.
type Role byte

const (
	RoleInitiator Role = 0x01
	RoleResponder Role = 0x02
)

// Ack is the single-byte responder acknowledgment.
const Ack byte = 0x06

// ProposalSize is the payload length of the initiator's handshake frame.
const ProposalSize = xid.Size + 1

// ProposalFrame returns the initiator's handshake frame for id.
func ProposalFrame(id xid.StreamID) xframe.Frame {
	p := make([]byte, 0, ProposalSize)
	p = id.AppendBytes(p)
	p = append(p, byte(RoleInitiator))
	return xframe.NewFrame(id, xframe.KindHandshake, p)
}

// AckFrame returns the responder's acknowledgment frame for id.
func AckFrame(id xid.StreamID) xframe.Frame {
	return xframe.NewFrame(id, xframe.KindHandshake, []byte{Ack})
}

// Initiator is the handshake state for a locally opened substream.
type Initiator struct {
	id       xid.StreamID
	deadline time.Time

	started, done bool
}

// NewInitiator returns an Initiator proposing id,
// which must complete before deadline.
func NewInitiator(id xid.StreamID, deadline time.Time) *Initiator {
	return &Initiator{id: id, deadline: deadline}
}

// ID returns the proposed stream ID.
func (i *Initiator) ID() xid.StreamID { return i.id }

// Start returns the proposal frame to send.
// Calling Start twice is a programming error.
func (i *Initiator) Start() xframe.Frame {
	if i.started {
		panic("BUG: Initiator.Start called twice")
	}
	i.started = true
	return ProposalFrame(i.id)
}

// Done reports whether the acknowledgment has been received.
func (i *Initiator) Done() bool { return i.done }

// HandleFrame consumes a frame received before the handshake completed.
// A nil return means f was a valid acknowledgment
// and the stream may transition to open.
func (i *Initiator) HandleFrame(f xframe.Frame) error {
	if !i.started {
		return xerr.ProtocolViolation("frame received before proposal was sent")
	}
	if i.done {
		return xerr.ProtocolViolation("unexpected %s frame after handshake", f.Kind)
	}

	switch f.Kind {
	case xframe.KindHandshake:
		// Checked below.
	case xframe.KindData:
		return xerr.ProtocolViolation("data frame before handshake completed")
	case xframe.KindClose:
		return xerr.HandshakeFailed("peer closed stream during handshake")
	case xframe.KindError:
		return xerr.HandshakeFailed("peer rejected handshake: %q", f.Payload)
	default:
		return xerr.ProtocolViolation("unknown frame kind %d", uint8(f.Kind))
	}

	if f.StreamID != i.id {
		return xerr.HandshakeFailed(
			"acknowledgment for stream %s, expected %s", f.StreamID, i.id,
		)
	}
	if !bytes.Equal(f.Payload, []byte{Ack}) {
		return xerr.HandshakeFailed("malformed acknowledgment %x", f.Payload)
	}

	i.done = true
	return nil
}

// Expired returns a timeout error if the handshake
// has not completed and now is at or past the deadline.
func (i *Initiator) Expired(now time.Time) error {
	if i.done || now.Before(i.deadline) {
		return nil
	}
	return xerr.Timeout("handshake acknowledgment not received")
}

// Responder is the handshake state for a substream the peer opened.
type Responder struct {
	deadline time.Time

	id   xid.StreamID
	done bool
}

// NewResponder returns a Responder that must see a proposal before deadline.
func NewResponder(deadline time.Time) *Responder {
	return &Responder{deadline: deadline}
}

// ID returns the accepted stream ID.
// It is only meaningful after [*Responder.Done] reports true.
func (r *Responder) ID() xid.StreamID { return r.id }

// Done reports whether a proposal has been accepted.
func (r *Responder) Done() bool { return r.done }

// HandleFrame consumes the first frame on an inbound substream.
//
// inUse reports whether a proposed ID collides
// with a stream already active on the connection.
// On success the returned frame is the acknowledgment to send.
// On a collision HandleFrame returns a protocol violation
// and no acknowledgment; the caller closes the substream.
func (r *Responder) HandleFrame(
	f xframe.Frame, inUse func(xid.StreamID) bool,
) (xframe.Frame, error) {
	if r.done {
		return xframe.Frame{}, xerr.ProtocolViolation("duplicate handshake proposal")
	}

	switch f.Kind {
	case xframe.KindHandshake:
		// Checked below.
	case xframe.KindData:
		return xframe.Frame{}, xerr.ProtocolViolation("data frame before handshake")
	case xframe.KindClose, xframe.KindError:
		return xframe.Frame{}, xerr.HandshakeFailed("peer abandoned stream before handshake")
	default:
		return xframe.Frame{}, xerr.ProtocolViolation("unknown frame kind %d", uint8(f.Kind))
	}

	if len(f.Payload) != ProposalSize {
		return xframe.Frame{}, xerr.HandshakeFailed(
			"proposal payload is %d bytes, expected %d", len(f.Payload), ProposalSize,
		)
	}
	if Role(f.Payload[xid.Size]) != RoleInitiator {
		return xframe.Frame{}, xerr.HandshakeFailed(
			"proposal carries role marker %#x", f.Payload[xid.Size],
		)
	}

	proposed := xid.FromBytes(f.Payload)
	if proposed != f.StreamID {
		return xframe.Frame{}, xerr.ProtocolViolation(
			"proposal ID %s does not match header ID %s", proposed, f.StreamID,
		)
	}

	if inUse != nil && inUse(proposed) {
		return xframe.Frame{}, xerr.ProtocolViolation("stream ID %s already in use", proposed)
	}

	r.id = proposed
	r.done = true
	return AckFrame(proposed), nil
}

// Expired returns a timeout error if no proposal was accepted
// and now is at or past the deadline.
func (r *Responder) Expired(now time.Time) error {
	if r.done || now.Before(r.deadline) {
		return nil
	}
	return xerr.Timeout("handshake proposal not received")
}
