package xconn

import (
	"github.com/gordian-engine/xstream/xid"
)

// Direction records which side opened a stream.
type Direction uint8

const (
	// Inbound streams were opened by the peer.
	Inbound Direction = iota + 1

	// Outbound streams were opened locally.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Event is published on an [Adapter]'s event stream.
// The concrete types are [StreamOpened], [StreamClosed],
// [DataReceived], and [StreamError].
type Event interface {
	isEvent()
}

// StreamOpened is published once a stream completes its handshake,
// in either direction.
type StreamOpened struct {
	Stream *Stream
}

// StreamClosed is published once both directions of a stream have closed.
type StreamClosed struct {
	ID        xid.StreamID
	Direction Direction
}

// DataReceived is published for every inbound data frame.
// The same bytes are also readable through [*Stream.Read].
type DataReceived struct {
	ID        xid.StreamID
	Direction Direction
	Data      []byte
}

// StreamError is published when an open stream enters the Errored state.
type StreamError struct {
	ID        xid.StreamID
	Direction Direction
	Err       error
}

func (StreamOpened) isEvent() {}
func (StreamClosed) isEvent() {}
func (DataReceived) isEvent() {}
func (StreamError) isEvent()  {}
