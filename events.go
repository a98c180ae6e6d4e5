package xstream

import (
	"net"

	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xconn"
)

// ConnectionEvent is published on a [Node]'s event stream
// whenever the set of connected peers changes.
// The concrete types are [PeerConnected] and [PeerDisconnected].
type ConnectionEvent interface {
	isConnectionEvent()
}

// PeerConnected is published once a connection is accepted or dialed
// and its adapter is running.
type PeerConnected struct {
	Peer      xcert.PeerID
	Addr      net.Addr
	Direction xconn.Direction
}

// PeerDisconnected is published once a peer's connection has ended.
type PeerDisconnected struct {
	Peer  xcert.PeerID
	Cause error
}

func (PeerConnected) isConnectionEvent()    {}
func (PeerDisconnected) isConnectionEvent() {}
