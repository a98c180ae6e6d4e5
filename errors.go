package xstream

import "github.com/gordian-engine/xstream/xcert"

// AlreadyConnectedError is returned from [*Node.Dial]
// if the remote peer already has a live connection to the current node.
type AlreadyConnectedError struct {
	Peer xcert.PeerID
}

func (e AlreadyConnectedError) Error() string {
	return "already connected to peer " + e.Peer.String()
}

// NotConnectedError is returned from [*Node.OpenStream]
// when there is no connection to the peer
// and no known address to dial it at.
type NotConnectedError struct {
	Peer xcert.PeerID
}

func (e NotConnectedError) Error() string {
	return "not connected to peer " + e.Peer.String()
}

// UnsupportedProtocolError is the message sent to a peer
// that opened a stream for an application protocol
// with no registered handler.
type UnsupportedProtocolError struct {
	Protocol byte
}

func (e UnsupportedProtocolError) Error() string {
	return "unsupported application protocol " + formatProtocol(e.Protocol)
}
