// Package xstream contains the core APIs for running an xstream node.
//
// xstream multiplexes framed, handshaked streams over QUIC connections
// between peers identified by their TLS certificates.
// A [Node] listens for and dials peer connections,
// runs one [xconn.Adapter] per connected peer,
// and routes inbound streams to application protocol handlers
// registered with [*Node.SetStreamHandler].
//
// The wire protocol itself lives in the xconn, xframe, and xid packages.
package xstream
