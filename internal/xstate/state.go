// Package xstate holds the per-stream lifecycle state machine.
//
// The lifecycle is
//
//	Opening -> Handshaking -> Open -> Closing -> Closed
//
// with Errored reachable from every non-terminal state.
// Each direction closes independently:
// the first close moves an open stream to Closing,
// and the stream is Closed once both directions have closed.
// Closed and Errored are terminal.
//
// A Machine is not safe for concurrent use;
// it is owned by the connection's main loop.
package xstate

import "fmt"

// State is a stream lifecycle state.
type State uint8

const (
	Opening State = iota
	Handshaking
	Open
	Closing
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Opening:
		return "Opening"
	case Handshaking:
		return "Handshaking"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	case Errored:
		return "Errored"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == Closed || s == Errored
}

// IllegalTransitionError is returned when an operation
// is not permitted from the machine's current state.
type IllegalTransitionError struct {
	From State
	Op   string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s from state %s", e.Op, e.From)
}

// Machine tracks one stream's lifecycle.
type Machine struct {
	state State

	localClosed, remoteClosed bool

	err error
}

// New returns a Machine in the Opening state.
func New() *Machine {
	return &Machine{state: Opening}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Err returns the error passed to [*Machine.Fail],
// or nil if the machine has not errored.
func (m *Machine) Err() error { return m.err }

// LocalClosed reports whether the local write direction has closed.
func (m *Machine) LocalClosed() bool { return m.localClosed }

// RemoteClosed reports whether the peer's write direction has closed.
func (m *Machine) RemoteClosed() bool { return m.remoteClosed }

// BeginHandshake moves Opening to Handshaking.
func (m *Machine) BeginHandshake() error {
	if m.state != Opening {
		return IllegalTransitionError{From: m.state, Op: "begin handshake"}
	}
	m.state = Handshaking
	return nil
}

// Established moves Handshaking to Open.
func (m *Machine) Established() error {
	if m.state != Handshaking {
		return IllegalTransitionError{From: m.state, Op: "establish"}
	}
	m.state = Open
	return nil
}

// CloseLocal records that the local side will send no more data.
// Closing an already closed local direction is an error.
func (m *Machine) CloseLocal() error {
	if (m.state != Open && m.state != Closing) || m.localClosed {
		return IllegalTransitionError{From: m.state, Op: "local close"}
	}
	m.localClosed = true
	m.afterClose()
	return nil
}

// CloseRemote records that the peer will send no more data.
func (m *Machine) CloseRemote() error {
	if (m.state != Open && m.state != Closing) || m.remoteClosed {
		return IllegalTransitionError{From: m.state, Op: "remote close"}
	}
	m.remoteClosed = true
	m.afterClose()
	return nil
}

func (m *Machine) afterClose() {
	if m.localClosed && m.remoteClosed {
		m.state = Closed
	} else {
		m.state = Closing
	}
}

// Fail moves any non-terminal state to Errored, recording err.
func (m *Machine) Fail(err error) error {
	if m.state.Terminal() {
		return IllegalTransitionError{From: m.state, Op: "fail"}
	}
	m.state = Errored
	m.err = err
	return nil
}

// CanSend reports whether new outbound data may be written.
func (m *Machine) CanSend() bool {
	return (m.state == Open || m.state == Closing) && !m.localClosed
}

// CanReceive reports whether inbound data frames are acceptable.
// Buffered inbound data stays readable after this turns false.
func (m *Machine) CanReceive() bool {
	return (m.state == Open || m.state == Closing) && !m.remoteClosed
}
