// Package xerr defines the failure kinds shared by the xstream protocol layers.
//
// Every failure is an [Error] carrying a [Kind].
// Callers match kinds with [errors.Is] against the sentinel values,
// for example errors.Is(err, xerr.ErrTimeout).
package xerr

import "fmt"

// Kind classifies an [Error].
type Kind uint8

const (
	// KindHandshakeFailed means the handshake did not complete:
	// a malformed or unexpected response, or a rejected proposal.
	KindHandshakeFailed Kind = iota + 1

	// KindTimeout means a deadline passed
	// before a pending open or handshake completed.
	KindTimeout

	// KindConnectionClosed means the underlying connection or substream
	// went away while work was outstanding.
	KindConnectionClosed

	// KindProtocolViolation means the peer sent bytes
	// that do not follow the wire rules.
	KindProtocolViolation

	// KindChannelClosed means the internal completion path
	// was dropped before a result could be delivered.
	KindChannelClosed
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeFailed:
		return "handshake failed"
	case KindTimeout:
		return "timeout"
	case KindConnectionClosed:
		return "connection closed"
	case KindProtocolViolation:
		return "protocol violation"
	case KindChannelClosed:
		return "channel closed"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error is the single error type of the protocol layers.
type Error struct {
	Kind Kind

	// Human-readable context, possibly empty.
	Detail string

	// Underlying cause, possibly nil.
	Err error
}

func (e Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an Error of the same kind.
// Detail and cause are not compared,
// so the sentinel values match any error of their kind.
func (e Error) Is(target error) bool {
	switch t := target.(type) {
	case Error:
		return t.Kind == e.Kind
	case *Error:
		return t != nil && t.Kind == e.Kind
	default:
		return false
	}
}

// Sentinels for use with [errors.Is].
var (
	ErrHandshakeFailed   = Error{Kind: KindHandshakeFailed}
	ErrTimeout           = Error{Kind: KindTimeout}
	ErrConnectionClosed  = Error{Kind: KindConnectionClosed}
	ErrProtocolViolation = Error{Kind: KindProtocolViolation}
	ErrChannelClosed     = Error{Kind: KindChannelClosed}
)

// HandshakeFailed returns a [KindHandshakeFailed] error.
func HandshakeFailed(format string, args ...any) Error {
	return Error{Kind: KindHandshakeFailed, Detail: fmt.Sprintf(format, args...)}
}

// ProtocolViolation returns a [KindProtocolViolation] error.
func ProtocolViolation(format string, args ...any) Error {
	return Error{Kind: KindProtocolViolation, Detail: fmt.Sprintf(format, args...)}
}

// Timeout returns a [KindTimeout] error.
func Timeout(detail string) Error {
	return Error{Kind: KindTimeout, Detail: detail}
}

// ConnectionClosed returns a [KindConnectionClosed] error wrapping cause,
// which may be nil.
func ConnectionClosed(detail string, cause error) Error {
	return Error{Kind: KindConnectionClosed, Detail: detail, Err: cause}
}

// ChannelClosed returns a [KindChannelClosed] error.
func ChannelClosed(detail string) Error {
	return Error{Kind: KindChannelClosed, Detail: detail}
}

// KindOf returns the kind of err if err wraps an [Error],
// and zero otherwise.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case Error:
			return e.Kind
		case *Error:
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}
