package xquic

import (
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// StreamErrorCode is sent to the peer by
// [Stream.CancelRead] and [Stream.CancelWrite].
type StreamErrorCode uint64

// Stream error codes used when aborting substreams.
const (
	StreamCodeCanceled         StreamErrorCode = 0
	StreamCodeBadUpgrade       StreamErrorCode = 1
	StreamCodeProtocolError    StreamErrorCode = 2
	StreamCodeHandshakeTimeout StreamErrorCode = 3
)

// Stream is a readable and writable QUIC substream.
type Stream interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)

	// Close ends the write direction only.
	Close() error

	CancelRead(StreamErrorCode)
	CancelWrite(StreamErrorCode)

	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

var _ Stream = StreamAdapter{}

// StreamAdapter wraps a [quic.Stream], implementing [Stream].
type StreamAdapter struct {
	s quic.Stream
}

// WrapStream wraps s as a [Stream].
func WrapStream(s quic.Stream) StreamAdapter {
	return StreamAdapter{s: s}
}

func (a StreamAdapter) Read(p []byte) (int, error) {
	return a.s.Read(p)
}

func (a StreamAdapter) Write(p []byte) (int, error) {
	return a.s.Write(p)
}

func (a StreamAdapter) Close() error {
	return a.s.Close()
}

func (a StreamAdapter) CancelRead(code StreamErrorCode) {
	mustFit62(code)
	a.s.CancelRead(quic.StreamErrorCode(code))
}

func (a StreamAdapter) CancelWrite(code StreamErrorCode) {
	mustFit62(code)
	a.s.CancelWrite(quic.StreamErrorCode(code))
}

func (a StreamAdapter) SetReadDeadline(t time.Time) error {
	return a.s.SetReadDeadline(t)
}

func (a StreamAdapter) SetWriteDeadline(t time.Time) error {
	return a.s.SetWriteDeadline(t)
}

func mustFit62(code StreamErrorCode) {
	if (code >> 62) > 0 {
		panic(fmt.Errorf(
			"BUG: stream error code must fit in 62 bits (got 0x%x)", code,
		))
	}
}
