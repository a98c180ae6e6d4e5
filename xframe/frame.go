// Package xframe encodes and decodes xstream frames.
//
// A frame is a fixed 21-byte header followed by a payload:
//
//	[stream id: 16 bytes, big endian][kind: 1 byte][length: 4 bytes, big endian][payload]
//
// Decoding tolerates partial input:
// [Decode] reports an incomplete frame by consuming zero bytes without error,
// and [Decoder] retains partial input across calls to [*Decoder.Feed].
package xframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gordian-engine/xstream/xerr"
	"github.com/gordian-engine/xstream/xid"
)

const (
	// HeaderSize is the encoded size of a [Header].
	HeaderSize = xid.Size + 1 + 4

	// DefaultMaxFrameSize is the default limit on a frame's payload length.
	DefaultMaxFrameSize = 1 << 20
)

// Kind is the frame type byte.
type Kind uint8

const (
	KindHandshake Kind = 0
	KindData      Kind = 1
	KindClose     Kind = 2
	KindError     Kind = 3
)

// Valid reports whether k is a recognized frame kind.
func (k Kind) Valid() bool {
	return k <= KindError
}

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindData:
		return "Data"
	case KindClose:
		return "Close"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Header precedes every frame payload.
type Header struct {
	StreamID xid.StreamID
	Kind     Kind

	// Exact byte count of the payload that follows.
	Length uint32
}

// Frame is a decoded header and its payload.
type Frame struct {
	Header
	Payload []byte
}

// NewFrame returns a Frame whose header length matches payload.
func NewFrame(id xid.StreamID, k Kind, payload []byte) Frame {
	return Frame{
		Header: Header{
			StreamID: id,
			Kind:     k,
			Length:   uint32(len(payload)),
		},
		Payload: payload,
	}
}

// AppendHeader appends the encoding of h to b.
func AppendHeader(b []byte, h Header) []byte {
	b = h.StreamID.AppendBytes(b)
	b = append(b, byte(h.Kind))
	return binary.BigEndian.AppendUint32(b, h.Length)
}

// AppendFrame appends the encoding of h and payload to b.
//
// h.Length must equal len(payload);
// a mismatch is a programming error and causes a panic.
func AppendFrame(b []byte, h Header, payload []byte) []byte {
	if int(h.Length) != len(payload) {
		panic(fmt.Errorf(
			"BUG: header length %d does not match payload length %d",
			h.Length, len(payload),
		))
	}

	b = AppendHeader(b, h)
	return append(b, payload...)
}

// Encode returns the encoding of h followed by payload.
// See [AppendFrame] for the length requirement.
func Encode(h Header, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), h, payload)
}

// Encode returns the wire encoding of f.
func (f Frame) Encode() []byte {
	return Encode(f.Header, f.Payload)
}

// ParseHeader decodes the header at the start of b.
//
// Unlike [Decode], ParseHeader is strict:
// a buffer shorter than [HeaderSize] is a protocol violation,
// as are an unknown kind and a length above maxFrameSize.
func ParseHeader(b []byte, maxFrameSize uint32) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, xerr.ProtocolViolation(
			"header needs %d bytes, have %d", HeaderSize, len(b),
		)
	}

	h := Header{
		StreamID: xid.FromBytes(b),
		Kind:     Kind(b[xid.Size]),
		Length:   binary.BigEndian.Uint32(b[xid.Size+1 : HeaderSize]),
	}

	if err := h.check(maxFrameSize); err != nil {
		return Header{}, err
	}

	return h, nil
}

func (h Header) check(maxFrameSize uint32) error {
	if !h.Kind.Valid() {
		return xerr.ProtocolViolation("unknown frame kind %d", uint8(h.Kind))
	}
	if h.Length > maxFrameSize {
		return xerr.ProtocolViolation(
			"frame length %d exceeds maximum %d", h.Length, maxFrameSize,
		)
	}
	return nil
}

// Decode decodes one frame from the start of buf.
//
// On success, n is the number of bytes of buf the frame occupied.
// If buf does not yet hold a complete frame,
// Decode returns n == 0 and a nil error;
// the caller retains buf and retries once more bytes arrive.
// An unknown kind or oversize length is reported
// as soon as the header bytes are available.
//
// The returned payload aliases buf.
func Decode(buf []byte, maxFrameSize uint32) (f Frame, n int, err error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, nil
	}

	h, err := ParseHeader(buf, maxFrameSize)
	if err != nil {
		return Frame{}, 0, err
	}

	end := HeaderSize + int(h.Length)
	if len(buf) < end {
		return Frame{}, 0, nil
	}

	return Frame{Header: h, Payload: buf[HeaderSize:end:end]}, end, nil
}

// ReadFrame reads exactly one frame from r.
//
// An io.EOF before any header byte is returned unwrapped,
// so callers can distinguish a clean end of stream.
// An EOF partway through a frame is a protocol violation.
func ReadFrame(r io.Reader, maxFrameSize uint32) (Frame, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, xerr.ProtocolViolation("truncated frame header")
		}
		return Frame{}, err
	}

	h, err := ParseHeader(hb[:], maxFrameSize)
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, xerr.ProtocolViolation(
				"truncated frame payload (want %d bytes)", h.Length,
			)
		}
		return Frame{}, fmt.Errorf("failed to read frame payload: %w", err)
	}

	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes the encoding of f to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write(f.Encode()); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Kind, err)
	}
	return nil
}
