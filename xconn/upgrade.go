package xconn

import (
	"errors"
	"fmt"
	"io"
)

// ProtocolID identifies xstream substreams.
// It is the first thing written on every substream,
// as a one-byte length followed by the identifier.
const ProtocolID = "/xstream/1.0.0"

// UnsupportedProtocolError is returned when a substream
// starts with a protocol identifier other than [ProtocolID].
type UnsupportedProtocolError struct {
	Got string
}

func (e UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("unsupported substream protocol %q", e.Got)
}

// AppendUpgrade appends the substream upgrade token to b.
func AppendUpgrade(b []byte) []byte {
	b = append(b, byte(len(ProtocolID)))
	return append(b, ProtocolID...)
}

// ReadUpgrade consumes exactly one upgrade token from r.
func ReadUpgrade(r io.Reader) error {
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return fmt.Errorf("failed to read protocol length: %w", err)
	}
	if lb[0] == 0 {
		return errors.New("empty protocol identifier")
	}

	got := make([]byte, lb[0])
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("failed to read protocol identifier: %w", err)
	}

	if string(got) != ProtocolID {
		return UnsupportedProtocolError{Got: string(got)}
	}
	return nil
}
