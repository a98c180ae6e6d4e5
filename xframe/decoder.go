package xframe

// Decoder reassembles frames from arbitrarily split input.
//
// A Decoder is not safe for concurrent use.
// After Next returns an error, the Decoder is poisoned
// and every later call to Next returns the same error.
type Decoder struct {
	max uint32

	buf []byte
	err error
}

// NewDecoder returns a Decoder enforcing maxFrameSize.
func NewDecoder(maxFrameSize uint32) *Decoder {
	return &Decoder{max: maxFrameSize}
}

// Feed appends p to the decoder's buffer.
// The decoder does not retain p.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, if one is buffered.
// ok is false when more input is needed.
//
// The returned payload is a copy and remains valid after later calls.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	if d.err != nil {
		return Frame{}, false, d.err
	}

	f, n, err := Decode(d.buf, d.max)
	if err != nil {
		d.err = err
		d.buf = nil
		return Frame{}, false, err
	}
	if n == 0 {
		return Frame{}, false, nil
	}

	f.Payload = append([]byte(nil), f.Payload...)

	rem := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rem]

	return f, true, nil
}

// Buffered returns the number of bytes fed but not yet returned in a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
