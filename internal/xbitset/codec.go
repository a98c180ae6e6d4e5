// Package xbitset encodes bitsets for the wire.
//
// Every encoding starts with a one-byte encoding header
// and the big endian uint32 bit length,
// so the receiver can size the bitset before reading the words.
// The encoder picks whichever of the raw and snappy forms is shorter.
package xbitset

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bitset"
	"github.com/golang/snappy"
)

const (
	rawEncoding    byte = 0
	snappyEncoding byte = 1
)

// MaxWords bounds the decoded size of a bitset.
const MaxWords = 1 << 10

// MaxBits is the largest bit length the codec accepts.
const MaxBits = 64 * MaxWords

const headerSize = 5

func wordsFor(nBits uint) int {
	return int((nBits + 63) / 64)
}

// Encoder writes bitsets, reusing its buffers across calls.
type Encoder struct {
	wordBuf []byte
	encBuf  []byte
}

// Encode returns the encoding of bs.
// The returned slice is only valid until the next call.
func (e *Encoder) Encode(bs *bitset.BitSet) []byte {
	nBits := bs.Len()
	if nBits > MaxBits {
		panic(fmt.Errorf("BUG: bitset has %d bits, above the %d limit", nBits, MaxBits))
	}
	words := bs.Words()[:wordsFor(nBits)]

	// Header byte and bit length, then the little endian words.
	nBytes := headerSize + 8*len(words)
	if cap(e.wordBuf) < nBytes {
		e.wordBuf = make([]byte, nBytes)
	} else {
		e.wordBuf = e.wordBuf[:nBytes]
	}
	e.wordBuf[0] = rawEncoding
	binary.BigEndian.PutUint32(e.wordBuf[1:], uint32(nBits))
	for i, w := range words {
		// Little endian is more likely to match the machine.
		binary.LittleEndian.PutUint64(e.wordBuf[headerSize+i*8:], w)
	}

	// Header, bit length, and encoded length precede the snappy block.
	maxEnc := headerSize + 2 + snappy.MaxEncodedLen(8*len(words))
	if cap(e.encBuf) < maxEnc {
		e.encBuf = make([]byte, maxEnc)
	} else {
		e.encBuf = e.encBuf[:maxEnc]
	}
	e.encBuf[0] = snappyEncoding
	binary.BigEndian.PutUint32(e.encBuf[1:], uint32(nBits))
	res := snappy.Encode(e.encBuf[headerSize+2:], e.wordBuf[headerSize:])
	binary.BigEndian.PutUint16(e.encBuf[headerSize:], uint16(len(res)))
	e.encBuf = e.encBuf[:headerSize+2+len(res)]

	if len(e.wordBuf) <= len(e.encBuf) {
		return e.wordBuf
	}
	return e.encBuf
}

// Write writes the encoding of bs to w.
func (e *Encoder) Write(w io.Writer, bs *bitset.BitSet) error {
	if _, err := w.Write(e.Encode(bs)); err != nil {
		return fmt.Errorf("failed to write bitset: %w", err)
	}
	return nil
}

// Decoder reads bitsets written by an [Encoder].
type Decoder struct {
	encBuf  []byte
	wordBuf []byte
}

// Read reads one encoded bitset from r.
func (d *Decoder) Read(r io.Reader) (*bitset.BitSet, error) {
	var h [headerSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, fmt.Errorf("failed to read bitset header: %w", err)
	}

	nBits := uint(binary.BigEndian.Uint32(h[1:]))
	if nBits > MaxBits {
		return nil, fmt.Errorf("bitset length %d exceeds limit %d", nBits, MaxBits)
	}
	nWords := wordsFor(nBits)

	switch h[0] {
	case rawEncoding:
		if cap(d.wordBuf) < 8*nWords {
			d.wordBuf = make([]byte, 8*nWords)
		} else {
			d.wordBuf = d.wordBuf[:8*nWords]
		}
		if _, err := io.ReadFull(r, d.wordBuf); err != nil {
			return nil, fmt.Errorf("failed to read raw bitset data: %w", err)
		}

	case snappyEncoding:
		var lb [2]byte
		if _, err := io.ReadFull(r, lb[:]); err != nil {
			return nil, fmt.Errorf("failed to read snappy length for bitset: %w", err)
		}

		encSz := int(binary.BigEndian.Uint16(lb[:]))
		if encSz > snappy.MaxEncodedLen(8*nWords) {
			return nil, fmt.Errorf("snappy bitset length %d too large for %d words", encSz, nWords)
		}
		if cap(d.encBuf) < encSz {
			d.encBuf = make([]byte, encSz)
		} else {
			d.encBuf = d.encBuf[:encSz]
		}
		if _, err := io.ReadFull(r, d.encBuf); err != nil {
			return nil, fmt.Errorf("failed to read snappy-encoded bitset: %w", err)
		}

		decSz, err := snappy.DecodedLen(d.encBuf)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate snappy-decoded bitset length: %w", err)
		}
		if decSz != 8*nWords {
			return nil, fmt.Errorf(
				"snappy bitset decodes to %d bytes but header declared %d words",
				decSz, nWords,
			)
		}

		// wb could be nil on error, so keep the old buffer until success.
		wb, err := snappy.Decode(d.wordBuf, d.encBuf)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snappy bitset: %w", err)
		}
		d.wordBuf = wb

	default:
		return nil, fmt.Errorf("unknown bitset encoding 0x%x", h[0])
	}

	bs := bitset.New(nBits)
	words := bs.Words()
	for i := range nWords {
		words[i] = binary.LittleEndian.Uint64(d.wordBuf[i*8:])
	}

	// Bits past the length would make Len lie about the contents.
	if tail := nBits % 64; tail != 0 && words[nWords-1]>>tail != 0 {
		return nil, fmt.Errorf("bitset has bits set beyond its length %d", nBits)
	}
	return bs, nil
}
