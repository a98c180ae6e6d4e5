// Package xid contains the 128-bit stream identifier
// and the allocator that hands them out.
package xid

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sync"
)

// Size is the encoded width of a [StreamID] in bytes.
const Size = 16

// StreamID is an unsigned 128-bit stream identifier.
// The zero value is the first identifier an [Allocator] produces.
type StreamID struct {
	Hi, Lo uint64
}

// MaxStreamID is the largest representable [StreamID].
var MaxStreamID = StreamID{Hi: math.MaxUint64, Lo: math.MaxUint64}

// FromUint64 returns the StreamID with value v.
func FromUint64(v uint64) StreamID {
	return StreamID{Lo: v}
}

// FromBytes decodes a big-endian StreamID from the first [Size] bytes of b.
// It panics if b is shorter than Size.
func FromBytes(b []byte) StreamID {
	_ = b[Size-1]
	return StreamID{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

// PutBytes writes the big-endian encoding of id into b.
// It panics if b is shorter than [Size].
func (id StreamID) PutBytes(b []byte) {
	_ = b[Size-1]
	binary.BigEndian.PutUint64(b[:8], id.Hi)
	binary.BigEndian.PutUint64(b[8:16], id.Lo)
}

// AppendBytes appends the big-endian encoding of id to b.
func (id StreamID) AppendBytes(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, id.Hi)
	return binary.BigEndian.AppendUint64(b, id.Lo)
}

// Next returns id+1, wrapping to zero after [MaxStreamID].
func (id StreamID) Next() StreamID {
	id.Lo++
	if id.Lo == 0 {
		id.Hi++
	}
	return id
}

// IsZero reports whether id is zero.
func (id StreamID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

// Compare returns -1, 0, or 1
// depending on whether id is less than, equal to, or greater than other.
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Hi < other.Hi:
		return -1
	case id.Hi > other.Hi:
		return 1
	case id.Lo < other.Lo:
		return -1
	case id.Lo > other.Lo:
		return 1
	default:
		return 0
	}
}

// Less reports whether id sorts before other.
func (id StreamID) Less(other StreamID) bool {
	return id.Compare(other) < 0
}

// String formats id in decimal.
func (id StreamID) String() string {
	if id.Hi == 0 {
		return fmt.Sprintf("%d", id.Lo)
	}

	var v, lo big.Int
	v.SetUint64(id.Hi)
	v.Lsh(&v, 64)
	lo.SetUint64(id.Lo)
	v.Or(&v, &lo)
	return v.String()
}

// Allocator produces sequential stream IDs.
// It is safe for concurrent use.
type Allocator struct {
	mu   sync.Mutex
	next StreamID
}

// NewAllocator returns an Allocator whose first ID is zero.
func NewAllocator() *Allocator {
	return new(Allocator)
}

// NewAllocatorAt returns an Allocator whose first ID is start.
func NewAllocatorAt(start StreamID) *Allocator {
	return &Allocator{next: start}
}

// Next returns the next ID in sequence.
// After [MaxStreamID] the sequence continues at zero.
func (a *Allocator) Next() StreamID {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.next
	a.next = id.Next()
	return id
}

// NextFree returns the next ID in sequence for which inUse reports false.
// inUse is called with the allocator's lock held.
//
// If every ID is in use, NextFree would loop forever;
// callers bound their active set far below 2^128.
func (a *Allocator) NextFree(inUse func(StreamID) bool) StreamID {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		id := a.next
		a.next = id.Next()
		if !inUse(id) {
			return id
		}
	}
}
