package xbitset_test

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/xstream/internal/xbitset"
	"github.com/stretchr/testify/require"
)

func TestCodec_roundTrip(t *testing.T) {
	t.Parallel()

	// Arbitrary fixed seed.
	rng := rand.New(rand.NewPCG(400, 500))

	var enc xbitset.Encoder
	var dec xbitset.Decoder
	var buf bytes.Buffer

	for range 200 {
		sz := 1 + rng.UintN(4096)
		bs := bitset.New(sz)

		// Mix of sparse and dense sets,
		// so both encodings are exercised.
		sparse := rng.IntN(2) == 0
		for i := range sz {
			if sparse && rng.IntN(64) == 0 {
				bs.Set(i)
			} else if !sparse && rng.IntN(3) != 0 {
				bs.Set(i)
			}
		}

		buf.Reset()
		require.NoError(t, enc.Write(&buf, bs))

		got, err := dec.Read(&buf)
		require.NoError(t, err)
		require.Equal(t, bs.Len(), got.Len())
		require.Truef(t, bs.Equal(got), "sent: %s\nrcvd: %s", bs, got)
		require.Zero(t, buf.Len())
	}
}

func TestCodec_picksShorterEncoding(t *testing.T) {
	t.Parallel()

	var enc xbitset.Encoder

	// A long run of zero words compresses well.
	sparse := bitset.New(64 * 512)
	sparse.Set(3)
	b := enc.Encode(sparse)
	require.Equal(t, byte(1), b[0])
	require.Less(t, len(b), 5+8*512)

	// A single word does not.
	small := bitset.New(8)
	small.Set(1).Set(5)
	b = enc.Encode(small)
	require.Equal(t, byte(0), b[0])
	require.Len(t, b, 5+8)
}

func TestDecoder_rejectsUnknownEncoding(t *testing.T) {
	t.Parallel()

	var dec xbitset.Decoder
	_, err := dec.Read(bytes.NewReader([]byte{9, 0, 0, 0, 64}))
	require.Error(t, err)
}

func TestDecoder_rejectsOversizeWordCount(t *testing.T) {
	t.Parallel()

	var dec xbitset.Decoder
	_, err := dec.Read(bytes.NewReader([]byte{0, 0xff, 0xff, 0xff, 0xff}))
	require.Error(t, err)
}

func TestDecoder_truncated(t *testing.T) {
	t.Parallel()

	var enc xbitset.Encoder
	bs := bitset.New(128)
	bs.Set(100)
	b := enc.Encode(bs)

	var dec xbitset.Decoder
	_, err := dec.Read(bytes.NewReader(b[:len(b)-1]))
	require.Error(t, err)
}

func TestCodec_preservesLength(t *testing.T) {
	t.Parallel()

	var enc xbitset.Encoder
	var dec xbitset.Decoder

	// Lengths that are not word multiples, including an empty set.
	for _, n := range []uint{0, 1, 63, 65, 200} {
		bs := bitset.New(n)
		if n > 0 {
			bs.Set(n - 1)
		}

		got, err := dec.Read(bytes.NewReader(enc.Encode(bs)))
		require.NoError(t, err)
		require.Equal(t, n, got.Len())
		require.True(t, bs.Equal(got))
	}
}

func TestDecoder_rejectsBitsBeyondLength(t *testing.T) {
	t.Parallel()

	// Raw encoding, length 4, one word with bit 10 set.
	b := []byte{0, 0, 0, 0, 4, 0x00, 0x04, 0, 0, 0, 0, 0, 0}

	var dec xbitset.Decoder
	_, err := dec.Read(bytes.NewReader(b))
	require.Error(t, err)
}
