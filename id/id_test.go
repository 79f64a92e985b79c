package id_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cagemesh/overlay/id"
)

func TestNewIsRandomAndFullWidth(t *testing.T) {
	a, err := id.New()
	require.NoError(t, err)
	b, err := id.New()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.False(t, a.IsZero())
}

func TestFromBytesPadsAndTruncates(t *testing.T) {
	short := id.FromBytes([]byte{1, 2, 3})
	require.Equal(t, byte(1), short[0])
	require.Equal(t, byte(2), short[1])
	require.Equal(t, byte(3), short[2])
	require.Equal(t, byte(0), short[id.Len-1])

	long := id.FromBytes(make([]byte, id.Len+10))
	require.Equal(t, id.Zero, long)
}

func TestHashKeyDeterministic(t *testing.T) {
	a := id.HashKey([]byte("overlay"))
	b := id.HashKey([]byte("overlay"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, id.HashKey([]byte("other")))
}

func TestHexRoundTrip(t *testing.T) {
	a, err := id.New()
	require.NoError(t, err)
	s := a.Hex()
	b, err := id.FromHex(s)
	require.NoError(t, err)
	require.Equal(t, a, b)

	b2, err := id.FromHex("0x" + s)
	require.NoError(t, err)
	require.Equal(t, a, b2)
}

func TestFromHexRejectsWrongLength(t *testing.T) {
	_, err := id.FromHex("abcd")
	require.Error(t, err)
}

func TestXorSelfIsZero(t *testing.T) {
	a, err := id.New()
	require.NoError(t, err)
	require.Equal(t, id.Zero, a.Xor(a))
}

func TestCmpAndLessAgree(t *testing.T) {
	a := id.FromBytes([]byte{0x01})
	b := id.FromBytes([]byte{0x02})
	require.Equal(t, -1, a.Cmp(b))
	require.Equal(t, 1, b.Cmp(a))
	require.Equal(t, 0, a.Cmp(a))
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}

func TestShlShrRoundTrip(t *testing.T) {
	a := id.FromBytes([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00})
	shifted := a.Shl(8)
	back := shifted.Shr(8)
	require.Equal(t, a, back)
}

func TestBitLenAndBit(t *testing.T) {
	require.Equal(t, -1, id.Zero.BitLen())
	var one id.ID
	one[id.Len-1] = 1
	require.Equal(t, 0, one.BitLen())
	require.Equal(t, 1, one.Bit(0))
	require.Equal(t, 0, one.Bit(1))
}

func TestIndexOfSelfIsNegativeOne(t *testing.T) {
	self, err := id.New()
	require.NoError(t, err)
	require.Equal(t, -1, id.Index(self, self))
}

func TestWords32RoundTrip(t *testing.T) {
	a, err := id.New()
	require.NoError(t, err)
	w := a.Words32()
	b := id.FromWords32(w)
	require.Equal(t, a, b)
}

func TestMarshalUnmarshalBinary(t *testing.T) {
	a, err := id.New()
	require.NoError(t, err)
	buf, err := a.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, id.Len)

	var b id.ID
	require.NoError(t, b.UnmarshalBinary(buf))
	require.Equal(t, a, b)

	require.Error(t, b.UnmarshalBinary(buf[:id.Len-1]))
}

func TestStringTruncatesHex(t *testing.T) {
	a, err := id.New()
	require.NoError(t, err)
	require.Len(t, a.String(), 16)
	require.Equal(t, a.Hex()[:16], a.String())
}
