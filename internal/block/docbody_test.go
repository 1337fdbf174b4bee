package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSmallBlockDocRoundTrip(t *testing.T) {
	fields := [][]byte{[]byte("hello"), {}, []byte("world"), {}}

	var buf []byte
	buf = EncodeSmallBlockDoc(buf, fields)

	var got [][]byte
	pos, err := DecodeSmallBlockDoc(buf, 0, len(fields), func(i int, data []byte) {
		got = append(got, append([]byte(nil), data...))
	})
	require.NoError(t, err)
	require.Equal(t, len(buf), pos)
	require.Equal(t, [][]byte{[]byte("hello"), nil, []byte("world"), nil}, got)
}

func TestAllEmptyDocIsOneByte(t *testing.T) {
	fields := make([][]byte, 10)
	var buf []byte
	buf = EncodeSmallBlockDoc(buf, fields)
	require.Equal(t, []byte{byte(DocAllEmpty)}, buf)

	var visited int
	pos, err := DecodeSmallBlockDoc(buf, 0, 10, func(i int, data []byte) {
		visited++
		require.Nil(t, data)
	})
	require.NoError(t, err)
	require.Equal(t, 1, pos)
	require.Equal(t, 10, visited)
}

func TestEmptyBitmaskUsedWhenSmallerThanListingEmptyFields(t *testing.T) {
	// 40 fields, 38 empty: bitmap is BitmapBytes(40)=8 bytes, and 8 < 38,
	// so the bitmask is used here.
	fields := make([][]byte, 40)
	fields[0] = []byte("a")
	fields[39] = []byte("b")
	for i := 1; i < 39; i++ {
		fields[i] = nil
	}
	var buf []byte
	buf = EncodeSmallBlockDoc(buf, fields)
	require.NotEqual(t, DocFlags(0), DocFlags(buf[0])&DocEmptyBitmask)
}

func TestEmptyBitmaskChosenWhenCheaperThanPerFieldVarints(t *testing.T) {
	// 200 fields, only 2 non-empty: bitmap is BitmapBytes(200)=28 bytes,
	// empty count is 198, so 28 < 198 triggers the bitmask.
	fields := make([][]byte, 200)
	fields[0] = []byte("a")
	fields[1] = []byte("b")
	var buf []byte
	buf = EncodeSmallBlockDoc(buf, fields)
	require.NotEqual(t, DocFlags(0), DocFlags(buf[0])&DocEmptyBitmask)

	var got [][]byte
	_, err := DecodeSmallBlockDoc(buf, 0, 200, func(i int, data []byte) {
		got = append(got, data)
	})
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got[0])
	require.Equal(t, []byte("b"), got[1])
	for i := 2; i < 200; i++ {
		require.Nil(t, got[i])
	}
}

func TestDecodeSmallBlockDocSkipOnly(t *testing.T) {
	fields := [][]byte{[]byte("x"), []byte("y")}
	var buf []byte
	buf = EncodeSmallBlockDoc(buf, fields)
	buf = EncodeSmallBlockDoc(buf, fields)

	pos, err := DecodeSmallBlockDoc(buf, 0, 2, nil)
	require.NoError(t, err)
	require.Less(t, pos, len(buf))

	var got [][]byte
	pos, err = DecodeSmallBlockDoc(buf, pos, 2, func(i int, data []byte) {
		got = append(got, data)
	})
	require.NoError(t, err)
	require.Equal(t, len(buf), pos)
	require.Equal(t, [][]byte{[]byte("x"), []byte("y")}, got)
}
