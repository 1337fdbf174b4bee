package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetGetBit(t *testing.T) {
	bitmap := make([]byte, BitmapBytes(70))
	SetBit(bitmap, 0)
	SetBit(bitmap, 33)
	SetBit(bitmap, 69)

	for i := 0; i < 70; i++ {
		want := i == 0 || i == 33 || i == 69
		require.Equal(t, want, GetBit(bitmap, i), "bit %d", i)
	}
}

func TestBitmapWordWidthIsFixed32Bit(t *testing.T) {
	require.Equal(t, 4, BitmapBytes(1))
	require.Equal(t, 4, BitmapBytes(32))
	require.Equal(t, 8, BitmapBytes(33))
	require.Equal(t, 8, BitmapBytes(64))
	require.Equal(t, 12, BitmapBytes(65))
}

func TestDirectoryEntryRoundTrip(t *testing.T) {
	entries := []Entry{
		{FirstRowID: 0, Type: Small, Offset: 100},
		{FirstRowID: 10, Type: Big, Offset: 5000, HeaderSize: 42},
		{FirstRowID: 12, Type: Small, Offset: 9000},
	}

	var dst []byte
	var prevRowID uint32
	var prevOffset uint64
	for _, e := range entries {
		dst = WriteEntry(dst, e, prevRowID, prevOffset)
		prevRowID, prevOffset = e.FirstRowID, e.Offset
	}

	var got []Entry
	prevRowID, prevOffset = 0, 0
	pos := 0
	for i := 0; i < len(entries); i++ {
		e, n, err := ReadEntry(dst[pos:], prevRowID, prevOffset)
		require.NoError(t, err)
		pos += n
		prevRowID, prevOffset = e.FirstRowID, e.Offset
		got = append(got, e)
	}

	require.Equal(t, entries, got)
	require.Equal(t, len(dst), pos)
}

func TestDirectoryFindAndFinalize(t *testing.T) {
	dir := &Directory{Entries: []Entry{
		{FirstRowID: 0, Offset: 0},
		{FirstRowID: 5, Offset: 500},
		{FirstRowID: 12, Offset: 1200},
	}}
	dir.Finalize(2000)

	require.Equal(t, uint64(500), dir.Entries[0].Size)
	require.Equal(t, uint64(700), dir.Entries[1].Size)
	require.Equal(t, uint64(800), dir.Entries[2].Size)

	e, ok := dir.Find(0)
	require.True(t, ok)
	require.Equal(t, uint32(0), e.FirstRowID)

	e, ok = dir.Find(4)
	require.True(t, ok)
	require.Equal(t, uint32(0), e.FirstRowID)

	e, ok = dir.Find(5)
	require.True(t, ok)
	require.Equal(t, uint32(5), e.FirstRowID)

	e, ok = dir.Find(999)
	require.True(t, ok)
	require.Equal(t, uint32(12), e.FirstRowID)
}

func TestDirectoryFindEmpty(t *testing.T) {
	dir := &Directory{}
	_, ok := dir.Find(0)
	require.False(t, ok)
}
