package docstore

import (
	"bytes"
	"testing"

	"github.com/manticoresoftware/docstore/internal/block"
	"github.com/manticoresoftware/docstore/internal/codec"
	"github.com/manticoresoftware/docstore/internal/vfs"
	"github.com/stretchr/testify/require"
)

func buildStore(t *testing.T, fs vfs.FS, filename string, settings Settings, fieldSpecs []struct {
	Name string
	Type DataType
}, docs []Doc) {
	t.Helper()

	b, err := NewBuilder(fs, filename, settings)
	require.NoError(t, err)
	for _, fs := range fieldSpecs {
		b.AddField(fs.Name, fs.Type)
	}
	for i, d := range docs {
		require.NoError(t, b.AddDoc(uint32(i), d))
	}
	require.NoError(t, b.Finalize())
}

type fieldSpec = struct {
	Name string
	Type DataType
}

func TestRoundTripAllFieldsRawEncoding(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 1024, Compression: codec.None}
	specs := []fieldSpec{{"title", Text}, {"blob", Binary}}

	docs := []Doc{
		{Fields: [][]byte{[]byte("hello"), []byte{1, 2, 3}}},
		{Fields: [][]byte{[]byte(""), []byte{}}},
		{Fields: [][]byte{[]byte("world"), []byte{9}}},
	}
	buildStore(t, fs, "store.dat", settings, specs, docs)

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	for i, d := range docs {
		got, err := r.GetDoc(uint32(i), nil, nil, false)
		require.NoError(t, err)
		require.Equal(t, append(append([]byte(nil), d.Fields[0]...), 0), got[0], "TEXT field gets a trailing NUL")
		require.Equal(t, d.Fields[1], got[1])
	}
}

func TestSubsetProjectionMatchesFullResult(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 1024, Compression: codec.None}
	specs := []fieldSpec{{"a", Text}, {"b", Text}, {"c", Binary}}

	docs := []Doc{
		{Fields: [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")}},
		{Fields: [][]byte{[]byte("dd"), []byte("ee"), []byte("ff")}},
	}
	buildStore(t, fs, "store.dat", settings, specs, docs)

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	for i := range docs {
		full, err := r.GetDoc(uint32(i), nil, nil, false)
		require.NoError(t, err)

		subset, err := r.GetDoc(uint32(i), []int{0, 2}, nil, false)
		require.NoError(t, err)
		require.Equal(t, []([]byte){full[0], full[2]}, subset)
	}
}

func TestSmallBigBoundaryDecisions(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 1024, Compression: codec.None}
	specs := []fieldSpec{{"body", Text}}

	b, err := NewBuilder(fs, "store.dat", settings)
	require.NoError(t, err)
	b.AddField(specs[0].Name, specs[0].Type)

	// doc0+doc1 fit together under BlockSize (400+400<=1024), so the
	// overflow guard on doc1's AddDoc lets them merge into one pending
	// batch. doc2's own AddDoc then overflows that batch (800+2048>1024),
	// flushing doc0+doc1 as a two-doc SMALL block before doc2 starts a
	// fresh batch; doc2 alone is >= BlockSize, so it becomes its own BIG
	// block at Finalize.
	require.NoError(t, b.AddDoc(0, Doc{Fields: [][]byte{bytes.Repeat([]byte{'a'}, 400)}}))
	require.NoError(t, b.AddDoc(1, Doc{Fields: [][]byte{bytes.Repeat([]byte{'b'}, 400)}}))
	require.NoError(t, b.AddDoc(2, Doc{Fields: [][]byte{bytes.Repeat([]byte{'c'}, 2048)}}))
	require.NoError(t, b.Finalize())

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	require.Len(t, r.dir.Entries, 2)
	require.Equal(t, block.Small, r.dir.Entries[0].Type)
	require.Equal(t, uint32(0), r.dir.Entries[0].FirstRowID)
	require.Equal(t, block.Big, r.dir.Entries[1].Type)
	require.Equal(t, uint32(2), r.dir.Entries[1].FirstRowID)
	require.NotZero(t, r.dir.Entries[1].HeaderSize)

	got0, err := r.GetDoc(0, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, append(bytes.Repeat([]byte{'a'}, 400), 0), got0[0])

	got1, err := r.GetDoc(1, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, append(bytes.Repeat([]byte{'b'}, 400), 0), got1[0])

	got2, err := r.GetDoc(2, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, append(bytes.Repeat([]byte{'c'}, 2048), 0), got2[0])
}

func TestTwoDocsMergeIntoOneSmallBlockWhenUnderBudget(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 1024, Compression: codec.None}

	b, err := NewBuilder(fs, "store.dat", settings)
	require.NoError(t, err)
	b.AddField("body", Text)

	// doc0+doc1 sum to 1000, under BlockSize, so they merge into one
	// pending batch (the overflow guard sees 500+500<=1024 on doc1's
	// AddDoc). doc2 then overflows that batch (1000+25>1024) and forces a
	// flush, so the resulting directory has exactly two entries: one
	// SMALL block spanning rowIDs [0,2) and one holding rowID 2 alone.
	require.NoError(t, b.AddDoc(0, Doc{Fields: [][]byte{bytes.Repeat([]byte{'a'}, 500)}}))
	require.NoError(t, b.AddDoc(1, Doc{Fields: [][]byte{bytes.Repeat([]byte{'b'}, 500)}}))
	require.NoError(t, b.AddDoc(2, Doc{Fields: [][]byte{bytes.Repeat([]byte{'c'}, 25)}}))
	require.NoError(t, b.Finalize())

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	require.Len(t, r.dir.Entries, 2)
	require.Equal(t, block.Small, r.dir.Entries[0].Type)
	require.Equal(t, uint32(0), r.dir.Entries[0].FirstRowID)
	require.Equal(t, block.Small, r.dir.Entries[1].Type)
	require.Equal(t, uint32(2), r.dir.Entries[1].FirstRowID)

	// rowIDs 0 and 1 both resolve to the first entry, confirming they
	// were written as a single two-doc block rather than two one-doc
	// blocks.
	entry0, ok := r.dir.Find(0)
	require.True(t, ok)
	entry1, ok := r.dir.Find(1)
	require.True(t, ok)
	require.Equal(t, entry0.Offset, entry1.Offset)
}

func TestEmptyFieldRegistryAllEmptyDoc(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 1024, Compression: codec.None}

	b, err := NewBuilder(fs, "store.dat", settings)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b.AddField("f", Text)
	}
	require.NoError(t, b.AddDoc(0, Doc{Fields: make([][]byte, 10)}))
	require.NoError(t, b.Finalize())

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	got, err := r.GetDoc(0, nil, nil, false)
	require.NoError(t, err)
	for _, f := range got {
		require.Equal(t, []byte{0}, f, "empty TEXT field still gets a trailing NUL")
	}
}

func TestBigBlockFieldReorderIsTransparentToGetDoc(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 64, Compression: codec.None}

	b, err := NewBuilder(fs, "store.dat", settings)
	require.NoError(t, err)
	b.AddField("f0", Binary)
	b.AddField("f1", Binary)
	b.AddField("f2", Binary)

	f0 := bytes.Repeat([]byte{'x'}, 200)
	f1 := bytes.Repeat([]byte{'y'}, 50)
	f2 := bytes.Repeat([]byte{'z'}, 1000)
	require.NoError(t, b.AddDoc(0, Doc{Fields: [][]byte{f0, f1, f2}}))
	require.NoError(t, b.Finalize())

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, block.Big, r.dir.Entries[0].Type)

	got, err := r.GetDoc(0, []int{0, 2}, nil, false)
	require.NoError(t, err)
	require.Equal(t, f0, got[0])
	require.Equal(t, f2, got[1])

	full, err := r.GetDoc(0, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, f0, full[0])
	require.Equal(t, f1, full[1])
	require.Equal(t, f2, full[2])
}

func TestFormatStabilityAcrossRepeatedBuilds(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 512, Compression: codec.None}
	specs := []fieldSpec{{"a", Text}, {"b", Binary}}
	docs := []Doc{
		{Fields: [][]byte{[]byte("repeat me"), []byte{1, 2, 3, 4}}},
		{Fields: [][]byte{[]byte("again"), []byte{5, 6}}},
	}

	buildStore(t, fs, "one.dat", settings, specs, docs)
	buildStore(t, fs, "two.dat", settings, specs, docs)

	f1, err := fs.Open("one.dat")
	require.NoError(t, err)
	f2, err := fs.Open("two.dat")
	require.NoError(t, err)

	size1, err := f1.Size()
	require.NoError(t, err)
	size2, err := f2.Size()
	require.NoError(t, err)
	require.Equal(t, size1, size2)

	buf1 := make([]byte, size1)
	_, err = f1.ReadAt(buf1, 0)
	require.NoError(t, err)
	buf2 := make([]byte, size2)
	_, err = f2.ReadAt(buf2, 0)
	require.NoError(t, err)
	require.Equal(t, buf1, buf2)
}

func TestGetDocUnknownRowIDReturnsEmptyResult(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 1024, Compression: codec.None}
	specs := []fieldSpec{{"a", Text}}
	docs := []Doc{{Fields: [][]byte{[]byte("x")}}}
	buildStore(t, fs, "store.dat", settings, specs, docs)

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	got, err := r.GetDoc(999, nil, nil, false)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPackedOutputEncoding(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 1024, Compression: codec.None}
	specs := []fieldSpec{{"a", Text}}
	docs := []Doc{{Fields: [][]byte{[]byte("hi")}}}
	buildStore(t, fs, "store.dat", settings, specs, docs)

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	got, err := r.GetDoc(0, nil, nil, true)
	require.NoError(t, err)
	// varint length 2, then "hi" -- no trailing NUL under pack=true.
	require.Equal(t, []byte{2, 'h', 'i'}, got[0])
}

func TestStoreCloseEvictsCacheEntries(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 1024, Compression: codec.None}
	specs := []fieldSpec{{"a", Text}}
	docs := []Doc{{Fields: [][]byte{[]byte("x")}}}
	buildStore(t, fs, "store.dat", settings, specs, docs)

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)

	_, err = r.GetDoc(0, nil, nil, false)
	require.NoError(t, err)
	require.Greater(t, ctx.BlockCacheStats().Entries, 0)

	require.NoError(t, r.Close())
	require.Equal(t, 0, ctx.BlockCacheStats().Entries)
}

func TestSessionIsolation(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 1024, Compression: codec.None}
	specs := []fieldSpec{{"a", Text}}
	docs := []Doc{{Fields: [][]byte{bytes.Repeat([]byte{'z'}, 100)}}}
	buildStore(t, fs, "store.dat", settings, specs, docs)

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	s1 := ctx.NewSession()
	s2 := ctx.NewSession()
	r.CreateReader(s1)
	r.CreateReader(s2)
	require.Equal(t, 2, ctx.ReaderCacheStats().Count)

	got1, err := r.GetDoc(0, nil, s1, false)
	require.NoError(t, err)
	got2, err := r.GetDoc(0, nil, s2, false)
	require.NoError(t, err)
	require.Equal(t, got1, got2)

	s1.Close()
	require.Equal(t, 1, ctx.ReaderCacheStats().Count)
	s2.Close()
	require.Equal(t, 0, ctx.ReaderCacheStats().Count)
}
