package docstore

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/manticoresoftware/docstore/internal/codec"
	"github.com/manticoresoftware/docstore/internal/vfs"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestReaderConcurrentGetDoc exercises GetDoc from many goroutines against
// one Reader and one shared cache-backed Context, mixing small and big
// blocks, to check the block cache and reader cache are safe under
// concurrent readers (§13.3).
func TestReaderConcurrentGetDoc(t *testing.T) {
	fs := vfs.NewMem()
	settings := Settings{BlockSize: 512, Compression: codec.LZ4}

	b, err := NewBuilder(fs, "store.dat", settings)
	require.NoError(t, err)
	b.AddField("title", Text)
	b.AddField("body", Binary)

	const numDocs = 200
	oracle := make([]Doc, numDocs)
	for i := 0; i < numDocs; i++ {
		title := []byte(fmt.Sprintf("title-%d", i))
		var body []byte
		if i%17 == 0 {
			body = bytes.Repeat([]byte{byte(i)}, 1500) // forces a big block
		} else {
			body = bytes.Repeat([]byte{byte(i)}, i%40)
		}
		oracle[i] = Doc{Fields: [][]byte{title, body}}
		require.NoError(t, b.AddDoc(uint32(i), oracle[i]))
	}
	require.NoError(t, b.Finalize())

	ctx := NewContext(1<<20, nil)
	r, err := Open(ctx, fs, "store.dat")
	require.NoError(t, err)
	defer r.Close()

	const numWorkers = 16
	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		w := w
		g.Go(func() error {
			session := ctx.NewSession()
			defer session.Close()
			r.CreateReader(session)

			for i := 0; i < numDocs; i++ {
				rowID := uint32((i*7 + w) % numDocs)
				got, err := r.GetDoc(rowID, nil, session, false)
				if err != nil {
					return err
				}
				want := oracle[rowID]
				wantTitle := append(append([]byte(nil), want.Fields[0]...), 0)
				if !bytes.Equal(got[0], wantTitle) {
					return fmt.Errorf("worker %d row %d: title mismatch: got %q want %q", w, rowID, got[0], wantTitle)
				}
				if !bytes.Equal(got[1], want.Fields[1]) {
					return fmt.Errorf("worker %d row %d: body mismatch", w, rowID)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
