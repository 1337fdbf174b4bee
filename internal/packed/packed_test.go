package packed

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendEncodesLengthPrefix(t *testing.T) {
	dst := Append(nil, []byte("hello"))

	length, n := binary.Uvarint(dst)
	require.Equal(t, uint64(5), length)
	require.Equal(t, "hello", string(dst[n:]))
}

func TestAppendEmptyData(t *testing.T) {
	dst := Append(nil, nil)
	require.Equal(t, []byte{0}, dst)
}

func TestAppendPreservesExistingPrefix(t *testing.T) {
	dst := []byte("prefix:")
	dst = Append(dst, []byte("ab"))
	require.Equal(t, "prefix:", string(dst[:7]))

	length, n := binary.Uvarint(dst[7:])
	require.Equal(t, uint64(2), length)
	require.Equal(t, "ab", string(dst[7+n:]))
}
