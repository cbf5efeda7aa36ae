package mmfile

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	want := []byte{0xde, 0xad, 0xbe, 0xef, 0x42}
	require.NoError(t, os.WriteFile(path, want, 0o644))

	for _, mapped := range []bool{true, false} {
		f, err := Open(path, mapped)
		require.NoError(t, err)
		require.Equal(t, int64(len(want)), f.Len())

		got, err := ReadFull(f, 1, 4)
		require.NoError(t, err)
		require.Equal(t, want[1:], got)

		_, err = ReadFull(f, 3, 4)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
		require.NoError(t, f.Close())
	}
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), true)
	require.Error(t, err)
	_, err = Open(filepath.Join(t.TempDir(), "missing"), false)
	require.ErrorIs(t, err, os.ErrNotExist)
}
