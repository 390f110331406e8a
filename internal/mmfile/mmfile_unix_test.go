//go:build unix

package mmfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapWriteThroughUnix(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mmap test in short mode")
	}
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0o644))

	m, err := Map(path)
	require.NoError(t, err)
	require.Len(t, m.Data, 8192)

	copy(m.Data[4096:], []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, m.Sync(true))
	require.NoError(t, m.Close())
	// Second close is a no-op.
	require.NoError(t, m.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, got[4096:4100])
}

func TestMapRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := Map(path)
	require.Error(t, err)
}
