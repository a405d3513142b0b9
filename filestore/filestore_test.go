package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePiecePositionsCorrectly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	s, err := Open(path, 30, 10)
	require.NoError(t, err)

	require.NoError(t, s.WritePiece(2, []byte("cccccccccc")))
	require.NoError(t, s.WritePiece(0, []byte("aaaaaaaaaa")))
	require.NoError(t, s.WritePiece(1, []byte("bbbbbbbbbb")))
	require.NoError(t, s.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaabbbbbbbbbbcccccccccc", string(got))
}

func TestOpenTruncatesToLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	s, err := Open(path, 100, 50)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(100), info.Size())
}

func TestOpenCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "subdir", "out.bin")

	s, err := Open(path, 10, 10)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
