package fio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintkv/pkg/dberrors"
)

func TestFileIO_WriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.data")
	f, err := NewFileIO(path)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = f.Write([]byte(" world"))
	require.NoError(t, err)

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	require.NoError(t, f.Sync())
	require.NoError(t, f.Truncate(5))
	size, err = f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestMmapIO_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.data")
	f, err := NewFileIO(path)
	require.NoError(t, err)
	_, err = f.Write([]byte("mapped bytes"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m, err := NewMmapIO(path)
	require.NoError(t, err)
	defer m.Close()

	buf := make([]byte, 6)
	_, err = m.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "mapped", string(buf))

	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	_, err = m.Write([]byte("nope"))
	assert.ErrorIs(t, err, dberrors.ErrReadOnlyFile)
	assert.ErrorIs(t, m.Sync(), dberrors.ErrReadOnlyFile)
}

func TestMmapIO_MissingFile(t *testing.T) {
	_, err := NewMmapIO(filepath.Join(t.TempDir(), "absent.data"))
	assert.Error(t, err)
}
