package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintkv/pkg/dberrors"
	"flintkv/pkg/segment"
)

func removeHintFiles(t *testing.T, dir string) {
	t.Helper()
	hints, err := filepath.Glob(filepath.Join(dir, "*"+segment.HintSuffix))
	require.NoError(t, err)
	for _, h := range hints {
		require.NoError(t, os.Remove(h))
	}
}

func dataFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*"+segment.DataSuffix))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	return files
}

func verifyKeys(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		got, err := e.Get([]byte(fmt.Sprintf("key-%05d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%05d", i)), got)
	}
}

func TestRecovery_UsesHintFiles(t *testing.T) {
	opts := testOptions(t)
	opts.SegmentSize = 2 * 1024
	e := openTestEngine(t, opts)

	fillKeys(t, e, 200)
	require.NoError(t, e.Delete([]byte("key-00100")))
	require.NoError(t, e.Close())

	// Rollover must have produced hint files for the sealed segments.
	hints, err := filepath.Glob(filepath.Join(opts.DirPath, "*"+segment.HintSuffix))
	require.NoError(t, err)
	require.NotEmpty(t, hints)

	e = openTestEngine(t, opts)
	verifyKeys(t, e, 100)
	_, err = e.Get([]byte("key-00100"))
	assert.ErrorIs(t, err, dberrors.ErrKeyNotFound)
}

func TestRecovery_ScanWhenHintsMissing(t *testing.T) {
	opts := testOptions(t)
	opts.SegmentSize = 2 * 1024
	e := openTestEngine(t, opts)

	fillKeys(t, e, 200)
	require.NoError(t, e.Delete([]byte("key-00100")))
	require.NoError(t, e.Close())

	removeHintFiles(t, opts.DirPath)

	e = openTestEngine(t, opts)
	verifyKeys(t, e, 100)
	_, err := e.Get([]byte("key-00100"))
	assert.ErrorIs(t, err, dberrors.ErrKeyNotFound)

	stat, err := e.Stat()
	require.NoError(t, err)
	assert.Equal(t, 199, stat.KeyNum)
}

func TestRecovery_TornActiveTail(t *testing.T) {
	opts := testOptions(t)
	e := openTestEngine(t, opts)
	fillKeys(t, e, 20)
	require.NoError(t, e.Close())

	files := dataFiles(t, opts.DirPath)
	last := files[len(files)-1]
	f, err := os.OpenFile(last, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("torn write garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e = openTestEngine(t, opts)
	verifyKeys(t, e, 20)

	// The garbage must be gone so the next append lands on a clean boundary.
	require.NoError(t, e.Put([]byte("after"), []byte("crash")))
	require.NoError(t, e.Close())

	e = openTestEngine(t, opts)
	got, err := e.Get([]byte("after"))
	require.NoError(t, err)
	assert.Equal(t, []byte("crash"), got)
}

func TestRecovery_CorruptedSealedSegmentIsFatal(t *testing.T) {
	opts := testOptions(t)
	opts.SegmentSize = 2 * 1024
	e := openTestEngine(t, opts)
	fillKeys(t, e, 200)
	require.NoError(t, e.Close())

	removeHintFiles(t, opts.DirPath)

	files := dataFiles(t, opts.DirPath)
	require.Greater(t, len(files), 1)
	f, err := os.OpenFile(files[0], os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, 10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(opts)
	assert.ErrorIs(t, err, dberrors.ErrCorruptedDir)
}

func TestRecovery_SealedSegmentHintSurvivesReopen(t *testing.T) {
	opts := testOptions(t)
	opts.SegmentSize = 2 * 1024
	e := openTestEngine(t, opts)
	fillKeys(t, e, 100)
	require.NoError(t, e.Close())

	// Two reopen cycles: the second one exercises hints written by the first
	// recovery's rollovers as well.
	e = openTestEngine(t, opts)
	fillKeys(t, e, 100)
	require.NoError(t, e.Close())

	e = openTestEngine(t, opts)
	verifyKeys(t, e, 100)
	stat, err := e.Stat()
	require.NoError(t, err)
	assert.Equal(t, 100, stat.KeyNum)
}
