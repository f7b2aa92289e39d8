package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintkv/pkg/dberrors"
	"flintkv/pkg/index"
	"flintkv/pkg/record"
)

func TestWriteBatch_CommitVisibility(t *testing.T) {
	e := openTestEngine(t, testOptions(t))

	batch, err := e.NewWriteBatch(DefaultWriteBatchOptions())
	require.NoError(t, err)
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))
	require.NoError(t, batch.Put([]byte("b"), []byte("2")))

	_, err = e.Get([]byte("a"))
	assert.ErrorIs(t, err, dberrors.ErrKeyNotFound)

	require.NoError(t, batch.Commit())

	got, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
	got, err = e.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestWriteBatch_EmptyCommit(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	batch, err := e.NewWriteBatch(DefaultWriteBatchOptions())
	require.NoError(t, err)
	assert.NoError(t, batch.Commit())
}

func TestWriteBatch_ExceedMax(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	opts := DefaultWriteBatchOptions()
	opts.MaxBatchNum = 2

	batch, err := e.NewWriteBatch(opts)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, batch.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	assert.ErrorIs(t, batch.Commit(), dberrors.ErrExceedMaxBatch)
}

func TestWriteBatch_DeleteExisting(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	require.NoError(t, e.Put([]byte("k"), []byte("v")))

	batch, err := e.NewWriteBatch(DefaultWriteBatchOptions())
	require.NoError(t, err)
	require.NoError(t, batch.Delete([]byte("k")))
	require.NoError(t, batch.Commit())

	_, err = e.Get([]byte("k"))
	assert.ErrorIs(t, err, dberrors.ErrKeyNotFound)
}

func TestWriteBatch_DeleteCancelsPendingPut(t *testing.T) {
	e := openTestEngine(t, testOptions(t))

	batch, err := e.NewWriteBatch(DefaultWriteBatchOptions())
	require.NoError(t, err)
	require.NoError(t, batch.Put([]byte("k"), []byte("v")))
	require.NoError(t, batch.Delete([]byte("k")))
	require.NoError(t, batch.Commit())

	_, err = e.Get([]byte("k"))
	assert.ErrorIs(t, err, dberrors.ErrKeyNotFound)
}

func TestWriteBatch_Restart(t *testing.T) {
	opts := testOptions(t)
	e := openTestEngine(t, opts)

	batch, err := e.NewWriteBatch(DefaultWriteBatchOptions())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, batch.Put([]byte(fmt.Sprintf("batch-%02d", i)), []byte("v")))
	}
	require.NoError(t, batch.Commit())
	require.NoError(t, e.Close())

	e = openTestEngine(t, opts)
	for i := 0; i < 20; i++ {
		_, err := e.Get([]byte(fmt.Sprintf("batch-%02d", i)))
		require.NoError(t, err)
	}
}

func TestWriteBatch_TornCommitDiscarded(t *testing.T) {
	opts := testOptions(t)
	opts.SyncWrites = true
	e := openTestEngine(t, opts)

	require.NoError(t, e.Put([]byte("keep"), []byte("me")))

	batch, err := e.NewWriteBatch(DefaultWriteBatchOptions())
	require.NoError(t, err)
	require.NoError(t, batch.Put([]byte("t1"), []byte("v1")))
	require.NoError(t, batch.Put([]byte("t2"), []byte("v2")))
	require.NoError(t, batch.Commit())
	require.NoError(t, e.Close())

	// Chop the commit marker off the log to simulate a crash in the middle
	// of the batch append.
	marker := record.Record{Type: record.TypeTxnCommit, Seq: 1, Key: txnFinKey}
	files, err := filepath.Glob(filepath.Join(opts.DirPath, "*.data"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	st, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], st.Size()-marker.EncodedSize()))

	e = openTestEngine(t, opts)
	got, err := e.Get([]byte("keep"))
	require.NoError(t, err)
	assert.Equal(t, []byte("me"), got)

	_, err = e.Get([]byte("t1"))
	assert.ErrorIs(t, err, dberrors.ErrKeyNotFound)
	_, err = e.Get([]byte("t2"))
	assert.ErrorIs(t, err, dberrors.ErrKeyNotFound)
}

func TestWriteBatch_SeqRestoredAcrossRestart(t *testing.T) {
	opts := testOptions(t)
	e := openTestEngine(t, opts)

	batch, err := e.NewWriteBatch(DefaultWriteBatchOptions())
	require.NoError(t, err)
	require.NoError(t, batch.Put([]byte("first"), []byte("1")))
	require.NoError(t, batch.Commit())
	require.NoError(t, e.Close())

	e = openTestEngine(t, opts)
	batch, err = e.NewWriteBatch(DefaultWriteBatchOptions())
	require.NoError(t, err)
	require.NoError(t, batch.Put([]byte("second"), []byte("2")))
	require.NoError(t, batch.Commit())
	require.NoError(t, e.Close())

	e = openTestEngine(t, opts)
	for _, k := range []string{"first", "second"} {
		_, err := e.Get([]byte(k))
		require.NoError(t, err)
	}
}

func TestWriteBatch_BPTreeUnavailableAfterCrash(t *testing.T) {
	opts := testOptions(t)
	opts.IndexType = index.BPTree

	e := openTestEngine(t, opts)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	// A clean close leaves a sequence number file behind; removing it mimics
	// a crash, after which batches must be refused.
	require.NoError(t, os.Remove(filepath.Join(opts.DirPath, seqNoFileName)))

	e = openTestEngine(t, opts)
	_, err := e.NewWriteBatch(DefaultWriteBatchOptions())
	assert.ErrorIs(t, err, dberrors.ErrBatchUnavailable)
}
