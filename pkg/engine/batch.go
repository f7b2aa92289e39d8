package engine

import (
	"bytes"
	"sync"

	"flintkv/pkg/dberrors"
	"flintkv/pkg/index"
	"flintkv/pkg/record"
	"flintkv/pkg/segment"
)

var txnFinKey = []byte("txn.fin")

// WriteBatch buffers writes and commits them atomically: either every record
// in the batch becomes visible, or none does, across crashes included.
type WriteBatch struct {
	engine *Engine
	opts   WriteBatchOptions

	mu      sync.Mutex
	pending map[string]*record.Record
}

// NewWriteBatch returns an empty batch bound to the engine.
func (e *Engine) NewWriteBatch(opts WriteBatchOptions) (*WriteBatch, error) {
	if e.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	// The B+ tree backend never replays the log, so without the sequence
	// number persisted by the last clean close a fresh batch could reuse
	// sequence numbers already on disk.
	if e.opts.IndexType == index.BPTree && !e.seqFileExists && !e.isInitial {
		return nil, dberrors.ErrBatchUnavailable
	}
	return &WriteBatch{
		engine:  e,
		opts:    opts,
		pending: make(map[string]*record.Record),
	}, nil
}

// Put buffers a key-value pair. Nothing reaches disk until Commit.
func (b *WriteBatch) Put(key, value []byte) error {
	if len(key) == 0 {
		return dberrors.ErrKeyIsEmpty
	}
	key = bytes.Clone(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[string(key)] = &record.Record{Type: record.TypePut, Key: key, Value: value}
	return nil
}

// Delete buffers a deletion. A delete of a key that exists neither in the
// engine nor in the batch simply cancels any pending write for it.
func (b *WriteBatch) Delete(key []byte) error {
	if len(key) == 0 {
		return dberrors.ErrKeyIsEmpty
	}
	key = bytes.Clone(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.engine.idx.Get(key); !ok {
		delete(b.pending, string(key))
		return nil
	}
	b.pending[string(key)] = &record.Record{Type: record.TypeDelete, Key: key}
	return nil
}

// Commit writes every pending record plus a commit marker as one contiguous
// run, then publishes the batch to the index. A crash before the marker is on
// disk makes the whole batch invisible after recovery.
func (b *WriteBatch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.engine.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(b.pending) == 0 {
		return nil
	}
	if len(b.pending) > b.opts.MaxBatchNum {
		return dberrors.ErrExceedMaxBatch
	}

	e := b.engine
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	seq := e.seqNo.Add(1)

	type placed struct {
		rec *record.Record
		off int64 // relative to the run's base
		n   uint32
	}
	var run []byte
	items := make([]placed, 0, len(b.pending))
	for _, rec := range b.pending {
		rec.Seq = seq
		buf := rec.Encode()
		items = append(items, placed{rec: rec, off: int64(len(run)), n: uint32(len(buf))})
		run = append(run, buf...)
	}
	marker := record.Record{Type: record.TypeTxnCommit, Seq: seq, Key: txnFinKey}
	run = append(run, marker.Encode()...)

	fid, base, err := e.appendRun(run, func(fid uint32, base int64) []runEffect {
		effs := make([]runEffect, 0, len(items))
		for _, p := range items {
			effs = append(effs, runEffect{
				entry: segment.HintEntry{
					Key:  p.rec.Key,
					Type: p.rec.Type,
					Pos:  record.Pointer{Fid: fid, Offset: base + p.off, Size: p.n},
				},
				seq: seq,
			})
		}
		return effs
	})
	if err != nil {
		return err
	}
	if b.opts.SyncWrites && !e.opts.SyncWrites {
		if err := e.Sync(); err != nil {
			return err
		}
	}

	for _, p := range items {
		pos := record.Pointer{Fid: fid, Offset: base + p.off, Size: p.n}
		m := e.stripes.lock(p.rec.Key)
		if p.rec.Type == record.TypeDelete {
			e.reclaimable.Add(int64(p.n))
			if old, existed := e.idx.Delete(p.rec.Key); existed {
				e.reclaimable.Add(int64(old.Size))
			}
		} else {
			if old, existed := e.idx.Put(p.rec.Key, pos); existed {
				e.reclaimable.Add(int64(old.Size))
			}
		}
		m.Unlock()
	}

	b.pending = make(map[string]*record.Record)
	return nil
}
