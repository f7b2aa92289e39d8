// Package engine implements the log-structured storage engine: an append-only
// segmented log on disk with an in-memory index mapping each key to its most
// recent record.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"flintkv/internal/fsutil"
	"flintkv/pkg/dberrors"
	"flintkv/pkg/index"
	"flintkv/pkg/record"
	"flintkv/pkg/segment"
)

const (
	fileLockName   = "flock"
	seqNoFileName  = "seq-no"
	seqNoKey       = "seq.no"
	initialFid     = uint32(0)
	mergeDirSuffix = "-merge"
	mergeFinName   = "merge-finished"
	mergeFinKey    = "merge.finished"
)

// Engine is the process-wide handle over one database directory.
type Engine struct {
	opts Options

	// mu guards the segment table: the active segment handle and the map of
	// sealed ones.
	mu     sync.RWMutex
	active *segment.Segment
	olders map[uint32]*segment.Segment

	idx     index.Indexer
	stripes *lockStripes

	// appendMu serializes appends to the active segment, including rollover.
	appendMu sync.Mutex
	// commitMu serializes write-batch commits, imposing a total order on
	// their sequence numbers.
	commitMu sync.Mutex
	// mergeMu keeps compaction single-flight.
	mergeMu sync.Mutex

	// pendingHints accumulates the net per-key effect of every append to the
	// current active segment; it becomes the segment's hint file at seal.
	// Guarded by appendMu, along with pendingSeq, bytesSinceSync and ioErr.
	pendingHints   map[string]segment.HintEntry
	pendingSeq     uint64
	bytesSinceSync int64
	ioErr          error

	seqNo       atomic.Uint64
	reclaimable atomic.Int64

	cache *readCache
	// cacheGen is bumped whenever compaction recycles segment ids, so a read
	// that started before the install never publishes a cache entry that a
	// recycled pointer could collide with.
	cacheGen atomic.Uint64

	fl     *flock.Flock
	closed atomic.Bool

	isInitial     bool
	seqFileExists bool
}

// Stat describes the engine's current footprint.
type Stat struct {
	// KeyNum is the number of live keys.
	KeyNum int
	// SegmentNum counts data files, the active one included.
	SegmentNum int
	// ReclaimableSize is the number of bytes a compaction could free.
	ReclaimableSize int64
	// DiskSize is the total size of the database directory.
	DiskSize int64
}

type runEffect struct {
	entry segment.HintEntry
	seq   uint64
}

// Open creates or opens the database at opts.DirPath, runs recovery and
// returns a ready engine.
func Open(opts Options) (*Engine, error) {
	if err := checkOptions(opts); err != nil {
		return nil, err
	}

	isInitial := false
	if _, err := os.Stat(opts.DirPath); os.IsNotExist(err) {
		isInitial = true
	}
	if err := os.MkdirAll(opts.DirPath, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	fl := flock.New(filepath.Join(opts.DirPath, fileLockName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock database directory: %w", err)
	}
	if !locked {
		return nil, dberrors.ErrDatabaseIsUsing
	}

	entries, err := os.ReadDir(opts.DirPath)
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("read database directory: %w", err)
	}
	if len(entries) <= 1 {
		// Nothing but our own lock file.
		isInitial = true
	}

	// A compaction that finished staging but crashed before (or during) its
	// install is replayed now, before any segment is opened.
	replay, err := loadStagedMerge(opts.DirPath)
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	idx, err := index.New(opts.IndexType, opts.DirPath)
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	e := &Engine{
		opts:         opts,
		olders:       make(map[uint32]*segment.Segment),
		idx:          idx,
		stripes:      newLockStripes(),
		pendingHints: make(map[string]segment.HintEntry),
		fl:           fl,
		isInitial:    isInitial,
	}
	e.seqNo.Store(record.NonTxnSeq)

	if opts.CacheCapacity > 0 {
		if e.cache, err = newReadCache(opts.CacheCapacity); err != nil {
			_ = fl.Unlock()
			return nil, fmt.Errorf("create read cache: %w", err)
		}
	}

	if err := e.loadSegments(); err != nil {
		e.releaseOnFailedOpen()
		return nil, err
	}

	if opts.IndexType == index.BPTree {
		// The directory is already persistent; only the sequence number and
		// the append offset need restoring. A merge replayed during this open
		// moved records under the persisted pointers, so those are repointed
		// from the merged segments' hint files.
		if err := e.repointAfterMerge(replay); err != nil {
			e.releaseOnFailedOpen()
			return nil, err
		}
		if err := e.loadSeqNoFile(); err != nil {
			e.releaseOnFailedOpen()
			return nil, err
		}
	} else {
		if err := e.loadIndex(); err != nil {
			e.releaseOnFailedOpen()
			return nil, err
		}
	}

	return e, nil
}

// Put stores a key-value pair. The record is appended (and synced, per the
// durability policy) before the index is updated.
func (e *Engine) Put(key, value []byte) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(key) == 0 {
		return dberrors.ErrKeyIsEmpty
	}
	key = bytes.Clone(key)

	rec := record.Record{Type: record.TypePut, Seq: record.NonTxnSeq, Key: key, Value: value}
	buf := rec.Encode()

	fid, off, err := e.appendRun(buf, func(fid uint32, base int64) []runEffect {
		return []runEffect{{entry: segment.HintEntry{
			Key:  key,
			Type: record.TypePut,
			Pos:  record.Pointer{Fid: fid, Offset: base, Size: uint32(len(buf))},
		}}}
	})
	if err != nil {
		return err
	}

	pos := record.Pointer{Fid: fid, Offset: off, Size: uint32(len(buf))}
	m := e.stripes.lock(key)
	old, existed := e.idx.Put(key, pos)
	m.Unlock()
	if existed {
		e.reclaimable.Add(int64(old.Size))
	}
	return nil
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if len(key) == 0 {
		return nil, dberrors.ErrKeyIsEmpty
	}
	return e.readValue(key)
}

// Delete removes key. Deleting an absent key is a no-op.
func (e *Engine) Delete(key []byte) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(key) == 0 {
		return dberrors.ErrKeyIsEmpty
	}
	if _, ok := e.idx.Get(key); !ok {
		return nil
	}
	key = bytes.Clone(key)

	rec := record.Record{Type: record.TypeDelete, Seq: record.NonTxnSeq, Key: key}
	buf := rec.Encode()

	_, _, err := e.appendRun(buf, func(fid uint32, base int64) []runEffect {
		return []runEffect{{entry: segment.HintEntry{
			Key:  key,
			Type: record.TypeDelete,
			Pos:  record.Pointer{Fid: fid, Offset: base, Size: uint32(len(buf))},
		}}}
	})
	if err != nil {
		return err
	}
	e.reclaimable.Add(int64(len(buf)))

	m := e.stripes.lock(key)
	old, existed := e.idx.Delete(key)
	m.Unlock()
	if existed {
		e.reclaimable.Add(int64(old.Size))
	}
	return nil
}

// ListKeys returns every live key in ascending order.
func (e *Engine) ListKeys() ([][]byte, error) {
	if e.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	it := e.idx.Iterator(index.IterOptions{})
	defer it.Close()

	keys := make([][]byte, 0, e.idx.Size())
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, bytes.Clone(it.Key()))
	}
	return keys, nil
}

// Fold calls fn for every live key-value pair in ascending key order until fn
// returns false.
func (e *Engine) Fold(fn func(key, value []byte) bool) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	it := e.idx.Iterator(index.IterOptions{})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		value, err := e.readValue(it.Key())
		if errors.Is(err, dberrors.ErrKeyNotFound) {
			// Deleted since the iterator snapshot was taken.
			continue
		}
		if err != nil {
			return err
		}
		if !fn(it.Key(), value) {
			break
		}
	}
	return nil
}

// Sync forces the active segment to stable storage.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active.Sync()
}

// Stat reports the engine's current footprint.
func (e *Engine) Stat() (Stat, error) {
	if e.closed.Load() {
		return Stat{}, dberrors.ErrClosed
	}
	diskSize, err := fsutil.DirSize(e.opts.DirPath)
	if err != nil {
		return Stat{}, fmt.Errorf("measure database directory: %w", err)
	}
	e.mu.RLock()
	segNum := len(e.olders) + 1
	e.mu.RUnlock()

	return Stat{
		KeyNum:          e.idx.Size(),
		SegmentNum:      segNum,
		ReclaimableSize: e.reclaimable.Load(),
		DiskSize:        diskSize,
	}, nil
}

// Backup copies the database directory (minus the lock file) into dir.
func (e *Engine) Backup(dir string) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := e.Sync(); err != nil {
		return err
	}
	return fsutil.CopyDir(e.opts.DirPath, dir, map[string]bool{fileLockName: true})
}

// Close flushes the active segment, persists the transaction sequence number
// and releases every file handle, mapping and the directory lock.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Wait out a compaction in flight; a new one cannot start now that the
	// closed flag is set.
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	var firstErr error
	if err := e.writeSeqNoFile(); err != nil {
		firstErr = err
	}

	e.appendMu.Lock()
	e.mu.Lock()
	if err := e.active.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.active.Release()
	for _, s := range e.olders {
		s.Release()
	}
	e.olders = make(map[uint32]*segment.Segment)
	e.mu.Unlock()
	e.appendMu.Unlock()

	if err := e.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.cache.close()
	if err := e.fl.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// readValue resolves key's pointer and its owning segment handle under a
// single table lock, then reads with a segment reference held. A concurrent
// compaction can therefore neither retire the segment between lookup and
// resolution nor unmap it mid-read.
func (e *Engine) readValue(key []byte) ([]byte, error) {
	e.mu.RLock()
	pos, ok := e.idx.Get(key)
	if !ok {
		e.mu.RUnlock()
		return nil, dberrors.ErrKeyNotFound
	}
	if v, ok := e.cache.get(pos); ok {
		e.mu.RUnlock()
		return bytes.Clone(v), nil
	}
	gen := e.cacheGen.Load()
	var s *segment.Segment
	if e.active.Fid() == pos.Fid {
		s = e.active
	} else {
		s = e.olders[pos.Fid]
	}
	if s == nil {
		e.mu.RUnlock()
		return nil, dberrors.ErrSegmentNotFound
	}
	s.Acquire()
	e.mu.RUnlock()
	defer s.Release()

	rec, _, err := s.ReadRecord(pos.Offset)
	if err != nil {
		return nil, err
	}
	if rec.Type == record.TypeDelete {
		return nil, dberrors.ErrKeyNotFound
	}
	e.cache.set(pos, rec.Value)
	if e.cacheGen.Load() != gen {
		// A compaction installed while we were reading; pos may now belong to
		// a recycled segment id.
		e.cache.del(pos)
	}
	return rec.Value, nil
}

// appendRun appends one encoded run (a single record, or a batch's contiguous
// records plus marker) to the active segment, rolling it over first when the
// run would cross the size threshold. effects describes the run's net per-key
// outcomes for the sealed segment's future hint file.
func (e *Engine) appendRun(buf []byte, effects func(fid uint32, base int64) []runEffect) (uint32, int64, error) {
	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	if e.ioErr != nil {
		return 0, 0, e.ioErr
	}

	act := e.active
	if base := act.WriteOff(); base > 0 && base+int64(len(buf)) > e.opts.SegmentSize {
		if err := e.rollActiveLocked(); err != nil {
			return 0, 0, err
		}
		act = e.active
	}

	off, err := act.Append(buf)
	if err != nil {
		// A partial append would leave a tear in the middle of the segment,
		// which recovery treats as fatal. Cut the file back; if even that
		// fails, poison the engine rather than corrupt the log.
		if terr := act.Truncate(off); terr != nil {
			e.ioErr = fmt.Errorf("append failed and truncate failed, engine poisoned: %w", terr)
			slog.Error("engine poisoned after failed append", "error", err, "truncate_error", terr)
		}
		return 0, 0, err
	}

	for _, ef := range effects(act.Fid(), off) {
		e.pendingHints[string(ef.entry.Key)] = ef.entry
		if ef.seq > e.pendingSeq {
			e.pendingSeq = ef.seq
		}
	}

	e.bytesSinceSync += int64(len(buf))
	if e.opts.SyncWrites || (e.opts.BytesPerSync > 0 && e.bytesSinceSync >= e.opts.BytesPerSync) {
		if err := act.Sync(); err != nil {
			return 0, 0, err
		}
		e.bytesSinceSync = 0
	}
	return act.Fid(), off, nil
}

// rollActiveLocked seals the active segment (writing its hint file) and opens
// a fresh one with the next id. Caller holds appendMu.
func (e *Engine) rollActiveLocked() error {
	act := e.active

	if err := act.Sync(); err != nil {
		return fmt.Errorf("sync active segment before rollover: %w", err)
	}

	if e.opts.IndexType != index.BPTree {
		entries := make([]segment.HintEntry, 0, len(e.pendingHints))
		for _, ent := range e.pendingHints {
			entries = append(entries, ent)
		}
		hintPath := segment.HintFileName(e.opts.DirPath, act.Fid())
		if err := segment.WriteHintFile(hintPath, entries, e.pendingSeq); err != nil {
			// Not fatal: recovery falls back to scanning the segment.
			slog.Warn("failed to write hint file", "fid", act.Fid(), "error", err)
		}
	}

	if err := act.Seal(); err != nil {
		return err
	}

	next, err := segment.Create(e.opts.DirPath, act.Fid()+1)
	if err != nil {
		return fmt.Errorf("open next active segment: %w", err)
	}

	e.mu.Lock()
	e.olders[act.Fid()] = act
	e.active = next
	e.mu.Unlock()

	e.pendingHints = make(map[string]segment.HintEntry)
	e.pendingSeq = 0
	e.bytesSinceSync = 0
	return nil
}

func (e *Engine) writeSeqNoFile() error {
	path := filepath.Join(e.opts.DirPath, seqNoFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	rec := record.Record{
		Type:  record.TypePut,
		Key:   []byte(seqNoKey),
		Value: []byte(strconv.FormatUint(e.seqNo.Load(), 10)),
	}
	return os.WriteFile(path, rec.Encode(), 0644)
}

func (e *Engine) releaseOnFailedOpen() {
	e.mu.Lock()
	if e.active != nil {
		e.active.Release()
	}
	for _, s := range e.olders {
		s.Release()
	}
	e.mu.Unlock()
	_ = e.idx.Close()
	e.cache.close()
	_ = e.fl.Unlock()
}
