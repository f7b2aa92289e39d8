// Package segment implements the append-only data files the log is made of,
// plus the per-segment hint files used for fast index rebuilds.
package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"log/slog"

	"flintkv/pkg/dberrors"
	"flintkv/pkg/fio"
	"flintkv/pkg/record"
)

const (
	// DataSuffix is the extension of segment data files.
	DataSuffix = ".data"
	// HintSuffix is the extension of hint files.
	HintSuffix = ".hint"
)

// DataFileName returns the path of segment fid inside dir.
func DataFileName(dir string, fid uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%09d%s", fid, DataSuffix))
}

// HintFileName returns the path of segment fid's hint file inside dir.
func HintFileName(dir string, fid uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%09d%s", fid, HintSuffix))
}

// Segment is one append-only log file. Exactly one segment per engine is
// active and writable; the rest are sealed and read through a memory mapping.
//
// Handles are reference counted: the owning engine holds one reference, every
// in-flight read holds another. Closing the mapping is deferred until the last
// reference is released, so a reader never faults on an unmapped region even
// while compaction retires the segment.
type Segment struct {
	fid  uint32
	path string

	mu  sync.RWMutex // guards mgr swaps (seal, truncate)
	mgr fio.Manager

	writeOff atomic.Int64
	refs     atomic.Int32
}

// Create opens (or creates) segment fid in dir with a read-write file manager.
func Create(dir string, fid uint32) (*Segment, error) {
	path := DataFileName(dir, fid)
	mgr, err := fio.NewFileIO(path)
	if err != nil {
		return nil, err
	}
	return newSegment(fid, path, mgr)
}

// OpenMmap opens an existing sealed segment through a read-only mapping.
func OpenMmap(dir string, fid uint32) (*Segment, error) {
	path := DataFileName(dir, fid)
	mgr, err := fio.NewMmapIO(path)
	if err != nil {
		return nil, err
	}
	return newSegment(fid, path, mgr)
}

// OpenMmapPath opens a sealed segment at an explicit path. Compaction uses it
// for staged merge outputs before they are renamed into the data directory.
func OpenMmapPath(path string, fid uint32) (*Segment, error) {
	mgr, err := fio.NewMmapIO(path)
	if err != nil {
		return nil, err
	}
	return newSegment(fid, path, mgr)
}

func newSegment(fid uint32, path string, mgr fio.Manager) (*Segment, error) {
	size, err := mgr.Size()
	if err != nil {
		_ = mgr.Close()
		return nil, fmt.Errorf("stat segment %d: %w", fid, err)
	}
	s := &Segment{fid: fid, path: path, mgr: mgr}
	s.writeOff.Store(size)
	s.refs.Store(1)
	return s, nil
}

// Fid returns the segment's id.
func (s *Segment) Fid() uint32 { return s.fid }

// Path returns the backing file's path at open time.
func (s *Segment) Path() string { return s.path }

// WriteOff returns the current end-of-file offset.
func (s *Segment) WriteOff() int64 { return s.writeOff.Load() }

// SetWriteOff overrides the append offset; recovery uses it after replaying
// the active segment.
func (s *Segment) SetWriteOff(off int64) { s.writeOff.Store(off) }

// Append writes buf at the end of the file and returns the offset it landed
// at. Only legal on the active segment; the engine serializes callers.
func (s *Segment) Append(buf []byte) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	off := s.writeOff.Load()
	n, err := s.mgr.Write(buf)
	if err != nil {
		return off, fmt.Errorf("append to segment %d: %w", s.fid, err)
	}
	s.writeOff.Store(off + int64(n))
	return off, nil
}

// ReadAt fills p from the given offset.
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mgr.ReadAt(p, off)
}

// ReadRecord decodes the record starting at off. It returns io.EOF once off
// reaches the end of the segment, and a corruption error for anything that
// fails to frame or checksum.
func (s *Segment) ReadRecord(off int64) (*record.Record, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.writeOff.Load()
	if off >= size {
		return nil, 0, io.EOF
	}

	headerLen := int64(record.MaxHeaderSize)
	if off+headerLen > size {
		headerLen = size - off
	}
	headerBuf := make([]byte, headerLen)
	if _, err := s.mgr.ReadAt(headerBuf, off); err != nil {
		return nil, 0, fmt.Errorf("read record header at %d/%d: %w", s.fid, off, err)
	}

	h, err := record.DecodeHeader(headerBuf)
	if err != nil {
		return nil, 0, fmt.Errorf("segment %d offset %d: %w", s.fid, off, err)
	}
	total := h.Size + int64(h.KeySize) + int64(h.ValSize)
	if off+total > size {
		return nil, 0, fmt.Errorf("%w: record of %d bytes at %d/%d exceeds segment size %d",
			dberrors.ErrCorruptedRecord, total, s.fid, off, size)
	}

	kv := make([]byte, int(h.KeySize)+int(h.ValSize))
	if _, err := s.mgr.ReadAt(kv, off+h.Size); err != nil {
		return nil, 0, fmt.Errorf("read record body at %d/%d: %w", s.fid, off, err)
	}
	if err := record.Verify(h, headerBuf, kv); err != nil {
		return nil, 0, fmt.Errorf("segment %d offset %d: %w", s.fid, off, err)
	}

	rec := &record.Record{
		Type:  h.Type,
		Seq:   h.Seq,
		Key:   kv[:h.KeySize:h.KeySize],
		Value: kv[h.KeySize:],
	}
	return rec, total, nil
}

// Sync forces appended bytes to stable storage.
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mgr.Sync()
}

// Truncate discards everything past off. Only supported while the segment is
// backed by file IO.
func (s *Segment) Truncate(off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.mgr.(interface{ Truncate(int64) error })
	if !ok {
		return dberrors.ErrReadOnlyFile
	}
	if err := t.Truncate(off); err != nil {
		return fmt.Errorf("truncate segment %d: %w", s.fid, err)
	}
	s.writeOff.Store(off)
	return nil
}

// Seal syncs the segment and swaps its file manager for a read-only memory
// mapping. After Seal the segment rejects appends.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mgr.(*fio.MmapIO); ok {
		return nil
	}
	if err := s.mgr.Sync(); err != nil {
		return fmt.Errorf("sync before seal of segment %d: %w", s.fid, err)
	}
	if err := s.mgr.Close(); err != nil {
		return fmt.Errorf("close before seal of segment %d: %w", s.fid, err)
	}
	mgr, err := fio.NewMmapIO(s.path)
	if err != nil {
		return fmt.Errorf("seal segment %d: %w", s.fid, err)
	}
	s.mgr = mgr
	return nil
}

// Acquire takes a read reference on the handle.
func (s *Segment) Acquire() {
	s.refs.Add(1)
}

// Release drops a reference. The last release closes the file manager, which
// unmaps sealed segments.
func (s *Segment) Release() {
	if s.refs.Add(-1) == 0 {
		if err := s.mgr.Close(); err != nil {
			slog.Warn("failed to close segment", "fid", s.fid, "error", err)
		}
	}
}

// RemoveFiles unlinks the segment's data and hint files. Open handles and
// mappings stay valid until their references drain.
func RemoveFiles(dir string, fid uint32) {
	if err := os.Remove(DataFileName(dir, fid)); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove segment file", "fid", fid, "error", err)
	}
	if err := os.Remove(HintFileName(dir, fid)); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove hint file", "fid", fid, "error", err)
	}
}
