package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"flintkv/internal/fsutil"
	"flintkv/pkg/dberrors"
	"flintkv/pkg/record"
	"flintkv/pkg/segment"
)

// remap is one index repoint queued by the copy loop: key moved from oldPos
// in a retired segment to newPos in a staged one.
type remap struct {
	key    []byte
	oldPos record.Pointer
	newPos record.Pointer
}

// Compact rewrites every sealed segment, keeping only the records the index
// still points to, and installs the result without stopping reads or writes.
// Staged output ids start at zero so they sort below the active segment and
// replay in the right order on a later recovery.
func (e *Engine) Compact() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if !e.mergeMu.TryLock() {
		return dberrors.ErrMergeInProgress
	}
	defer e.mergeMu.Unlock()
	// Close waits on mergeMu, so past this check the engine stays open for
	// the whole run.
	if e.closed.Load() {
		return dberrors.ErrClosed
	}

	dirSize, err := fsutil.DirSize(e.opts.DirPath)
	if err != nil {
		return err
	}
	reclaimable := e.reclaimable.Load()
	if dirSize == 0 || float64(reclaimable)/float64(dirSize) < e.opts.CompactionThreshold {
		return dberrors.ErrMergeThreshold
	}
	avail, err := fsutil.AvailableSpace(e.opts.DirPath)
	if err != nil {
		return err
	}
	if liveSize := dirSize - reclaimable; liveSize < 0 || uint64(liveSize) >= avail {
		return dberrors.ErrNoEnoughSpace
	}

	// Seal the current active segment so everything below the new active id
	// is immutable and eligible for the rewrite.
	e.appendMu.Lock()
	if e.active.WriteOff() > 0 {
		if err := e.rollActiveLocked(); err != nil {
			e.appendMu.Unlock()
			return err
		}
	}
	nonMergedFid := e.active.Fid()
	e.appendMu.Unlock()

	e.mu.RLock()
	snapshot := make([]*segment.Segment, 0, len(e.olders))
	for fid, s := range e.olders {
		if fid < nonMergedFid {
			s.Acquire()
			snapshot = append(snapshot, s)
		}
	}
	e.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Fid() < snapshot[j].Fid() })

	if len(snapshot) == 0 {
		return dberrors.ErrMergeThreshold
	}
	releaseSnapshot := func() {
		for _, s := range snapshot {
			s.Release()
		}
	}

	mergePath := stagingPath(e.opts.DirPath)
	if err := os.RemoveAll(mergePath); err != nil {
		releaseSnapshot()
		return err
	}
	if err := os.MkdirAll(mergePath, 0755); err != nil {
		releaseSnapshot()
		return err
	}

	res, err := e.copyLive(snapshot, mergePath)
	if err != nil {
		releaseSnapshot()
		_ = os.RemoveAll(mergePath)
		return err
	}

	if err := writeMergeFin(mergePath, nonMergedFid, res.outputs); err != nil {
		releaseSnapshot()
		_ = os.RemoveAll(mergePath)
		return err
	}

	if err := e.install(snapshot, mergePath, nonMergedFid, res); err != nil {
		releaseSnapshot()
		return err
	}
	releaseSnapshot()
	return nil
}

type copyResult struct {
	outputs     uint32  // number of staged segments
	remaps      []remap // queued index repoints
	totalBytes  int64   // bytes in the merged input segments
	copiedBytes int64   // bytes written to staged segments, marker excluded
}

// copyLive streams every still-referenced record from the snapshot into fresh
// segments under mergePath, rewriting their sequence numbers to zero and
// emitting a hint file per output. Records overwritten while the copy runs
// simply fail their index repoint later and stay dead in the output.
func (e *Engine) copyLive(snapshot []*segment.Segment, mergePath string) (copyResult, error) {
	var (
		res   copyResult
		out   *segment.Segment
		hints []segment.HintEntry
	)

	sealOutput := func() error {
		if out == nil {
			return nil
		}
		if err := out.Sync(); err != nil {
			return err
		}
		if err := segment.WriteHintFile(segment.HintFileName(mergePath, out.Fid()), hints, record.NonTxnSeq); err != nil {
			return err
		}
		hints = nil
		out.Release()
		return nil
	}
	nextOutput := func() error {
		if err := sealOutput(); err != nil {
			return err
		}
		s, err := segment.Create(mergePath, res.outputs)
		if err != nil {
			return err
		}
		res.outputs++
		out = s
		return nil
	}
	if err := nextOutput(); err != nil {
		return res, err
	}

	for _, src := range snapshot {
		var off int64
		for {
			rec, n, err := src.ReadRecord(off)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return res, fmt.Errorf("compact: segment %09d offset %d: %w", src.Fid(), off, err)
			}
			res.totalBytes += n

			oldPos := record.Pointer{Fid: src.Fid(), Offset: off, Size: uint32(n)}
			off += n

			if rec.Type != record.TypePut {
				continue
			}
			cur, ok := e.idx.Get(rec.Key)
			if !ok || cur != oldPos {
				continue
			}

			rec.Seq = record.NonTxnSeq
			buf := rec.Encode()
			if base := out.WriteOff(); base > 0 && base+int64(len(buf)) > e.opts.SegmentSize {
				if err := nextOutput(); err != nil {
					return res, err
				}
			}
			newOff, err := out.Append(buf)
			if err != nil {
				return res, err
			}
			res.copiedBytes += int64(len(buf))

			newPos := record.Pointer{Fid: out.Fid(), Offset: newOff, Size: uint32(len(buf))}
			hints = append(hints, segment.HintEntry{Key: rec.Key, Type: record.TypePut, Pos: newPos})
			res.remaps = append(res.remaps, remap{key: rec.Key, oldPos: oldPos, newPos: newPos})
		}
	}

	return res, sealOutput()
}

// install atomically replaces the snapshot with the staged segments: the
// segment table swap and every index repoint happen under one table write
// lock, so no reader can hold a pointer into a segment that is gone. Retired
// files are unlinked immediately; open handles keep their mappings alive
// until the last reader releases them.
func (e *Engine) install(snapshot []*segment.Segment, mergePath string, nonMergedFid uint32, res copyResult) error {
	staged := make(map[uint32]*segment.Segment, res.outputs)
	for fid := uint32(0); fid < res.outputs; fid++ {
		s, err := segment.OpenMmapPath(segment.DataFileName(mergePath, fid), fid)
		if err != nil {
			for _, t := range staged {
				t.Release()
			}
			return err
		}
		staged[fid] = s
	}

	var deadCopies int64

	e.mu.Lock()
	retired := make([]*segment.Segment, 0, len(snapshot))
	newOlders := make(map[uint32]*segment.Segment, len(staged))
	for fid, s := range e.olders {
		if fid < nonMergedFid {
			retired = append(retired, s)
		} else {
			newOlders[fid] = s
		}
	}
	for fid, s := range staged {
		newOlders[fid] = s
	}
	e.olders = newOlders

	for _, rm := range res.remaps {
		m := e.stripes.lock(rm.key)
		if cur, ok := e.idx.Get(rm.key); ok && cur == rm.oldPos {
			e.idx.Put(rm.key, rm.newPos)
		} else {
			deadCopies += int64(rm.newPos.Size)
		}
		m.Unlock()
	}

	// Staged outputs reuse low segment ids, so cached values keyed by the old
	// occupants of those ids would answer for the wrong records.
	e.cacheGen.Add(1)
	e.cache.clear()
	e.mu.Unlock()

	// Every byte of the merged inputs was either copied or already accounted
	// reclaimable when it went dead; copies that lost their repoint race are
	// the new garbage.
	e.reclaimable.Add(deadCopies - (res.totalBytes - res.copiedBytes))

	for _, s := range retired {
		s.Release()
	}

	for fid := uint32(0); fid < res.outputs; fid++ {
		if err := os.Rename(segment.DataFileName(mergePath, fid), segment.DataFileName(e.opts.DirPath, fid)); err != nil {
			return err
		}
		if err := os.Rename(segment.HintFileName(mergePath, fid), segment.HintFileName(e.opts.DirPath, fid)); err != nil {
			return err
		}
	}
	for _, s := range retired {
		if s.Fid() >= res.outputs {
			segment.RemoveFiles(e.opts.DirPath, s.Fid())
		}
	}
	return os.RemoveAll(mergePath)
}

// stagingPath is the sibling directory compaction writes into.
func stagingPath(dir string) string {
	return filepath.Clean(dir) + mergeDirSuffix
}

// writeMergeFin persists the marker that makes a staged compaction real. Its
// value names the first non-merged segment id and the staged segment count,
// which is everything a later recovery needs to finish the install.
func writeMergeFin(mergePath string, nonMergedFid, outputs uint32) error {
	rec := record.Record{
		Type:  record.TypePut,
		Key:   []byte(mergeFinKey),
		Value: []byte(fmt.Sprintf("%d,%d", nonMergedFid, outputs)),
	}
	f, err := os.OpenFile(filepath.Join(mergePath, mergeFinName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(rec.Encode()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// mergeReplay describes a staged compaction finished during Open.
type mergeReplay struct {
	nonMergedFid uint32
	outputs      uint32
	replayed     bool
}

// loadStagedMerge finishes a compaction whose staging completed but whose
// install may not have: staged segments are renamed in, superseded ones are
// removed and the staging directory is dropped. Without a completion marker
// the staging directory is discarded wholesale. The replay is idempotent.
func loadStagedMerge(dir string) (mergeReplay, error) {
	var rep mergeReplay

	mergePath := stagingPath(dir)
	if _, err := os.Stat(mergePath); os.IsNotExist(err) {
		return rep, nil
	}

	nonMergedFid, outputs, ok := readMergeFin(mergePath)
	if !ok {
		slog.Warn("discarding incomplete compaction staging", "path", mergePath)
		return rep, os.RemoveAll(mergePath)
	}

	for fid := uint32(0); fid < outputs; fid++ {
		stagedData := segment.DataFileName(mergePath, fid)
		if _, err := os.Stat(stagedData); os.IsNotExist(err) {
			// Already installed before the crash.
			continue
		}
		if err := os.Rename(stagedData, segment.DataFileName(dir, fid)); err != nil {
			return rep, err
		}
		stagedHint := segment.HintFileName(mergePath, fid)
		if _, err := os.Stat(stagedHint); err == nil {
			if err := os.Rename(stagedHint, segment.HintFileName(dir, fid)); err != nil {
				return rep, err
			}
		}
	}

	fids, err := listSegmentFids(dir)
	if err != nil {
		return rep, err
	}
	for _, fid := range fids {
		if fid >= outputs && fid < nonMergedFid {
			segment.RemoveFiles(dir, fid)
		}
	}

	rep = mergeReplay{nonMergedFid: nonMergedFid, outputs: outputs, replayed: true}
	return rep, os.RemoveAll(mergePath)
}

// readMergeFin parses the completion marker, reporting ok=false when it is
// missing or torn.
func readMergeFin(mergePath string) (nonMergedFid, outputs uint32, ok bool) {
	buf, err := os.ReadFile(filepath.Join(mergePath, mergeFinName))
	if err != nil {
		return 0, 0, false
	}
	rec, _, err := record.Decode(buf)
	if err != nil || string(rec.Key) != mergeFinKey {
		return 0, 0, false
	}
	a, b, found := strings.Cut(string(rec.Value), ",")
	if !found {
		return 0, 0, false
	}
	nm, err1 := strconv.ParseUint(a, 10, 32)
	out, err2 := strconv.ParseUint(b, 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(nm), uint32(out), true
}
