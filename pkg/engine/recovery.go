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

	"flintkv/pkg/dberrors"
	"flintkv/pkg/record"
	"flintkv/pkg/segment"
)

// stashedRecord is a batch record seen during a scan whose commit marker has
// not been reached yet.
type stashedRecord struct {
	typ record.Type
	key []byte
	pos record.Pointer
}

// loadSegments opens every data file in the directory, sealed ones through
// mmap and the highest-numbered one writable as the active segment. An empty
// directory gets a fresh segment zero.
func (e *Engine) loadSegments() error {
	fids, err := listSegmentFids(e.opts.DirPath)
	if err != nil {
		return err
	}

	if len(fids) == 0 {
		active, err := segment.Create(e.opts.DirPath, initialFid)
		if err != nil {
			return err
		}
		e.active = active
		return nil
	}

	for i, fid := range fids {
		if i == len(fids)-1 {
			active, err := segment.Create(e.opts.DirPath, fid)
			if err != nil {
				return err
			}
			e.active = active
			continue
		}
		s, err := segment.OpenMmap(e.opts.DirPath, fid)
		if err != nil {
			return err
		}
		e.olders[fid] = s
	}
	return nil
}

// loadIndex rebuilds the in-memory index, taking the fast path through each
// sealed segment's hint file when one is complete and scanning the segment
// otherwise. The active segment is always scanned so pendingHints can be
// rebuilt.
func (e *Engine) loadIndex() error {
	fids := make([]uint32, 0, len(e.olders)+1)
	for fid := range e.olders {
		fids = append(fids, fid)
	}
	fids = append(fids, e.active.Fid())
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	var maxSeq uint64
	stash := make(map[uint64][]stashedRecord)

	for _, fid := range fids {
		if fid == e.active.Fid() {
			seq, err := e.scanSegment(e.active, true, stash)
			if err != nil {
				return err
			}
			if seq > maxSeq {
				maxSeq = seq
			}
			continue
		}

		entries, hintSeq, complete, err := segment.ReadHintFile(segment.HintFileName(e.opts.DirPath, fid))
		if err != nil {
			return err
		}
		if complete {
			for _, ent := range entries {
				e.applyLoaded(ent.Type, ent.Key, ent.Pos)
			}
			if hintSeq > maxSeq {
				maxSeq = hintSeq
			}
			continue
		}

		seq, err := e.scanSegment(e.olders[fid], false, stash)
		if err != nil {
			return err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	// Batch records with no commit marker belong to a torn commit and are
	// dropped on the floor.
	e.seqNo.Store(maxSeq)
	return nil
}

// scanSegment replays one segment record by record. Decode failures at the
// tail of the active segment are treated as a torn write and truncated away;
// anywhere else they are fatal.
func (e *Engine) scanSegment(s *segment.Segment, isActive bool, stash map[uint64][]stashedRecord) (uint64, error) {
	var (
		off    int64
		maxSeq uint64
	)

	apply := func(typ record.Type, key []byte, pos record.Pointer, seq uint64) {
		e.applyLoaded(typ, key, pos)
		if isActive {
			e.pendingHints[string(key)] = segment.HintEntry{Key: key, Type: typ, Pos: pos}
			if seq > e.pendingSeq {
				e.pendingSeq = seq
			}
		}
	}

	for {
		rec, n, err := s.ReadRecord(off)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if isActive {
				slog.Warn("truncating torn tail of active segment",
					"fid", s.Fid(), "offset", off, "error", err)
				if terr := s.Truncate(off); terr != nil {
					return 0, fmt.Errorf("truncate torn segment %09d: %w", s.Fid(), terr)
				}
				break
			}
			return 0, fmt.Errorf("%w: segment %09d offset %d: %v",
				dberrors.ErrCorruptedDir, s.Fid(), off, err)
		}

		pos := record.Pointer{Fid: s.Fid(), Offset: off, Size: uint32(n)}
		switch {
		case rec.Seq == record.NonTxnSeq:
			apply(rec.Type, rec.Key, pos, record.NonTxnSeq)
		case rec.Type == record.TypeTxnCommit:
			for _, st := range stash[rec.Seq] {
				apply(st.typ, st.key, st.pos, rec.Seq)
			}
			delete(stash, rec.Seq)
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
		default:
			stash[rec.Seq] = append(stash[rec.Seq], stashedRecord{typ: rec.Type, key: rec.Key, pos: pos})
		}
		off += n
	}

	if isActive {
		s.SetWriteOff(off)
	}
	return maxSeq, nil
}

// applyLoaded folds one replayed record into the index and the reclaimable
// byte count.
func (e *Engine) applyLoaded(typ record.Type, key []byte, pos record.Pointer) {
	if typ == record.TypeDelete {
		e.reclaimable.Add(int64(pos.Size))
		if old, existed := e.idx.Delete(key); existed {
			e.reclaimable.Add(int64(old.Size))
		}
		return
	}
	if old, existed := e.idx.Put(key, pos); existed {
		e.reclaimable.Add(int64(old.Size))
	}
}

// loadSeqNoFile restores the transaction sequence number persisted by the
// last clean Close. Only the B+ tree backend needs it, since that index never
// replays the log.
func (e *Engine) loadSeqNoFile() error {
	path := filepath.Join(e.opts.DirPath, seqNoFileName)
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	rec, _, err := record.Decode(buf)
	if err != nil {
		return fmt.Errorf("decode sequence number file: %w", err)
	}
	seq, err := strconv.ParseUint(string(rec.Value), 10, 64)
	if err != nil {
		return fmt.Errorf("parse sequence number: %w", err)
	}
	e.seqNo.Store(seq)
	e.seqFileExists = true
	return os.Remove(path)
}

// repointAfterMerge fixes the persisted B+ tree index after a staged merge
// was replayed during this open: pointers still aimed below the non-merged
// boundary reference files the replay removed or overwrote, and their records
// now live where the merged segments' hint files say. Pointers at or above
// the boundary belong to writes newer than the merge and are left alone.
func (e *Engine) repointAfterMerge(rep mergeReplay) error {
	if !rep.replayed {
		return nil
	}
	for fid := uint32(0); fid < rep.outputs; fid++ {
		entries, _, complete, err := segment.ReadHintFile(segment.HintFileName(e.opts.DirPath, fid))
		if err != nil {
			return err
		}
		if !complete {
			return fmt.Errorf("%w: merged segment %09d has no usable hint file",
				dberrors.ErrCorruptedDir, fid)
		}
		for _, ent := range entries {
			cur, ok := e.idx.Get(ent.Key)
			if !ok || cur.Fid >= rep.nonMergedFid {
				continue
			}
			e.idx.Put(ent.Key, ent.Pos)
		}
	}
	return nil
}

// listSegmentFids returns the ids of every data file in dir, ascending.
func listSegmentFids(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var fids []uint32
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, segment.DataSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segment.DataSuffix), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: unexpected data file %q", dberrors.ErrCorruptedDir, name)
		}
		fids = append(fids, uint32(id))
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	return fids, nil
}
