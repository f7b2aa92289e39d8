package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"flintkv/pkg/fio"
	"flintkv/pkg/record"
)

// hintDoneKey names the completion marker that terminates every hint file.
// A hint file without it is ignored and recovery falls back to a full scan.
var hintDoneKey = []byte("hint.fin")

// HintEntry is one persisted index projection: the net effect of a segment on
// a single key at the time the segment was sealed.
type HintEntry struct {
	Key []byte
	// Type is TypePut for a live pointer, TypeDelete for a tombstone.
	Type record.Type
	Pos  record.Pointer
}

// WriteHintFile replaces the hint file at path with the given entries, framed
// by the record codec and terminated by a completion marker carrying the
// segment's highest transaction sequence number. The file is synced before
// returning.
func WriteHintFile(path string, entries []HintEntry, maxSeq uint64) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace hint file: %w", err)
	}
	f, err := fio.NewFileIO(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, e := range entries {
		rec := record.Record{
			Type:  e.Type,
			Key:   e.Key,
			Value: e.Pos.Encode(),
		}
		if _, err := f.Write(rec.Encode()); err != nil {
			return fmt.Errorf("write hint entry: %w", err)
		}
	}

	seqBuf := make([]byte, binary.MaxVarintLen64)
	done := record.Record{
		Type:  record.TypeHintDone,
		Key:   hintDoneKey,
		Value: seqBuf[:binary.PutUvarint(seqBuf, maxSeq)],
	}
	if _, err := f.Write(done.Encode()); err != nil {
		return fmt.Errorf("write hint completion marker: %w", err)
	}
	return f.Sync()
}

// ReadHintFile loads the hint entries at path. complete reports whether the
// trailing completion marker was found; callers must ignore incomplete hints.
// A missing file is reported as incomplete, not as an error.
func ReadHintFile(path string) (entries []HintEntry, maxSeq uint64, complete bool, err error) {
	f, err := fio.NewMmapIO(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return nil, 0, false, err
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, 0, false, fmt.Errorf("read hint file: %w", err)
		}
	}

	var off int64
	for off < size {
		rec, n, err := record.Decode(buf[off:])
		if err != nil {
			// A torn hint tail means the seal crashed mid-write; the caller
			// falls back to scanning the segment itself.
			return entries, maxSeq, false, nil
		}
		off += n

		if rec.Type == record.TypeHintDone {
			seq, _ := binary.Uvarint(rec.Value)
			return entries, seq, off == size, nil
		}

		pos, err := record.DecodePointer(rec.Value)
		if err != nil {
			return entries, maxSeq, false, nil
		}
		entries = append(entries, HintEntry{Key: rec.Key, Type: rec.Type, Pos: pos})
	}
	return entries, maxSeq, false, nil
}
