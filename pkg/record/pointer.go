package record

import (
	"encoding/binary"
	"fmt"

	"flintkv/pkg/dberrors"
)

// Pointer locates one record's bytes inside a segment.
type Pointer struct {
	// Fid is the owning segment's id.
	Fid uint32
	// Offset is the record's start position within the segment.
	Offset int64
	// Size is the encoded record length in bytes.
	Size uint32
}

// Encode packs the pointer as three unsigned varints. Hint files store this
// as the entry value.
func (p Pointer) Encode() []byte {
	buf := make([]byte, 3*binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(p.Fid))
	n += binary.PutUvarint(buf[n:], uint64(p.Offset))
	n += binary.PutUvarint(buf[n:], uint64(p.Size))
	return buf[:n]
}

// DecodePointer is the inverse of Pointer.Encode.
func DecodePointer(buf []byte) (Pointer, error) {
	var p Pointer
	fid, n := binary.Uvarint(buf)
	if n <= 0 {
		return p, fmt.Errorf("%w: bad pointer fid", dberrors.ErrCorruptedRecord)
	}
	off, m := binary.Uvarint(buf[n:])
	if m <= 0 {
		return p, fmt.Errorf("%w: bad pointer offset", dberrors.ErrCorruptedRecord)
	}
	n += m
	size, m := binary.Uvarint(buf[n:])
	if m <= 0 {
		return p, fmt.Errorf("%w: bad pointer size", dberrors.ErrCorruptedRecord)
	}
	p.Fid = uint32(fid)
	p.Offset = int64(off)
	p.Size = uint32(size)
	return p, nil
}
