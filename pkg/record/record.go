// Package record implements the binary codec shared by segment and hint files.
//
// A record is laid out as:
//
//	+--------+------+---------+-----------+-----------+-----+-------+
//	| crc(4) | type | seq     | keyLen    | valLen    | key | value |
//	+--------+------+---------+-----------+-----------+-----+-------+
//	  LE u32   1B     uvarint   uvarint     uvarint      x      y
//
// The checksum covers every byte after itself. Lengths are unsigned varints,
// so small records carry almost no framing overhead.
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"flintkv/pkg/dberrors"
)

// Type tags a record's role in the log.
type Type = byte

const (
	// TypePut marks a live key-value pair. A zero-length value is valid and
	// distinct from a delete.
	TypePut Type = 1
	// TypeDelete is a tombstone; it carries no value.
	TypeDelete Type = 2
	// TypeTxnCommit terminates a write batch's contiguous run of records.
	TypeTxnCommit Type = 3
	// TypeHintDone terminates a hint file; its value holds the segment's max
	// transaction sequence number.
	TypeHintDone Type = 4
)

const (
	crcSize = 4
	// MaxHeaderSize bounds the fixed portion of a record: checksum, type and
	// three maximum-width varints.
	MaxHeaderSize = crcSize + 1 + binary.MaxVarintLen64 + 2*binary.MaxVarintLen32

	// NonTxnSeq is the sequence number of records written outside a batch.
	NonTxnSeq uint64 = 0
)

// Record is a single decoded log entry.
type Record struct {
	Type  Type
	Seq   uint64
	Key   []byte
	Value []byte
}

// Header is the decoded fixed portion of a record.
type Header struct {
	CRC     uint32
	Type    Type
	Seq     uint64
	KeySize uint32
	ValSize uint32
	// Size is the number of header bytes consumed, including the checksum.
	Size int64
}

// EncodedSize returns the exact on-disk size of the record.
func (r *Record) EncodedSize() int64 {
	return int64(crcSize + 1 +
		uvarintLen(r.Seq) +
		uvarintLen(uint64(len(r.Key))) +
		uvarintLen(uint64(len(r.Value))) +
		len(r.Key) + len(r.Value))
}

// Encode serializes the record and stamps its checksum.
func (r *Record) Encode() []byte {
	buf := make([]byte, r.EncodedSize())
	n := crcSize
	buf[n] = r.Type
	n++
	n += binary.PutUvarint(buf[n:], r.Seq)
	n += binary.PutUvarint(buf[n:], uint64(len(r.Key)))
	n += binary.PutUvarint(buf[n:], uint64(len(r.Value)))
	n += copy(buf[n:], r.Key)
	copy(buf[n:], r.Value)

	binary.LittleEndian.PutUint32(buf[:crcSize], crc32.ChecksumIEEE(buf[crcSize:]))
	return buf
}

// DecodeHeader parses the fixed portion of a record from buf. buf may be
// shorter than MaxHeaderSize when the record sits near the end of a file; it
// must still contain the complete header or ErrCorruptedRecord is returned.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < crcSize+1 {
		return h, fmt.Errorf("%w: %d-byte header", dberrors.ErrCorruptedRecord, len(buf))
	}
	h.CRC = binary.LittleEndian.Uint32(buf[:crcSize])
	h.Type = buf[crcSize]
	if h.Type < TypePut || h.Type > TypeHintDone {
		return h, fmt.Errorf("%w: unknown record type %d", dberrors.ErrCorruptedRecord, h.Type)
	}
	n := crcSize + 1

	seq, sz := binary.Uvarint(buf[n:])
	if sz <= 0 {
		return h, fmt.Errorf("%w: truncated sequence number", dberrors.ErrCorruptedRecord)
	}
	n += sz
	keySize, sz := binary.Uvarint(buf[n:])
	if sz <= 0 {
		return h, fmt.Errorf("%w: truncated key length", dberrors.ErrCorruptedRecord)
	}
	n += sz
	valSize, sz := binary.Uvarint(buf[n:])
	if sz <= 0 {
		return h, fmt.Errorf("%w: truncated value length", dberrors.ErrCorruptedRecord)
	}
	n += sz

	h.Seq = seq
	h.KeySize = uint32(keySize)
	h.ValSize = uint32(valSize)
	h.Size = int64(n)
	return h, nil
}

// Verify recomputes the checksum over the header tail and the key/value bytes
// and compares it against the stored CRC. headerBuf must hold exactly the
// encoded header (h.Size bytes) and kv the key immediately followed by the
// value.
func Verify(h Header, headerBuf, kv []byte) error {
	crc := crc32.ChecksumIEEE(headerBuf[crcSize:h.Size])
	crc = crc32.Update(crc, crc32.IEEETable, kv)
	if crc != h.CRC {
		return dberrors.ErrInvalidCRC
	}
	return nil
}

// Decode parses a complete record from buf, verifying its checksum. It is the
// inverse of Encode for buffers that hold exactly one record prefix.
func Decode(buf []byte) (*Record, int64, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	total := h.Size + int64(h.KeySize) + int64(h.ValSize)
	if int64(len(buf)) < total {
		return nil, 0, fmt.Errorf("%w: record of %d bytes truncated at %d",
			dberrors.ErrCorruptedRecord, total, len(buf))
	}
	kv := buf[h.Size:total]
	if err := Verify(h, buf[:h.Size], kv); err != nil {
		return nil, 0, err
	}
	r := &Record{
		Type:  h.Type,
		Seq:   h.Seq,
		Key:   kv[:h.KeySize:h.KeySize],
		Value: kv[h.KeySize:],
	}
	return r, total, nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
