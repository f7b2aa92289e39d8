// Package dberrors defines the sentinel errors shared across the engine.
package dberrors

import "errors"

var (
	ErrKeyIsEmpty       = errors.New("flintkv: key is empty")
	ErrKeyNotFound      = errors.New("flintkv: key not found")
	ErrClosed           = errors.New("flintkv: engine is closed")
	ErrDatabaseIsUsing  = errors.New("flintkv: database directory is locked by another process")
	ErrSegmentNotFound  = errors.New("flintkv: segment not found for index pointer")
	ErrInvalidCRC       = errors.New("flintkv: invalid record checksum")
	ErrCorruptedRecord  = errors.New("flintkv: corrupted record")
	ErrCorruptedDir     = errors.New("flintkv: database directory is corrupted")
	ErrReadOnlyFile     = errors.New("flintkv: file is read-only")
	ErrExceedMaxBatch   = errors.New("flintkv: batch exceeds the max operation count")
	ErrBatchUnavailable = errors.New("flintkv: write batch unavailable until a clean close under the bptree index")
	ErrMergeInProgress  = errors.New("flintkv: compaction already in progress")
	ErrMergeThreshold   = errors.New("flintkv: reclaimable ratio below compaction threshold")
	ErrNoEnoughSpace    = errors.New("flintkv: not enough free disk space for compaction")
	ErrInvalidOptions   = errors.New("flintkv: invalid engine options")
)
