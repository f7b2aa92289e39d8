package engine

import (
	"fmt"

	"flintkv/pkg/dberrors"
	"flintkv/pkg/index"
)

// Options configures an engine instance.
type Options struct {
	// DirPath is the database directory.
	DirPath string

	// SegmentSize is the rollover threshold for the active segment in bytes.
	SegmentSize int64

	// SyncWrites forces an fsync after every append.
	SyncWrites bool

	// BytesPerSync syncs after this many appended bytes when SyncWrites is
	// off. Zero disables interval syncing.
	BytesPerSync int64

	// IndexType selects the key directory backend.
	IndexType index.Type

	// CompactionThreshold is the minimum ratio of reclaimable bytes to total
	// directory size before Compact agrees to run.
	CompactionThreshold float64

	// CacheCapacity sizes the read cache in bytes. Zero disables it.
	CacheCapacity int64
}

// DefaultOptions is a reasonable development baseline.
func DefaultOptions(dir string) Options {
	return Options{
		DirPath:             dir,
		SegmentSize:         256 * 1024 * 1024,
		SyncWrites:          false,
		BytesPerSync:        0,
		IndexType:           index.BTree,
		CompactionThreshold: 0.6,
		CacheCapacity:       0,
	}
}

// WriteBatchOptions configures a single write batch.
type WriteBatchOptions struct {
	// MaxBatchNum caps the number of buffered operations per batch.
	MaxBatchNum int

	// SyncWrites syncs the run before the commit is acknowledged.
	SyncWrites bool
}

// DefaultWriteBatchOptions mirrors the engine defaults for batches.
func DefaultWriteBatchOptions() WriteBatchOptions {
	return WriteBatchOptions{
		MaxBatchNum: 10000,
		SyncWrites:  true,
	}
}

func errInvalid(msg string) error {
	return fmt.Errorf("%w: %s", dberrors.ErrInvalidOptions, msg)
}

func checkOptions(opts Options) error {
	if opts.DirPath == "" {
		return errInvalid("DirPath is empty")
	}
	if opts.SegmentSize <= 0 {
		return errInvalid("SegmentSize must be positive")
	}
	if opts.CompactionThreshold < 0 || opts.CompactionThreshold > 1 {
		return errInvalid("CompactionThreshold must be within [0, 1]")
	}
	return nil
}
