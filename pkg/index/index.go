// Package index provides the pluggable in-memory key directory. All backends
// expose identical semantics; the choice is a performance trade-off only.
package index

import (
	"fmt"

	"flintkv/pkg/record"
)

// Type selects an index backend.
type Type byte

const (
	// BTree keeps the directory in a balanced tree behind a lock; a good
	// default for small-to-medium resident key sets.
	BTree Type = iota + 1
	// SkipList keeps the directory in a lock-free concurrent skip list,
	// favouring write-heavy workloads.
	SkipList
	// BPTree keeps the directory in a disk-resident B+tree, trading write
	// latency for persistence across restarts and very large key sets.
	BPTree
)

// Indexer maps keys to the position of their most recent record.
//
// Get, Put and Delete are safe for concurrent use across distinct keys. The
// previous-pointer return of Put and Delete is only meaningful when callers
// serialize mutations of the same key, which the engine does through its lock
// stripes.
type Indexer interface {
	// Put stores a pointer and returns the one it replaced, if any.
	Put(key []byte, pos record.Pointer) (record.Pointer, bool)
	// Get returns the pointer for key.
	Get(key []byte) (record.Pointer, bool)
	// Delete removes key and returns the pointer it held, if any.
	Delete(key []byte) (record.Pointer, bool)
	// Size returns the number of live keys.
	Size() int
	// Iterator returns an ascending (or descending, per opts) cursor over the
	// directory. It is safe to iterate while other keys are mutated.
	Iterator(opts IterOptions) Iterator
	Close() error
}

// IterOptions narrows and orients an index iteration.
type IterOptions struct {
	// Prefix restricts iteration to keys with this prefix.
	Prefix []byte
	// Reverse walks keys in descending order.
	Reverse bool
}

// Iterator walks index entries in key order. Seek positions the cursor at the
// first key >= target (<= target when reversed).
type Iterator interface {
	Rewind()
	Seek(key []byte)
	Valid() bool
	Next()
	Key() []byte
	Value() record.Pointer
	Close() error
}

// New constructs the backend named by typ. dir is only used by the disk-backed
// B+tree.
func New(typ Type, dir string) (Indexer, error) {
	switch typ {
	case BTree:
		return newBTree(), nil
	case SkipList:
		return newSkipList(), nil
	case BPTree:
		return newBPTree(dir)
	default:
		return nil, fmt.Errorf("unknown index type %d", typ)
	}
}
