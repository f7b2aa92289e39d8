package index

import (
	"bytes"
	"sort"

	"flintkv/pkg/record"
)

// sliceIterator serves a materialized snapshot of index entries. The btree and
// skip-list backends both snapshot at creation time, so iteration is immune to
// concurrent single-key mutations.
type sliceIterator struct {
	items   []btreeItem
	pos     int
	reverse bool
}

func newSliceIterator(items []btreeItem, reverse bool) *sliceIterator {
	it := &sliceIterator{items: items, reverse: reverse}
	it.Rewind()
	return it
}

func (it *sliceIterator) Rewind() {
	if it.reverse {
		it.pos = len(it.items) - 1
	} else {
		it.pos = 0
	}
}

func (it *sliceIterator) Seek(key []byte) {
	if it.reverse {
		// Last entry <= key.
		it.pos = sort.Search(len(it.items), func(i int) bool {
			return bytes.Compare(it.items[i].key, key) > 0
		}) - 1
		return
	}
	// First entry >= key.
	it.pos = sort.Search(len(it.items), func(i int) bool {
		return bytes.Compare(it.items[i].key, key) >= 0
	})
}

func (it *sliceIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.items)
}

func (it *sliceIterator) Next() {
	if it.reverse {
		it.pos--
	} else {
		it.pos++
	}
}

func (it *sliceIterator) Key() []byte {
	return it.items[it.pos].key
}

func (it *sliceIterator) Value() record.Pointer {
	return it.items[it.pos].pos
}

func (it *sliceIterator) Close() error {
	it.items = nil
	return nil
}
