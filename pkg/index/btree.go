package index

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"flintkv/pkg/record"
)

const btreeDegree = 32

type btreeItem struct {
	key []byte
	pos record.Pointer
}

func btreeLess(a, b btreeItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// bTree guards a google/btree behind an RWMutex. Iterators work on a Clone of
// the tree, which is copy-on-write and cheap to take.
type bTree struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[btreeItem]
}

func newBTree() *bTree {
	return &bTree{tree: btree.NewG(btreeDegree, btreeLess)}
}

func (bt *bTree) Put(key []byte, pos record.Pointer) (record.Pointer, bool) {
	bt.mu.Lock()
	old, ok := bt.tree.ReplaceOrInsert(btreeItem{key: key, pos: pos})
	bt.mu.Unlock()
	return old.pos, ok
}

func (bt *bTree) Get(key []byte) (record.Pointer, bool) {
	bt.mu.RLock()
	item, ok := bt.tree.Get(btreeItem{key: key})
	bt.mu.RUnlock()
	return item.pos, ok
}

func (bt *bTree) Delete(key []byte) (record.Pointer, bool) {
	bt.mu.Lock()
	old, ok := bt.tree.Delete(btreeItem{key: key})
	bt.mu.Unlock()
	return old.pos, ok
}

func (bt *bTree) Size() int {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.tree.Len()
}

func (bt *bTree) Iterator(opts IterOptions) Iterator {
	bt.mu.RLock()
	snap := bt.tree.Clone()
	bt.mu.RUnlock()

	items := make([]btreeItem, 0, snap.Len())
	walk := func(it btreeItem) bool {
		if len(opts.Prefix) > 0 && !bytes.HasPrefix(it.key, opts.Prefix) {
			// Keys outside the prefix terminate the ascending walk once we
			// are past it; before it we just keep going.
			if bytes.Compare(it.key, opts.Prefix) > 0 {
				return false
			}
			return true
		}
		items = append(items, it)
		return true
	}
	if len(opts.Prefix) > 0 {
		snap.AscendGreaterOrEqual(btreeItem{key: opts.Prefix}, walk)
	} else {
		snap.Ascend(walk)
	}
	return newSliceIterator(items, opts.Reverse)
}

func (bt *bTree) Close() error {
	return nil
}
