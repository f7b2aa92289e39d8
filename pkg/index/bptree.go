package index

import (
	"bytes"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"flintkv/pkg/record"
)

const bptreeFileName = "bptree-index"

var bptreeBucket = []byte("flintkv-index")

// bpTree persists the key directory in a bbolt B+tree. The engine skips the
// in-memory rebuild at open when this backend is selected.
type bpTree struct {
	db *bolt.DB
}

func newBPTree(dir string) (*bpTree, error) {
	db, err := bolt.Open(filepath.Join(dir, bptreeFileName), 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("open bptree index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bptreeBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bptree bucket: %w", err)
	}
	return &bpTree{db: db}, nil
}

func (bp *bpTree) Put(key []byte, pos record.Pointer) (record.Pointer, bool) {
	var old record.Pointer
	var existed bool
	_ = bp.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bptreeBucket)
		if v := b.Get(key); v != nil {
			if p, err := record.DecodePointer(v); err == nil {
				old, existed = p, true
			}
		}
		return b.Put(key, pos.Encode())
	})
	return old, existed
}

func (bp *bpTree) Get(key []byte) (record.Pointer, bool) {
	var pos record.Pointer
	var found bool
	_ = bp.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bptreeBucket).Get(key); v != nil {
			if p, err := record.DecodePointer(v); err == nil {
				pos, found = p, true
			}
		}
		return nil
	})
	return pos, found
}

func (bp *bpTree) Delete(key []byte) (record.Pointer, bool) {
	var old record.Pointer
	var existed bool
	_ = bp.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bptreeBucket)
		if v := b.Get(key); v != nil {
			if p, err := record.DecodePointer(v); err == nil {
				old, existed = p, true
			}
			return b.Delete(key)
		}
		return nil
	})
	return old, existed
}

func (bp *bpTree) Size() int {
	var n int
	_ = bp.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bptreeBucket).Stats().KeyN
		return nil
	})
	return n
}

func (bp *bpTree) Iterator(opts IterOptions) Iterator {
	tx, err := bp.db.Begin(false)
	if err != nil {
		return newSliceIterator(nil, opts.Reverse)
	}
	it := &bptreeIterator{
		tx:     tx,
		cursor: tx.Bucket(bptreeBucket).Cursor(),
		opts:   opts,
	}
	it.Rewind()
	return it
}

func (bp *bpTree) Close() error {
	return bp.db.Close()
}

// bptreeIterator walks a bbolt cursor lazily inside one read transaction,
// released by Close.
type bptreeIterator struct {
	tx     *bolt.Tx
	cursor *bolt.Cursor
	opts   IterOptions

	key []byte
	val []byte
}

func (it *bptreeIterator) Rewind() {
	if it.opts.Reverse {
		it.key, it.val = it.cursor.Last()
	} else if len(it.opts.Prefix) > 0 {
		it.key, it.val = it.cursor.Seek(it.opts.Prefix)
	} else {
		it.key, it.val = it.cursor.First()
	}
	it.skipNonPrefix()
}

func (it *bptreeIterator) Seek(key []byte) {
	it.key, it.val = it.cursor.Seek(key)
	if it.opts.Reverse {
		// bbolt Seek lands on the first key >= target; reversed iteration
		// wants the last key <= target.
		if it.key == nil {
			it.key, it.val = it.cursor.Last()
		} else if !bytes.Equal(it.key, key) {
			it.key, it.val = it.cursor.Prev()
		}
	}
	it.skipNonPrefix()
}

func (it *bptreeIterator) Valid() bool {
	return it.key != nil
}

func (it *bptreeIterator) Next() {
	if it.opts.Reverse {
		it.key, it.val = it.cursor.Prev()
	} else {
		it.key, it.val = it.cursor.Next()
	}
	it.skipNonPrefix()
}

func (it *bptreeIterator) Key() []byte {
	return it.key
}

func (it *bptreeIterator) Value() record.Pointer {
	p, _ := record.DecodePointer(it.val)
	return p
}

func (it *bptreeIterator) Close() error {
	return it.tx.Rollback()
}

func (it *bptreeIterator) skipNonPrefix() {
	if len(it.opts.Prefix) == 0 {
		return
	}
	for it.key != nil && !bytes.HasPrefix(it.key, it.opts.Prefix) {
		if !it.opts.Reverse && bytes.Compare(it.key, it.opts.Prefix) > 0 {
			it.key, it.val = nil, nil
			return
		}
		if it.opts.Reverse {
			it.key, it.val = it.cursor.Prev()
		} else {
			it.key, it.val = it.cursor.Next()
		}
	}
}
