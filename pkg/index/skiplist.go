package index

import (
	"bytes"

	"github.com/zhangyunhao116/skipmap"

	"flintkv/pkg/record"
)

// skipList wraps a lock-free concurrent skip map. Inserts never block each
// other, which suits write-heavy workloads.
type skipList struct {
	m *skipmap.FuncMap[[]byte, record.Pointer]
}

func newSkipList() *skipList {
	return &skipList{
		m: skipmap.NewFunc[[]byte, record.Pointer](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (sl *skipList) Put(key []byte, pos record.Pointer) (record.Pointer, bool) {
	old, ok := sl.m.Load(key)
	sl.m.Store(key, pos)
	return old, ok
}

func (sl *skipList) Get(key []byte) (record.Pointer, bool) {
	return sl.m.Load(key)
}

func (sl *skipList) Delete(key []byte) (record.Pointer, bool) {
	return sl.m.LoadAndDelete(key)
}

func (sl *skipList) Size() int {
	return sl.m.Len()
}

func (sl *skipList) Iterator(opts IterOptions) Iterator {
	items := make([]btreeItem, 0, sl.m.Len())
	sl.m.Range(func(key []byte, pos record.Pointer) bool {
		if len(opts.Prefix) > 0 && !bytes.HasPrefix(key, opts.Prefix) {
			return true
		}
		items = append(items, btreeItem{key: key, pos: pos})
		return true
	})
	return newSliceIterator(items, opts.Reverse)
}

func (sl *skipList) Close() error {
	return nil
}
