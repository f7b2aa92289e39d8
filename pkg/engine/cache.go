package engine

import (
	"github.com/dgraph-io/ristretto/v2"

	"flintkv/pkg/record"
)

// readCache holds recently read values keyed by their log pointer. Record
// bytes never change under a pointer while its segment exists, but compaction
// recycles segment ids, so the whole cache is cleared when a merge installs.
type readCache struct {
	c *ristretto.Cache[uint64, []byte]
}

func newReadCache(capacity int64) (*readCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: capacity / 64,
		MaxCost:     capacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &readCache{c: c}, nil
}

// cacheKey packs a pointer into one word. Segment offsets stay far below
// 1 TiB, so 40 bits of offset are enough.
func cacheKey(pos record.Pointer) uint64 {
	return uint64(pos.Fid)<<40 | uint64(pos.Offset)
}

func (rc *readCache) get(pos record.Pointer) ([]byte, bool) {
	if rc == nil {
		return nil, false
	}
	return rc.c.Get(cacheKey(pos))
}

func (rc *readCache) set(pos record.Pointer, value []byte) {
	if rc == nil {
		return
	}
	rc.c.Set(cacheKey(pos), value, int64(len(value)))
}

func (rc *readCache) del(pos record.Pointer) {
	if rc != nil {
		rc.c.Del(cacheKey(pos))
	}
}

// clear drops every entry, buffered writes included.
func (rc *readCache) clear() {
	if rc != nil {
		rc.c.Clear()
	}
}

func (rc *readCache) close() {
	if rc != nil {
		rc.c.Close()
	}
}
