package engine

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const stripeCount = 128

// lockStripes serializes index mutations per key without a global lock. Two
// writers contend only when their keys hash to the same stripe; readers never
// touch it.
type lockStripes struct {
	stripes [stripeCount]sync.Mutex
}

func newLockStripes() *lockStripes {
	return &lockStripes{}
}

func (ls *lockStripes) lock(key []byte) *sync.Mutex {
	m := &ls.stripes[xxhash.Sum64(key)%stripeCount]
	m.Lock()
	return m
}
