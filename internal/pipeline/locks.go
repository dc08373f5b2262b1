package pipeline

import (
	"hash/fnv"
	"sync"
)

// marketLocks serializes work per market. Distinct markets may share a stripe,
// which only costs parallelism.
type marketLocks struct {
	stripes []sync.Mutex
}

func newMarketLocks(n int) *marketLocks {
	if n <= 0 {
		n = 64
	}
	return &marketLocks{stripes: make([]sync.Mutex, n)}
}

func (m *marketLocks) lock(marketID string) (unlock func()) {
	h := fnv.New32a()
	h.Write([]byte(marketID))
	mu := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}
