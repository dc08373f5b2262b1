package firewall

import (
	"CopyGuard/internal/observability"
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// DurableSeen is the persistent tier of the seen-id set.
type DurableSeen interface {
	// MarkSeen records id and reports whether it was newly inserted.
	// inserted=false means the id was already present.
	MarkSeen(ctx context.Context, id string, at time.Time) (inserted bool, err error)
}

// SeenSet is the two-tier set of intent ids the firewall has admitted or rejected.
// Tier 1 is an in-memory LRU, tier 2 an optional durable store. CheckAndMark is
// serialized by a single mutex so at most one caller can claim an id.
type SeenSet struct {
	mu      sync.Mutex
	lru     *seenLRU
	durable DurableSeen
	metrics *observability.Metrics
}

// NewSeenSet builds a seen set. durable may be nil for a memory-only set.
func NewSeenSet(capacity int, durable DurableSeen, metrics *observability.Metrics) *SeenSet {
	if capacity <= 0 {
		capacity = 10000
	}
	return &SeenSet{
		lru:     newSeenLRU(capacity),
		durable: durable,
		metrics: metrics,
	}
}

// CheckAndMark claims id. It returns duplicate=true if id was seen before.
// An error from the durable tier is returned as-is; the caller must fail closed.
func (s *SeenSet) CheckAndMark(ctx context.Context, id string, at time.Time) (duplicate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Tier 1: LRU (hot path)
	if s.lru.Contains(id) {
		s.recordDuplicate("lru")
		return true, nil
	}

	// Tier 2: durable store (cold path)
	if s.durable != nil {
		start := time.Now()
		inserted, err := s.durable.MarkSeen(ctx, id, at)
		if s.metrics != nil {
			s.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if s.metrics != nil {
				s.metrics.DedupTier2Errors.Inc()
			}
			return false, err
		}
		if !inserted {
			s.recordDuplicate("store")
			s.add(id)
			return true, nil
		}
	}

	s.add(id)
	return false, nil
}

// RecentSeen lists recently seen ids, newest first.
type RecentSeen interface {
	RecentIDs(ctx context.Context, limit int) ([]string, error)
}

// Warm fills the LRU from src so a restart answers recent duplicates without
// the durable round trip. It returns the number of ids loaded.
func (s *SeenSet) Warm(ctx context.Context, src RecentSeen) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := src.RecentIDs(ctx, s.lru.capacity)
	if err != nil {
		return 0, fmt.Errorf("warm seen set: %w", err)
	}
	// oldest first, so the newest ends up most recent
	for i := len(ids) - 1; i >= 0; i-- {
		s.add(ids[i])
	}
	return len(ids), nil
}

// Len returns the current LRU occupancy.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Size()
}

func (s *SeenSet) add(id string) {
	evicted := s.lru.Add(id)
	if s.metrics != nil {
		s.metrics.DedupLRUSize.Set(float64(s.lru.Size()))
		if evicted {
			s.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (s *SeenSet) recordDuplicate(tier string) {
	if s.metrics != nil {
		s.metrics.DedupDuplicates.WithLabelValues(tier).Inc()
	}
}

// seenLRU is a bounded recency set. Not thread-safe; guarded by SeenSet.mu.
type seenLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newSeenLRU(capacity int) *seenLRU {
	return &seenLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (l *seenLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts key and reports whether the oldest entry was evicted.
func (l *seenLRU) Add(key string) bool {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return false
	}
	l.cache[key] = l.order.PushFront(key)

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(string))
		return true
	}
	return false
}

func (l *seenLRU) Size() int {
	return l.order.Len()
}
