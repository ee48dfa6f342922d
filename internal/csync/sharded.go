package csync

import (
	"hash/maphash"
)

// Sharded is a Map split into independently locked shards. Keys are assigned
// to shards by hash, so writers for different keys usually take different
// locks.
type Sharded[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*Map[K, V]
}

// NewSharded creates a sharded map with n shards (at least one).
func NewSharded[K comparable, V any](n int) *Sharded[K, V] {
	if n < 1 {
		n = 1
	}
	shards := make([]*Map[K, V], n)
	for i := range shards {
		shards[i] = NewMap[K, V]()
	}
	return &Sharded[K, V]{
		seed:   maphash.MakeSeed(),
		shards: shards,
	}
}

func (s *Sharded[K, V]) shard(key K) *Map[K, V] {
	h := maphash.Comparable(s.seed, key)
	return s.shards[h%uint64(len(s.shards))]
}

// Compute applies fn to key under its shard's write lock. See Map.Compute.
func (s *Sharded[K, V]) Compute(key K, fn func(old V, loaded bool) (value V, keep bool)) V {
	return s.shard(key).Compute(key, fn)
}

// DeleteFunc removes matching pairs shard by shard. Only one shard is locked
// at a time.
func (s *Sharded[K, V]) DeleteFunc(pred func(key K, value V) bool) int {
	removed := 0
	for _, m := range s.shards {
		removed += m.DeleteFunc(pred)
	}
	return removed
}

// Len returns the total number of pairs across shards. The count is not a
// snapshot: shards are visited one after another.
func (s *Sharded[K, V]) Len() int {
	total := 0
	for _, m := range s.shards {
		total += m.Len()
	}
	return total
}
