package maps

import "sync"

// shardCount must be a power of two.
const shardCount = 64

type shard[K Integer, V any] struct {
	mu sync.RWMutex
	m  map[K]V
	_  [40]byte // keep neighbouring shard locks off one cache line
}

// ShardedMap spreads keys over mutex-guarded shards by their low bits, which
// suits small dense ids such as engine thread ids.
type ShardedMap[K Integer, V any] struct {
	shards [shardCount]shard[K, V]
}

// NewShardedMap returns an empty ShardedMap.
func NewShardedMap[K Integer, V any]() ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *ShardedMap[K, V]) shardOf(key K) *shard[K, V] {
	return &m.shards[uint64(key)&(shardCount-1)]
}

func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := m.shardOf(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

func (m *ShardedMap[K, V]) Store(key K, value V) {
	m.Update(key, func(V, bool) (V, bool) { return value, true })
}

func (m *ShardedMap[K, V]) Delete(key K) { m.LoadAndDelete(key) }

func (m *ShardedMap[K, V]) LoadAndDelete(key K) (v V, ok bool) {
	m.Update(key, func(old V, exists bool) (V, bool) {
		v, ok = old, exists
		return old, false
	})
	return v, ok
}

// LoadOrStore runs valueFactory under the shard lock, at most once per key.
func (m *ShardedMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	if v, ok := m.Load(key); ok {
		return v, true
	}
	var (
		v      V
		loaded bool
	)
	m.Update(key, func(old V, exists bool) (V, bool) {
		if exists {
			v, loaded = old, true
			return old, true
		}
		v = valueFactory()
		return v, true
	})
	return v, loaded
}

// Update runs updateFunc with the shard write-locked.
func (m *ShardedMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	s := m.shardOf(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.m[key]
	if nv, keep := updateFunc(old, exists); keep {
		s.m[key] = nv
	} else if exists {
		delete(s.m, key)
	}
}

// Range visits a per-shard snapshot; f runs without any lock held, so it may
// call back into the map.
func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	type kv struct {
		k K
		v V
	}
	var batch []kv
	for i := range m.shards {
		s := &m.shards[i]
		batch = batch[:0]
		s.mu.RLock()
		for k, v := range s.m {
			batch = append(batch, kv{k, v})
		}
		s.mu.RUnlock()
		for _, e := range batch {
			if !f(e.k, e.v) {
				return
			}
		}
	}
}

func (m *ShardedMap[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
