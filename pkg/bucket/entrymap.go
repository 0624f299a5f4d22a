package bucket

import (
	"sync"

	"github.com/hyp3rd/hypergrid/pkg/entry"
)

const (
	// shardCount is the number of shards of an entry map.
	shardCount = 32
	shardMask  = shardCount - 1
)

// entryMap is a concurrent entry.Key to *entry.Entry map divided into shards,
// each behind its own read-write mutex. Keys are spread with their own hash.
type entryMap struct {
	shards [shardCount]*entryShard
}

type entryShard struct {
	sync.RWMutex

	items map[entry.Key]*entry.Entry
}

func newEntryMap() *entryMap {
	m := &entryMap{}
	for i := range shardCount {
		m.shards[i] = &entryShard{items: make(map[entry.Key]*entry.Entry)}
	}

	return m
}

func (m *entryMap) shard(key entry.Key) *entryShard {
	return m.shards[key.Hash()&shardMask]
}

// Get retrieves the entry stored under key.
func (m *entryMap) Get(key entry.Key) (*entry.Entry, bool) {
	shard := m.shard(key)
	shard.RLock()
	e, ok := shard.items[key]
	shard.RUnlock()

	return e, ok
}

// Set stores e under its key.
func (m *entryMap) Set(e *entry.Entry) {
	shard := m.shard(e.Key())
	shard.Lock()
	shard.items[e.Key()] = e
	shard.Unlock()
}

// Remove deletes key.
func (m *entryMap) Remove(key entry.Key) {
	shard := m.shard(key)
	shard.Lock()
	delete(shard.items, key)
	shard.Unlock()
}

// Count returns the number of entries across all shards.
func (m *entryMap) Count() int {
	n := 0

	for _, shard := range m.shards {
		shard.RLock()
		n += len(shard.items)
		shard.RUnlock()
	}

	return n
}

// Keys returns a snapshot of the keys, shard by shard.
func (m *entryMap) Keys() []entry.Key {
	keys := make([]entry.Key, 0, m.Count())

	for _, shard := range m.shards {
		shard.RLock()
		for k := range shard.items {
			keys = append(keys, k)
		}
		shard.RUnlock()
	}

	return keys
}

// Drain empties every shard and returns what it held.
func (m *entryMap) Drain() map[entry.Key]*entry.Entry {
	out := make(map[entry.Key]*entry.Entry)

	for _, shard := range m.shards {
		shard.Lock()
		for k, e := range shard.items {
			out[k] = e
		}

		shard.items = make(map[entry.Key]*entry.Entry)
		shard.Unlock()
	}

	return out
}
