package offheap

import (
	"sync"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Store holds the bytes of arena slots. A store never drops bytes on its own: an
// address stays readable until Delete.
type Store interface {
	Put(addr Address, data []byte) error
	Get(addr Address) ([]byte, error)
	Delete(addr Address) error
	Close() error
}

// reserver is implemented by stores that preallocate memory.
type reserver interface {
	Reserved() int64
}

// MapStore is a plain map store, used when slab sizing is not wanted (small regions, tests).
type MapStore struct {
	mu   sync.RWMutex
	data map[Address][]byte
}

// NewMapStore creates an empty map store.
func NewMapStore() *MapStore { return &MapStore{data: map[Address][]byte{}} }

// Put stores a copy of data under addr.
func (s *MapStore) Put(addr Address, data []byte) error {
	cp := append([]byte(nil), data...)

	s.mu.Lock()
	s.data[addr] = cp
	s.mu.Unlock()

	return nil
}

// Get returns a copy of the bytes stored under addr.
func (s *MapStore) Get(addr Address) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.data[addr]
	s.mu.RUnlock()

	if !ok {
		return nil, sentinel.ErrUseAfterFree
	}

	return append([]byte(nil), data...), nil
}

// Delete removes addr.
func (s *MapStore) Delete(addr Address) error {
	s.mu.Lock()
	delete(s.data, addr)
	s.mu.Unlock()

	return nil
}

// Close is a no-op.
func (*MapStore) Close() error { return nil }
