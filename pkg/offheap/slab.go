package offheap

import (
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// SlabConfig tunes the slab store.
type SlabConfig struct {
	PageSize int   // bytes per slab page; 1 MiB when zero
	MaxBytes int64 // bound on reserved memory; 0 means unbounded
}

const (
	minClassSize    = 64
	classCount      = 11 // 64 B up to 64 KiB
	defaultPageSize = 1 << 20
	dedicated       = -1
)

type location struct {
	class int // dedicated for values larger than the biggest class
	slot  int
	size  int
}

// sizeClass carves pages into equal slots. Freed slots go back on the free list and
// pages are kept, so reserved memory follows the peak of live bytes, not the
// number of writes.
type sizeClass struct {
	size    int
	perPage int
	pages   [][]byte
	free    []int
}

func (c *sizeClass) buf(slot int) []byte {
	page := c.pages[slot/c.perPage]
	off := (slot % c.perPage) * c.size

	return page[off : off+c.size]
}

// SlabStore keeps slot bytes in size-classed pages of pointer-free memory the
// collector never scans. It never evicts: when MaxBytes is reached Put fails with
// ErrArenaFull and every stored address stays readable.
type SlabStore struct {
	mu       sync.RWMutex
	maxBytes int64
	reserved int64
	classes  [classCount]*sizeClass
	large    map[Address][]byte
	index    map[Address]location
}

// NewSlabStore creates an empty slab store.
func NewSlabStore(cfg SlabConfig) *SlabStore {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	s := &SlabStore{
		maxBytes: cfg.MaxBytes,
		large:    map[Address][]byte{},
		index:    map[Address]location{},
	}

	for i := range classCount {
		size := minClassSize << i
		s.classes[i] = &sizeClass{size: size, perPage: max(1, pageSize/size)}
	}

	return s
}

func classFor(n int) int {
	for i := range classCount {
		if n <= minClassSize<<i {
			return i
		}
	}

	return dedicated
}

// Put copies data into a free slot of the matching class.
func (s *SlabStore) Put(addr Address, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.freeLocked(addr)

	ci := classFor(len(data))
	if ci == dedicated {
		if !s.fits(int64(len(data))) {
			return ewrap.Wrapf(sentinel.ErrArenaFull, "%d byte value", len(data))
		}

		s.large[addr] = append([]byte(nil), data...)
		s.reserved += int64(len(data))
		s.index[addr] = location{class: dedicated, size: len(data)}

		return nil
	}

	c := s.classes[ci]
	if len(c.free) == 0 {
		err := s.grow(c)
		if err != nil {
			return err
		}
	}

	slot := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]

	copy(c.buf(slot), data)
	s.index[addr] = location{class: ci, slot: slot, size: len(data)}

	return nil
}

// Get returns a copy of the bytes stored under addr.
func (s *SlabStore) Get(addr Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.index[addr]
	if !ok {
		return nil, sentinel.ErrUseAfterFree
	}

	if loc.class == dedicated {
		return append([]byte(nil), s.large[addr]...), nil
	}

	return append([]byte(nil), s.classes[loc.class].buf(loc.slot)[:loc.size]...), nil
}

// Delete returns the slot of addr to its free list.
func (s *SlabStore) Delete(addr Address) error {
	s.mu.Lock()
	s.freeLocked(addr)
	s.mu.Unlock()

	return nil
}

// Reserved returns the bytes held by pages and dedicated allocations.
func (s *SlabStore) Reserved() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.reserved
}

// Close drops every page.
func (s *SlabStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.classes {
		c.pages, c.free = nil, nil
	}

	clear(s.large)
	clear(s.index)
	s.reserved = 0

	return nil
}

func (s *SlabStore) freeLocked(addr Address) {
	loc, ok := s.index[addr]
	if !ok {
		return
	}

	delete(s.index, addr)

	if loc.class == dedicated {
		delete(s.large, addr)
		s.reserved -= int64(loc.size)

		return
	}

	c := s.classes[loc.class]
	c.free = append(c.free, loc.slot)
}

func (s *SlabStore) fits(n int64) bool {
	return s.maxBytes <= 0 || s.reserved+n <= s.maxBytes
}

func (s *SlabStore) grow(c *sizeClass) error {
	n := c.perPage * c.size
	if !s.fits(int64(n)) {
		return ewrap.Wrapf(sentinel.ErrArenaFull, "page of %d byte slots", c.size)
	}

	base := len(c.pages) * c.perPage
	c.pages = append(c.pages, make([]byte, n))

	for i := c.perPage - 1; i >= 0; i-- {
		c.free = append(c.free, base+i)
	}

	s.reserved += int64(n)

	return nil
}
