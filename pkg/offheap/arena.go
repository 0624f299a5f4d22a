// Package offheap manages entry values stored outside the garbage collected heap.
//
// Value bytes live in a Store (by default a SlabStore, which keeps data in
// size-classed pointer-free pages the collector never scans and reuses the slots
// of freed values). The Arena
// assigns every allocation a slot identified by an Address and keeps an atomic
// reference count per slot. Ownership of one count unit is carried by a Ref
// handle: Retain produces a new Ref, Release gives the unit back exactly once.
// The bytes are freed when the count reaches zero, and never before.
//
// Misuse is treated as fatal: releasing a Ref twice or driving a count below zero
// panics, because silently corrupting shared memory is worse than crashing.
package offheap

import (
	"sync"
	"sync/atomic"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Address identifies an arena slot. Addresses are never reused.
type Address uint64

type slot struct {
	refs atomic.Int32
	size int
}

// Stats is a snapshot of arena counters.
type Stats struct {
	Allocations uint64 `json:"allocations"`
	Frees       uint64 `json:"frees"`
	LiveSlots   int    `json:"live_slots"`
	LiveBytes   int64  `json:"live_bytes"`
	// ReservedBytes is the memory held by the store, when it reports one.
	ReservedBytes int64 `json:"reserved_bytes"`
}

// Arena allocates reference counted off-heap slots.
type Arena struct {
	mu    sync.RWMutex
	slots map[Address]*slot
	next  atomic.Uint64
	store Store

	allocations atomic.Uint64
	frees       atomic.Uint64
	liveBytes   atomic.Int64

	onFree   func(Address)
	maxBytes int64
}

// Option configures an Arena.
type Option func(*Arena)

// WithStore sets the byte store backing the arena.
func WithStore(s Store) Option {
	return func(a *Arena) {
		if s != nil {
			a.store = s
		}
	}
}

// WithFreeHook registers a callback invoked once for every slot whose bytes are freed.
func WithFreeHook(fn func(Address)) Option {
	return func(a *Arena) { a.onFree = fn }
}

// WithMaxBytes bounds the memory of the default slab store. Allocations beyond it
// fail with ErrArenaFull; live values are never evicted.
func WithMaxBytes(n int64) Option {
	return func(a *Arena) { a.maxBytes = n }
}

// NewArena creates an arena. Without WithStore a slab store is created.
func NewArena(opts ...Option) (*Arena, error) {
	a := &Arena{slots: map[Address]*slot{}}
	for _, opt := range opts {
		opt(a)
	}

	if a.maxBytes < 0 {
		return nil, ewrap.Wrapf(sentinel.ErrInvalidConfig, "negative arena capacity %d", a.maxBytes)
	}

	if a.store == nil {
		a.store = NewSlabStore(SlabConfig{MaxBytes: a.maxBytes})
	}

	return a, nil
}

// Allocate copies data into a new slot. The returned Ref owns the single reference unit.
func (a *Arena) Allocate(data []byte) (*Ref, error) {
	addr := Address(a.next.Add(1))

	err := a.store.Put(addr, data)
	if err != nil {
		return nil, ewrap.Wrap(err, "offheap allocate")
	}

	s := &slot{size: len(data)}
	s.refs.Store(1)

	a.mu.Lock()
	a.slots[addr] = s
	a.mu.Unlock()

	a.allocations.Add(1)
	a.liveBytes.Add(int64(len(data)))

	return &Ref{arena: a, addr: addr, size: len(data)}, nil
}

// RefCount returns the current reference count of a slot (0 once freed).
func (a *Arena) RefCount(addr Address) int32 {
	s, ok := a.lookup(addr)
	if !ok {
		return 0
	}

	return s.refs.Load()
}

// Stats returns a snapshot of the arena counters.
func (a *Arena) Stats() Stats {
	a.mu.RLock()
	live := len(a.slots)
	a.mu.RUnlock()

	st := Stats{
		Allocations: a.allocations.Load(),
		Frees:       a.frees.Load(),
		LiveSlots:   live,
		LiveBytes:   a.liveBytes.Load(),
	}

	if r, ok := a.store.(reserver); ok {
		st.ReservedBytes = r.Reserved()
	}

	return st
}

// Close releases the backing store. Outstanding refs must not be used afterwards.
func (a *Arena) Close() error {
	return a.store.Close()
}

func (a *Arena) lookup(addr Address) (*slot, bool) {
	a.mu.RLock()
	s, ok := a.slots[addr]
	a.mu.RUnlock()

	return s, ok
}

// retain increments the count unless it already reached zero; a freed slot is never resurrected.
func (a *Arena) retain(addr Address) error {
	s, ok := a.lookup(addr)
	if !ok {
		return ewrap.Wrapf(sentinel.ErrUseAfterFree, "retain address %d", addr)
	}

	for {
		cur := s.refs.Load()
		if cur <= 0 {
			return ewrap.Wrapf(sentinel.ErrUseAfterFree, "retain address %d", addr)
		}

		if s.refs.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// release decrements the count and frees the slot when it reaches zero.
func (a *Arena) release(addr Address) {
	s, ok := a.lookup(addr)
	if !ok {
		panic(ewrap.Wrapf(sentinel.ErrDoubleRelease, "release of freed address %d", addr))
	}

	n := s.refs.Add(-1)
	if n < 0 {
		panic(ewrap.Wrapf(sentinel.ErrDoubleRelease, "negative reference count on address %d", addr))
	}

	if n > 0 {
		return
	}

	a.mu.Lock()
	delete(a.slots, addr)
	a.mu.Unlock()

	_ = a.store.Delete(addr) //nolint:errcheck // slot is unreachable regardless of store outcome

	a.frees.Add(1)
	a.liveBytes.Add(-int64(s.size))

	if a.onFree != nil {
		a.onFree(addr)
	}
}

func (a *Arena) read(addr Address) ([]byte, error) {
	s, ok := a.lookup(addr)
	if !ok || s.refs.Load() <= 0 {
		return nil, ewrap.Wrapf(sentinel.ErrUseAfterFree, "read address %d", addr)
	}

	data, err := a.store.Get(addr)
	if err != nil {
		return nil, ewrap.Wrapf(err, "read address %d", addr)
	}

	return data, nil
}
