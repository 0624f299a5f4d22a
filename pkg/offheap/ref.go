package offheap

import (
	"sync/atomic"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Ref owns one reference unit of an arena slot. A Ref must be released exactly once;
// it is not safe to keep using it after Release.
type Ref struct {
	arena    *Arena
	addr     Address
	size     int
	released atomic.Bool
}

// Address returns the slot address.
func (r *Ref) Address() Address { return r.addr }

// Size returns the number of bytes stored in the slot.
func (r *Ref) Size() int { return r.size }

// Arena returns the owning arena.
func (r *Ref) Arena() *Arena { return r.arena }

// Retain acquires an additional reference unit, returned as an independent Ref.
func (r *Ref) Retain() (*Ref, error) {
	if r.released.Load() {
		return nil, ewrap.Wrapf(sentinel.ErrUseAfterFree, "retain released ref %d", r.addr)
	}

	err := r.arena.retain(r.addr)
	if err != nil {
		return nil, err
	}

	return &Ref{arena: r.arena, addr: r.addr, size: r.size}, nil
}

// Release gives the reference unit back. Calling Release twice on the same Ref panics.
func (r *Ref) Release() {
	if !r.released.CompareAndSwap(false, true) {
		panic(ewrap.Wrapf(sentinel.ErrDoubleRelease, "ref %d", r.addr))
	}

	r.arena.release(r.addr)
}

// Released reports whether Release has run.
func (r *Ref) Released() bool { return r.released.Load() }

// Bytes returns a copy of the slot contents.
func (r *Ref) Bytes() ([]byte, error) {
	if r.released.Load() {
		return nil, ewrap.Wrapf(sentinel.ErrUseAfterFree, "read released ref %d", r.addr)
	}

	return r.arena.read(r.addr)
}
