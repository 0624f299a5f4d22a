package entry

import (
	"unsafe"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// Factory creates entries with a fixed value placement.
type Factory struct {
	offHeap bool
}

// HeapFactory creates entries that keep values on the heap.
func HeapFactory() Factory { return Factory{} }

// OffHeapFactory creates entries that keep values in the context arena.
func OffHeapFactory() Factory { return Factory{offHeap: true} }

// OffHeap reports whether created entries store values off-heap.
func (f Factory) OffHeap() bool { return f.offHeap }

// MakeOnHeap returns the on-heap analogue of f.
func (Factory) MakeOnHeap() Factory { return HeapFactory() }

// MakeOffHeap returns the off-heap analogue of f.
func (Factory) MakeOffHeap() Factory { return OffHeapFactory() }

// Create builds an entry for key holding v. An absent v creates an empty entry.
func (f Factory) Create(ctx Context, key Key, v Value, tag *version.Tag) (*Entry, error) {
	if key.IsZero() {
		return nil, sentinel.ErrInvalidKey
	}

	e := &Entry{key: key, offHeap: f.offHeap, ctx: ctx, tag: tag}
	if v.Kind == KindAbsent {
		return e, nil
	}

	err := e.SetValue(v, tag)
	if err != nil {
		return nil, err
	}

	return e, nil
}

// Convert returns an entry with f's placement holding the same key, value, tag and
// modification time as e. When a new entry is built, e is released.
func (f Factory) Convert(e *Entry) (*Entry, error) {
	if e.offHeap == f.offHeap {
		return e, nil
	}

	var v Value

	switch e.kind {
	case KindObject:
		v = ObjectValue(e.object)
	case KindOffHeap:
		data, err := e.ref.Bytes()
		if err != nil {
			return nil, ewrap.Wrapf(err, "convert %s", e.key)
		}

		v = EncodedValue(data)
	case KindAbsent, KindInvalid, KindTombstone:
		v = Value{Kind: e.kind}
	}

	out, err := f.Create(e.ctx, e.key, v, e.tag)
	if err != nil {
		return nil, err
	}

	out.modified = e.modified

	e.Release()

	return out, nil
}

// EstimateOverhead returns the fixed per-entry memory cost, in bytes, of an entry
// created by f for a key of the given shape. Value bytes are not included.
func (f Factory) EstimateOverhead(shape KeyShape) int64 {
	const (
		boxedObjectKey = 16 // interface payload behind Key.obj
		tagSize        = int64(unsafe.Sizeof(version.Tag{}))
		offHeapSlot    = 16 // arena slot header
	)

	size := int64(unsafe.Sizeof(Entry{})) + tagSize
	if shape == ShapeObject {
		size += boxedObjectKey
	}

	if f.offHeap {
		size += offHeapSlot
	}

	return size
}
