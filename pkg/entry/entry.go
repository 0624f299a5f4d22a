// Package entry implements the storage representation of one key/value pair inside a bucket.
//
// An Entry is a single struct whose value representation is selected by a kind tag:
// a heap object, an invalid marker, a tombstone, or an off-heap reference owned by the
// entry. Keys are held as compact Key values. A Factory decides whether new entries keep
// values on the heap or off-heap and converts entries between the two.
//
// Entries are not safe for concurrent use; callers serialize access per key.
package entry

import (
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/offheap"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// Kind tags the representation of an entry value.
type Kind uint8

// Value kinds.
const (
	KindAbsent Kind = iota
	KindObject
	KindInvalid
	KindTombstone
	KindOffHeap
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindObject:
		return "object"
	case KindInvalid:
		return "invalid"
	case KindTombstone:
		return "tombstone"
	case KindOffHeap:
		return "offheap"
	}

	return "unknown"
}

// Value is a value handed to or read from an Entry.
//
// A KindObject value carries either Object, Bytes (its serialized form) or both.
// A KindOffHeap value carries a Ref whose reference unit is transferred to the entry.
type Value struct {
	Kind   Kind
	Object any
	Bytes  []byte
	Ref    *offheap.Ref
}

// ObjectValue wraps a heap object.
func ObjectValue(v any) Value { return Value{Kind: KindObject, Object: v} }

// EncodedValue wraps a serialized object, as received from the wire.
func EncodedValue(data []byte) Value { return Value{Kind: KindObject, Bytes: data} }

// OffHeapValue transfers ownership of ref to the entry it is stored in.
func OffHeapValue(ref *offheap.Ref) Value { return Value{Kind: KindOffHeap, Ref: ref} }

// InvalidValue marks an entry whose key is known but whose value is not.
func InvalidValue() Value { return Value{Kind: KindInvalid} }

// TombstoneValue marks a destroyed entry; the tombstone keeps the version tag.
func TombstoneValue() Value { return Value{Kind: KindTombstone} }

// Present reports whether the value holds data.
func (v Value) Present() bool { return v.Kind == KindObject || v.Kind == KindOffHeap }

// Codec converts heap values to the bytes stored off-heap and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Context is the owning region view an entry uses for off-heap storage. Entries never own it.
type Context interface {
	Arena() *offheap.Arena
	Codec() Codec
}

// Entry is one stored key/value pair.
type Entry struct {
	key      Key
	offHeap  bool
	kind     Kind
	object   any
	ref      *offheap.Ref
	tag      *version.Tag
	ctx      Context
	modified int64
	released bool
}

// Key returns the compact key.
func (e *Entry) Key() Key { return e.key }

// OffHeap reports whether the entry stores values off-heap.
func (e *Entry) OffHeap() bool { return e.offHeap }

// Kind returns the current value kind.
func (e *Entry) Kind() Kind { return e.kind }

// VersionTag returns the stored tag, nil for an unversioned entry. Tags are immutable.
func (e *Entry) VersionTag() *version.Tag { return e.tag }

// LastModified returns the time of the last mutation in unix nanoseconds.
func (e *Entry) LastModified() int64 { return e.modified }

// Removed reports whether the entry holds an invalid marker or a tombstone.
func (e *Entry) Removed() bool { return e.kind == KindInvalid || e.kind == KindTombstone }

// Get returns the current value. Off-heap bytes are decoded through the context codec;
// the returned Value never carries a Ref.
func (e *Entry) Get() (Value, error) {
	e.mustBeLive()

	switch e.kind {
	case KindObject:
		return Value{Kind: KindObject, Object: e.object}, nil
	case KindOffHeap:
		data, err := e.ref.Bytes()
		if err != nil {
			return Value{}, err
		}

		obj, err := e.codec().Decode(data)
		if err != nil {
			return Value{}, ewrap.Wrapf(err, "decode off-heap value of %s", e.key)
		}

		return Value{Kind: KindObject, Object: obj, Bytes: data}, nil
	case KindAbsent, KindInvalid, KindTombstone:
	}

	return Value{Kind: e.kind}, nil
}

// Encoded returns the serialized value, the form carried by update messages.
func (e *Entry) Encoded() ([]byte, error) {
	e.mustBeLive()

	switch e.kind {
	case KindOffHeap:
		return e.ref.Bytes()
	case KindObject:
		return e.codec().Encode(e.object)
	case KindAbsent, KindInvalid, KindTombstone:
	}

	return nil, nil
}

// SetValue installs v and, when tag is non-nil, the version tag that produced it.
// The previous off-heap reference is released only after the new value is in place,
// so a failed install leaves the entry untouched.
func (e *Entry) SetValue(v Value, tag *version.Tag) error {
	e.mustBeLive()

	kind, obj, ref, err := e.prepare(v)
	if err != nil {
		return err
	}

	prev := e.ref

	e.kind, e.object, e.ref = kind, obj, ref
	if tag != nil {
		e.tag = tag
	}

	e.modified = time.Now().UnixNano()

	if prev != nil {
		prev.Release()
	}

	return nil
}

// Invalidate drops the value but keeps the key, recording tag.
func (e *Entry) Invalidate(tag *version.Tag) error {
	return e.SetValue(InvalidValue(), tag)
}

// Destroy turns the entry into a tombstone carrying tag.
func (e *Entry) Destroy(tag *version.Tag) error {
	return e.SetValue(TombstoneValue(), tag)
}

// RetainValue acquires an extra reference on the off-heap value, nil for other kinds.
// The caller owns the returned Ref and must release it.
func (e *Entry) RetainValue() (*offheap.Ref, error) {
	e.mustBeLive()

	if e.ref == nil {
		return nil, nil //nolint:nilnil // no off-heap value to hold
	}

	return e.ref.Retain()
}

// Release gives back the entry's reference unit, if any. It runs when the entry leaves
// its bucket; the entry must not be used afterwards. Extra calls are no-ops.
func (e *Entry) Release() {
	if e.released {
		return
	}

	e.released = true

	if e.ref != nil {
		ref := e.ref

		e.ref = nil
		ref.Release()
	}
}

func (e *Entry) prepare(v Value) (Kind, any, *offheap.Ref, error) {
	switch v.Kind {
	case KindInvalid, KindTombstone:
		return v.Kind, nil, nil, nil
	case KindOffHeap:
		return e.prepareRef(v.Ref)
	case KindObject:
		if e.offHeap {
			return e.prepareOffHeap(v)
		}

		if v.Object == nil && v.Bytes != nil {
			obj, err := e.codec().Decode(v.Bytes)
			if err != nil {
				return 0, nil, nil, ewrap.Wrapf(err, "decode value of %s", e.key)
			}

			return KindObject, obj, nil, nil
		}

		if v.Object == nil {
			return 0, nil, nil, sentinel.ErrNilValue
		}

		return KindObject, v.Object, nil, nil
	case KindAbsent:
	}

	return 0, nil, nil, sentinel.ErrNilValue
}

func (e *Entry) prepareRef(ref *offheap.Ref) (Kind, any, *offheap.Ref, error) {
	if !e.offHeap {
		panic(ewrap.Wrapf(sentinel.ErrIncompatibleValue, "off-heap reference for on-heap entry %s", e.key))
	}

	if ref == nil || ref.Released() {
		panic(ewrap.Wrapf(sentinel.ErrUseAfterFree, "released reference for entry %s", e.key))
	}

	if ref.Arena() != e.arena() {
		panic(ewrap.Wrapf(sentinel.ErrIncompatibleValue, "reference from a foreign arena for entry %s", e.key))
	}

	return KindOffHeap, nil, ref, nil
}

func (e *Entry) prepareOffHeap(v Value) (Kind, any, *offheap.Ref, error) {
	data := v.Bytes
	if data == nil {
		if v.Object == nil {
			return 0, nil, nil, sentinel.ErrNilValue
		}

		encoded, err := e.codec().Encode(v.Object)
		if err != nil {
			return 0, nil, nil, ewrap.Wrapf(err, "encode value of %s", e.key)
		}

		data = encoded
	}

	ref, err := e.arena().Allocate(data)
	if err != nil {
		return 0, nil, nil, err
	}

	return KindOffHeap, nil, ref, nil
}

func (e *Entry) arena() *offheap.Arena {
	if e.ctx == nil || e.ctx.Arena() == nil {
		panic(ewrap.Wrapf(sentinel.ErrIncompatibleValue, "off-heap entry %s without an arena", e.key))
	}

	return e.ctx.Arena()
}

func (e *Entry) codec() Codec {
	if e.ctx == nil || e.ctx.Codec() == nil {
		panic(ewrap.Wrapf(sentinel.ErrIncompatibleValue, "entry %s needs a codec", e.key))
	}

	return e.ctx.Codec()
}

func (e *Entry) mustBeLive() {
	if e.released {
		panic(ewrap.Wrapf(sentinel.ErrUseAfterFree, "entry %s used after release", e.key))
	}
}
