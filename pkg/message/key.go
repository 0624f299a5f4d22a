package message

import (
	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
)

// key types on the wire. Every key type accepted by entry.ValidateKey has its own
// tag so the receiver rebuilds the exact Go type, and with it the same Key.
const (
	keyInt uint8 = iota + 1
	keyInt32
	keyInt64
	keyUUID
	keyString
	keyInt8
	keyInt16
	keyUint
	keyUint8
	keyUint16
	keyUint32
	keyUint64
	keyUintptr
)

// WireKey is the serialized form of an entry key.
type WireKey struct {
	Type uint8
	Int  int64 // integer keys; unsigned values keep their bit pattern
	Str  string
	Raw  []byte
}

// KeyToWire converts k for transmission.
//
//nolint:cyclop,gosec // one case per key type, conversions are reversed by Key
func KeyToWire(k entry.Key) (WireKey, error) {
	switch v := k.Value().(type) {
	case int:
		return WireKey{Type: keyInt, Int: int64(v)}, nil
	case int8:
		return WireKey{Type: keyInt8, Int: int64(v)}, nil
	case int16:
		return WireKey{Type: keyInt16, Int: int64(v)}, nil
	case int32:
		return WireKey{Type: keyInt32, Int: int64(v)}, nil
	case int64:
		return WireKey{Type: keyInt64, Int: v}, nil
	case uint:
		return WireKey{Type: keyUint, Int: int64(v)}, nil
	case uint8:
		return WireKey{Type: keyUint8, Int: int64(v)}, nil
	case uint16:
		return WireKey{Type: keyUint16, Int: int64(v)}, nil
	case uint32:
		return WireKey{Type: keyUint32, Int: int64(v)}, nil
	case uint64:
		return WireKey{Type: keyUint64, Int: int64(v)}, nil
	case uintptr:
		return WireKey{Type: keyUintptr, Int: int64(v)}, nil
	case uuid.UUID:
		return WireKey{Type: keyUUID, Raw: v[:]}, nil
	case string:
		return WireKey{Type: keyString, Str: v}, nil
	case nil:
		return WireKey{}, sentinel.ErrInvalidKey
	default:
		return WireKey{}, ewrap.Wrapf(sentinel.ErrInvalidKey, "key of type %T has no wire form", v)
	}
}

// Key rebuilds the entry key.
//
//nolint:cyclop,gosec // one case per key type, each reversing KeyToWire
func (w WireKey) Key() (entry.Key, error) {
	switch w.Type {
	case keyInt:
		return entry.NewKey(int(w.Int)), nil
	case keyInt8:
		return entry.NewKey(int8(w.Int)), nil
	case keyInt16:
		return entry.NewKey(int16(w.Int)), nil
	case keyInt32:
		return entry.NewKey(int32(w.Int)), nil
	case keyInt64:
		return entry.NewKey(w.Int), nil
	case keyUint:
		return entry.NewKey(uint(w.Int)), nil
	case keyUint8:
		return entry.NewKey(uint8(w.Int)), nil
	case keyUint16:
		return entry.NewKey(uint16(w.Int)), nil
	case keyUint32:
		return entry.NewKey(uint32(w.Int)), nil
	case keyUint64:
		return entry.NewKey(uint64(w.Int)), nil
	case keyUintptr:
		return entry.NewKey(uintptr(w.Int)), nil
	case keyUUID:
		id, err := uuid.FromBytes(w.Raw)
		if err != nil {
			return entry.Key{}, ewrap.Wrap(sentinel.ErrCorruptFrame, "uuid key")
		}

		return entry.NewKey(id), nil
	case keyString:
		return entry.NewKey(w.Str), nil
	}

	return entry.Key{}, ewrap.Wrapf(sentinel.ErrCorruptFrame, "key type %d", w.Type)
}
