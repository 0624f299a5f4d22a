package entry

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// KeyShape identifies the compact representation chosen for a key.
type KeyShape uint8

// Key shapes, from most to least compact.
const (
	ShapeObject KeyShape = iota
	ShapeInt
	ShapeLong
	ShapeUUID
	ShapeString1 // inline string packed in one word
	ShapeString2 // inline string packed in two words
)

func (s KeyShape) String() string {
	switch s {
	case ShapeInt:
		return "int"
	case ShapeLong:
		return "long"
	case ShapeUUID:
		return "uuid"
	case ShapeString1:
		return "string1"
	case ShapeString2:
		return "string2"
	case ShapeObject:
		return "object"
	}

	return "unknown"
}

// inline string limits: one word holds 7 bytes or 3 chars, two words 15 bytes or 7 chars,
// leaving the low byte of the first word for the length and encoding flag.
const (
	maxByteString1 = 7
	maxByteString2 = 15
	maxCharString1 = 3
	maxCharString2 = 7

	lenMask     = 0x7f
	charEncoded = 0x80
	byteBits    = 8
	charBits    = 16
	maxASCII    = 0x7f
	maxBMP      = 0xffff
)

// Key is a compact, comparable key representation. Two keys built from equal
// values are equal, so Key can index a Go map directly.
type Key struct {
	shape KeyShape
	w0    uint64
	w1    uint64
	obj   any
}

// NewKey selects the representation for k. The choice depends only on the runtime
// type and size of k, and Value always returns a value equal to k.
func NewKey(k any) Key {
	switch v := k.(type) {
	case int:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			return Key{shape: ShapeInt, w0: uint64(v)} //nolint:gosec // reversible two's complement
		}

		return Key{shape: ShapeLong, w0: uint64(v), w1: 1} //nolint:gosec // reversible
	case int32:
		return Key{shape: ShapeInt, w0: uint64(int64(v)), w1: 1} //nolint:gosec // reversible
	case int64:
		return Key{shape: ShapeLong, w0: uint64(v)} //nolint:gosec // reversible
	case uuid.UUID:
		return Key{shape: ShapeUUID, w0: binary.BigEndian.Uint64(v[:8]), w1: binary.BigEndian.Uint64(v[8:])}
	case string:
		if key, ok := inlineString(v); ok {
			return key
		}

		return Key{shape: ShapeObject, obj: v}
	}

	return Key{shape: ShapeObject, obj: k}
}

// Shape returns the representation in use.
func (k Key) Shape() KeyShape { return k.shape }

// IsZero reports whether the key was never set.
func (k Key) IsZero() bool { return k.shape == ShapeObject && k.obj == nil }

// Value decodes the key back to its original value.
func (k Key) Value() any {
	switch k.shape {
	case ShapeInt:
		if k.w1 == 1 {
			return int32(int64(k.w0)) //nolint:gosec // reverses NewKey
		}

		return int(int64(k.w0)) //nolint:gosec // reverses NewKey
	case ShapeLong:
		if k.w1 == 1 {
			return int(int64(k.w0)) //nolint:gosec // reverses NewKey
		}

		return int64(k.w0) //nolint:gosec // reverses NewKey
	case ShapeUUID:
		var id uuid.UUID

		binary.BigEndian.PutUint64(id[:8], k.w0)
		binary.BigEndian.PutUint64(id[8:], k.w1)

		return id
	case ShapeString1, ShapeString2:
		return k.inlineValue()
	case ShapeObject:
		return k.obj
	}

	return nil
}

// Hash returns a stable 64 bit hash of the key, used for bucket routing and striping.
func (k Key) Hash() uint64 {
	if k.shape == ShapeObject {
		if s, ok := k.obj.(string); ok {
			return xxhash.Sum64String(s)
		}

		return xxhash.Sum64String(fmtKey(k.obj))
	}

	var buf [17]byte

	buf[0] = byte(k.shape)
	binary.BigEndian.PutUint64(buf[1:9], k.w0)
	binary.BigEndian.PutUint64(buf[9:], k.w1)

	return xxhash.Sum64(buf[:])
}

func (k Key) String() string { return fmtKey(k.Value()) }

// inlineString packs s into one or two words when it is short enough.
func inlineString(s string) (Key, bool) {
	byteEncoded, ok := canInline(s)
	if !ok {
		return Key{}, false
	}

	if byteEncoded {
		return packBytes(s)
	}

	return packChars(s)
}

// canInline reports whether s can be inlined and, if so, whether one byte per char suffices.
func canInline(s string) (byteEncoded, ok bool) {
	if !utf8.ValidString(s) {
		return false, false
	}

	byteEncoded = true

	for _, r := range s {
		if r > maxBMP {
			return false, false
		}

		if r > maxASCII {
			byteEncoded = false
		}
	}

	return byteEncoded, true
}

func packBytes(s string) (Key, bool) {
	n := len(s)
	if n > maxByteString2 {
		return Key{}, false
	}

	words := [2]uint64{uint64(n)}
	for i := range n {
		pos := i + 1 // byte 0 of the first word is the length
		words[pos/byteBits] |= uint64(s[i]) << (byteBits * (pos % byteBits))
	}

	shape := ShapeString1
	if n > maxByteString1 {
		shape = ShapeString2
	}

	return Key{shape: shape, w0: words[0], w1: words[1]}, true
}

func packChars(s string) (Key, bool) {
	runes := []rune(s)

	n := len(runes)
	if n > maxCharString2 {
		return Key{}, false
	}

	const charsPerWord = 4

	words := [2]uint64{uint64(n) | charEncoded}
	for i, r := range runes {
		pos := i + 1 // char slot 0 of the first word holds the length byte
		words[pos/charsPerWord] |= uint64(r) << (charBits * (pos % charsPerWord))
	}

	shape := ShapeString1
	if n > maxCharString1 {
		shape = ShapeString2
	}

	return Key{shape: shape, w0: words[0], w1: words[1]}, true
}

func (k Key) inlineValue() string {
	words := [2]uint64{k.w0, k.w1}
	n := int(k.w0 & lenMask)

	if k.w0&charEncoded == 0 {
		out := make([]byte, n)
		for i := range n {
			pos := i + 1
			out[i] = byte(words[pos/byteBits] >> (byteBits * (pos % byteBits)))
		}

		return string(out)
	}

	const charsPerWord = 4

	out := make([]rune, n)
	for i := range n {
		pos := i + 1
		out[i] = rune(uint16(words[pos/charsPerWord] >> (charBits * (pos % charsPerWord))))
	}

	return string(out)
}

// ValidateKey reports whether k can address an entry. Keys must be integers,
// strings or UUIDs: those are the types every member rebuilds to an equal Key.
func ValidateKey(k any) error {
	switch k.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, uintptr,
		string, uuid.UUID:
		return nil
	case nil:
		return sentinel.ErrInvalidKey
	}

	return ewrap.Wrapf(sentinel.ErrInvalidKey, "key of type %T is not supported", k)
}

func fmtKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprintf("%T:%v", v, v)
}
