package region

import (
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/libs/compressor"
	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/offheap"
)

// valueCodec turns values into the bytes stored off-heap and carried by update
// messages: serialized first, then compressed.
type valueCodec struct {
	ser  serializer.ISerializer
	comp compressor.Compressor
}

func (c valueCodec) Encode(v any) ([]byte, error) {
	raw, err := c.ser.Marshal(v)
	if err != nil {
		return nil, ewrap.Wrapf(err, "serialize %T", v)
	}

	return c.comp.Compress(raw), nil
}

func (c valueCodec) Decode(data []byte) (any, error) {
	raw, err := c.comp.Decompress(data)
	if err != nil {
		return nil, err
	}

	return serializer.Decode(c.ser, raw)
}

// storage is the entry.Context shared by every bucket of a region.
type storage struct {
	arena *offheap.Arena
	codec valueCodec
}

func (s storage) Arena() *offheap.Arena { return s.arena }
func (s storage) Codec() entry.Codec    { return s.codec }
