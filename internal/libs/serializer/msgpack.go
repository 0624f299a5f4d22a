package serializer

import (
	"github.com/hyp3rd/ewrap"
	"github.com/shamaton/msgpack/v2"
)

// MsgpackSerializer leverages `msgpack` to serialize entry values.
type MsgpackSerializer struct{}

// Marshal serializes the given value into a byte slice.
func (*MsgpackSerializer) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to marshal msgpack")
	}

	return data, nil
}

// Unmarshal deserializes the given byte slice into the given value.
func (*MsgpackSerializer) Unmarshal(data []byte, v any) error {
	err := msgpack.Unmarshal(data, v)
	if err != nil {
		return ewrap.Wrap(err, "failed to unmarshal msgpack")
	}

	return nil
}
