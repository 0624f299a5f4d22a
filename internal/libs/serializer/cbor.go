package serializer

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/hyp3rd/ewrap"
)

// CBORSerializer serializes entry values with fxamacker/cbor using core deterministic
// encoding, so equal values always produce equal bytes.
type CBORSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORSerializer builds a CBOR serializer. Option sets are static, so mode
// construction cannot fail.
func NewCBORSerializer() *CBORSerializer {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano

	em, err := eo.EncMode()
	if err != nil {
		panic(ewrap.Wrap(err, "cbor enc mode"))
	}

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(ewrap.Wrap(err, "cbor dec mode"))
	}

	return &CBORSerializer{enc: em, dec: dm}
}

// Marshal serializes the given value into a byte slice.
func (s *CBORSerializer) Marshal(v any) ([]byte, error) {
	data, err := s.enc.Marshal(v)
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to marshal cbor")
	}

	return data, nil
}

// Unmarshal deserializes the given byte slice into the given value.
func (s *CBORSerializer) Unmarshal(data []byte, v any) error {
	err := s.dec.Unmarshal(data, v)
	if err != nil {
		return ewrap.Wrap(err, "failed to unmarshal cbor")
	}

	return nil
}
