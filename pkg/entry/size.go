package entry

import (
	"sync"

	"github.com/hyp3rd/ewrap"
	"github.com/ugorji/go/codec"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

type sizer struct {
	buf []byte
	enc *codec.Encoder
}

var (
	cborHandle codec.CborHandle

	// sizerPool keeps CBOR encoders, each bound to its own buffer.
	sizerPool = sync.Pool{
		New: func() any {
			s := &sizer{}
			s.enc = codec.NewEncoderBytes(&s.buf, &cborHandle)

			return s
		},
	}
)

// SizeOf estimates the heap footprint of v as the length of its CBOR encoding.
func SizeOf(v any) (int64, error) {
	s, ok := sizerPool.Get().(*sizer)
	if !ok {
		return 0, sentinel.ErrInvalidSize
	}

	defer sizerPool.Put(s)

	s.buf = s.buf[:0]
	s.enc.ResetBytes(&s.buf)

	err := s.enc.Encode(v)
	if err != nil {
		return 0, ewrap.Wrap(sentinel.ErrInvalidSize, err.Error())
	}

	return int64(len(s.buf)), nil
}

// Footprint estimates the memory held by e: its fixed overhead plus the value size.
func (f Factory) Footprint(e *Entry) int64 {
	size := f.EstimateOverhead(e.key.Shape())

	switch e.kind {
	case KindObject:
		n, err := SizeOf(e.object)
		if err == nil {
			size += n
		}
	case KindOffHeap:
		size += int64(e.ref.Size())
	case KindAbsent, KindInvalid, KindTombstone:
	}

	return size
}
