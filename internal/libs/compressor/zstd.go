package compressor

import (
	"sync"

	"github.com/hyp3rd/ewrap"
	"github.com/klauspost/compress/zstd"
)

// Zstd compresses with klauspost zstd. Encoder and decoder are shared process wide and
// used only through their stateless EncodeAll/DecodeAll entry points.
type Zstd struct{}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	errZstd  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, errZstd = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if errZstd != nil {
			return
		}

		zstdDec, errZstd = zstd.NewReader(nil)
	})

	return zstdEnc, zstdDec, errZstd
}

// Name implements Compressor.
func (Zstd) Name() string { return "zstd" }

// Compress implements Compressor. Falls back to the input if the shared encoder could not be built.
func (Zstd) Compress(data []byte) []byte {
	enc, _, err := zstdCodecs()
	if err != nil {
		return data
	}

	return enc.EncodeAll(data, nil)
}

// Decompress implements Compressor.
func (Zstd) Decompress(data []byte) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, ewrap.Wrap(err, "zstd init")
	}

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, ewrap.Wrap(err, "zstd decode")
	}

	return out, nil
}
