// Package compressor implements region value compression. Values are compressed after
// serialization and before they are stored off-heap or placed on an update message.
package compressor

import (
	"github.com/hyp3rd/ewrap"
	"github.com/klauspost/compress/s2"
)

// Compressor compresses and decompresses serialized entry values.
type Compressor interface {
	Name() string
	Compress(data []byte) []byte
	Decompress(data []byte) ([]byte, error)
}

// None passes data through unchanged.
type None struct{}

// Name implements Compressor.
func (None) Name() string { return "none" }

// Compress implements Compressor.
func (None) Compress(data []byte) []byte { return data }

// Decompress implements Compressor.
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }

// S2 compresses with klauspost s2, a Snappy compatible block format tuned for speed.
type S2 struct {
	// Better trades encode speed for a smaller output.
	Better bool
}

// Name implements Compressor.
func (S2) Name() string { return "s2" }

// Compress implements Compressor.
func (c S2) Compress(data []byte) []byte {
	if c.Better {
		return s2.EncodeBetter(nil, data)
	}

	return s2.Encode(nil, data)
}

// Decompress implements Compressor.
func (S2) Decompress(data []byte) ([]byte, error) {
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, ewrap.Wrap(err, "s2 decode")
	}

	return out, nil
}

// ByName returns the compressor registered under name ("", "none", "s2", "s2-better", "zstd").
func ByName(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return None{}, nil
	case "s2":
		return S2{}, nil
	case "s2-better":
		return S2{Better: true}, nil
	case "zstd":
		return Zstd{}, nil
	}

	return nil, ewrap.Newf("unknown compressor %q", name)
}
