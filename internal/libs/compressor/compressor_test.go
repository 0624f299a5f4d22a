package compressor

import (
	"bytes"
	"testing"

	"github.com/longbridgeapp/assert"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("hypergrid-bucket-value "), 64)

	for _, name := range []string{"none", "s2", "s2-better", "zstd"} {
		t.Run(name, func(t *testing.T) {
			c, err := ByName(name)
			if err != nil {
				t.Fatalf("by name: %v", err)
			}

			packed := c.Compress(payload)
			if name != "none" {
				assert.True(t, len(packed) < len(payload))
			}

			out, err := c.Decompress(packed)
			assert.Nil(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestUnknownCompressor(t *testing.T) {
	_, err := ByName("lz4")
	assert.NotNil(t, err)
}

func TestCorruptInput(t *testing.T) {
	_, err := S2{}.Decompress([]byte{0xff, 0xff, 0xff})
	assert.NotNil(t, err)
}
