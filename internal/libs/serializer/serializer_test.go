package serializer

import (
	"errors"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

func TestRegistryDefaults(t *testing.T) {
	r := NewSerializerRegistry()
	assert.Equal(t, []string{CBOR, Default, JSON, Msgpack}, r.Names())

	_, err := r.New("")
	assert.True(t, errors.Is(err, sentinel.ErrParamCannotBeEmpty))

	_, err = r.New("yaml")
	assert.True(t, errors.Is(err, sentinel.ErrSerializerNotFound))
}

func TestStringRoundTrip(t *testing.T) {
	for _, name := range []string{JSON, Msgpack, CBOR} {
		t.Run(name, func(t *testing.T) {
			s, err := New(name)
			if err != nil {
				t.Fatalf("new %s: %v", name, err)
			}

			data, err := s.Marshal("grid-value")
			assert.Nil(t, err)

			out, err := Decode(s, data)
			assert.Nil(t, err)
			assert.Equal(t, "grid-value", out)
		})
	}
}

func TestStructRoundTrip(t *testing.T) {
	type order struct {
		ID    string
		Total int
	}

	for _, name := range []string{JSON, Msgpack, CBOR} {
		t.Run(name, func(t *testing.T) {
			s, err := New(name)
			if err != nil {
				t.Fatalf("new %s: %v", name, err)
			}

			data, err := s.Marshal(order{ID: "o-1", Total: 42})
			assert.Nil(t, err)

			var got order

			assert.Nil(t, s.Unmarshal(data, &got))
			assert.Equal(t, order{ID: "o-1", Total: 42}, got)
		})
	}
}
