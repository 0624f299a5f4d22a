// Package serializer provides the value serializers a region uses to turn entry values into
// the bytes carried by update messages and stored off-heap.
//
// Three implementations are registered by default: "json" (goccy/go-json), "msgpack"
// (shamaton/msgpack) and "cbor" (fxamacker/cbor). "default" is an alias for json.
package serializer

import (
	"sort"
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Serializer names registered by default.
const (
	JSON    = "json"
	Msgpack = "msgpack"
	CBOR    = "cbor"
	Default = "default"
)

// ISerializer is the interface that wraps the basic serializer methods.
type ISerializer interface {
	// Marshal serializes the given value into a byte slice.
	Marshal(v any) ([]byte, error)
	// Unmarshal deserializes the given byte slice into the given value.
	Unmarshal(data []byte, v any) error
}

// Registry manages serializer constructors.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]func() ISerializer
}

// getDefaultSerializers returns the default set of serializers.
func getDefaultSerializers() map[string]func() ISerializer {
	return map[string]func() ISerializer{
		Default: func() ISerializer { return &DefaultJSONSerializer{} },
		JSON:    func() ISerializer { return &DefaultJSONSerializer{} },
		Msgpack: func() ISerializer { return &MsgpackSerializer{} },
		CBOR:    func() ISerializer { return NewCBORSerializer() },
	}
}

// NewSerializerRegistry creates a new serializer registry with default serializers pre-registered.
func NewSerializerRegistry() *Registry {
	registry := NewEmptySerializerRegistry()

	for name, createFunc := range getDefaultSerializers() {
		registry.Register(name, createFunc)
	}

	return registry
}

// NewEmptySerializerRegistry creates a new serializer registry without default serializers.
func NewEmptySerializerRegistry() *Registry {
	return &Registry{
		serializers: make(map[string]func() ISerializer),
	}
}

// Register registers a new serializer with the given name.
func (r *Registry) Register(serializerType string, createFunc func() ISerializer) {
	r.mu.Lock()
	r.serializers[serializerType] = createFunc
	r.mu.Unlock()
}

// Names returns the registered serializer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.serializers))
	for name := range r.serializers {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// New returns a new serializer based on the serializerType.
func (r *Registry) New(serializerType string) (ISerializer, error) {
	if serializerType == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "serializerType")
	}

	r.mu.RLock()
	createFunc, ok := r.serializers[serializerType]
	r.mu.RUnlock()

	if !ok {
		return nil, ewrap.Wrap(sentinel.ErrSerializerNotFound, serializerType)
	}

	return createFunc(), nil
}

// New returns a new serializer using a new registry instance with default serializers.
func New(serializerType string) (ISerializer, error) {
	registry := NewSerializerRegistry()

	return registry.New(serializerType)
}

// Decode unmarshals data into a fresh untyped value.
func Decode(s ISerializer, data []byte) (any, error) {
	var out any

	err := s.Unmarshal(data, &out)
	if err != nil {
		return nil, err
	}

	return out, nil
}
