package message

import (
	"encoding/binary"
	"sync"

	"github.com/hyp3rd/ewrap"
	"github.com/shamaton/msgpack/v2"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

const headerSize = 2

// Codec encodes and decodes framed messages, dispatching on the format identifier.
type Codec struct {
	mu        sync.RWMutex
	factories map[FormatID]func() any
}

// NewCodec returns a codec that understands every current format.
func NewCodec() *Codec {
	c := &Codec{factories: map[FormatID]func() any{}}

	for id := range formatOps {
		c.factories[id] = func() any { return &OperationMessage{} }
	}

	c.factories[FormatReply] = func() any { return &ReplyMessage{} }
	c.factories[FormatFetch] = func() any { return &FetchMessage{} }
	c.factories[FormatImage] = func() any { return &ImageRequestMessage{} }

	return c
}

// Register installs the decoder for id. The factory returns a pointer the body is
// decoded into; it must be a Message or an Upgrader.
func (c *Codec) Register(id FormatID, factory func() any) {
	c.mu.Lock()
	c.factories[id] = factory
	c.mu.Unlock()
}

// Encode frames m.
func (c *Codec) Encode(m Message) ([]byte, error) {
	body, err := msgpack.MarshalAsArray(m)
	if err != nil {
		return nil, ewrap.Wrapf(err, "encode format %#04x", uint16(m.Format()))
	}

	out := make([]byte, headerSize, headerSize+len(body))
	binary.BigEndian.PutUint16(out, uint16(m.Format()))

	return append(out, body...), nil
}

// Decode parses a frame. Unknown format identifiers are rejected.
func (c *Codec) Decode(frame []byte) (Message, error) {
	if len(frame) < headerSize {
		return nil, ewrap.Wrap(sentinel.ErrCorruptFrame, "short frame")
	}

	id := FormatID(binary.BigEndian.Uint16(frame))

	c.mu.RLock()
	factory, ok := c.factories[id]
	c.mu.RUnlock()

	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrUnknownFormat, "format %#04x", uint16(id))
	}

	target := factory()

	err := msgpack.UnmarshalAsArray(frame[headerSize:], target)
	if err != nil {
		return nil, ewrap.Wrapf(sentinel.ErrCorruptFrame, "format %#04x: %v", uint16(id), err)
	}

	return resolve(id, target)
}

func resolve(id FormatID, decoded any) (Message, error) {
	if up, ok := decoded.(Upgrader); ok {
		decoded = up.Upgrade()
	}

	msg, ok := decoded.(Message)
	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrUnknownFormat, "format %#04x has no message decoder", uint16(id))
	}

	if op, isOp := formatOps[id]; isOp {
		om, ok := msg.(*OperationMessage)
		if !ok || om.Op != op {
			return nil, ewrap.Wrapf(sentinel.ErrCorruptFrame, "format %#04x carries a mismatched operation", uint16(id))
		}
	}

	return msg, nil
}
