// Package message defines the replication protocol messages and their wire codec.
//
// Every frame starts with a big-endian uint16 format identifier followed by the
// msgpack body. Bodies are encoded as arrays, so fields travel in declaration order
// and field names are never sent. Recipients and the sending member are delivery
// metadata supplied by the distribution layer; they are not part of the body.
package message

import (
	"github.com/hyp3rd/ewrap"
	"github.com/shamaton/msgpack/v2"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// FormatID is the stable identifier that selects how a frame body is decoded.
type FormatID uint16

// Message formats. Values are part of the wire contract and never reused.
const (
	FormatInvalidate FormatID = 0x0101
	FormatDestroy    FormatID = 0x0102
	FormatUpdate     FormatID = 0x0103
	FormatReply      FormatID = 0x0201
	FormatFetch      FormatID = 0x0301
	FormatImage      FormatID = 0x0401
)

// Message is implemented by every wire message.
type Message interface {
	Format() FormatID
}

// Upgrader is implemented by legacy formats registered with Codec.Register; the
// decoded legacy value is converted to a current message before it is returned.
type Upgrader interface {
	Upgrade() Message
}

// OperationMessage replicates one mutation of a bucket entry.
type OperationMessage struct {
	Op          event.Operation
	RegionID    string
	BucketID    int
	Key         WireKey
	Value       []byte // serialized new value, update only
	CallbackArg []byte
	Tag         *version.Wire
	EventID     event.ID
	// ProcessorID correlates replies; zero means no reply is expected.
	ProcessorID uint64
	// NotifyOnly asks the recipient to run listeners without touching storage.
	NotifyOnly bool
	// Replicate asks the recipient, which must be the primary, to apply and distribute.
	Replicate         bool
	PossibleDuplicate bool
}

// Format implements Message.
func (m *OperationMessage) Format() FormatID {
	switch m.Op {
	case event.OpDestroy:
		return FormatDestroy
	case event.OpUpdate:
		return FormatUpdate
	case event.OpInvalidate:
	}

	return FormatInvalidate
}

// ExpectsReply reports whether the sender registered a reply processor.
func (m *OperationMessage) ExpectsReply() bool { return m.ProcessorID != 0 }

// FetchMessage reads one entry from the bucket primary on behalf of a member that
// does not host the bucket.
type FetchMessage struct {
	RegionID    string
	BucketID    int
	Key         WireKey
	ProcessorID uint64
}

// Format implements Message.
func (*FetchMessage) Format() FormatID { return FormatFetch }

// ImageRequestMessage asks a member for its copy of the listed buckets. It is sent
// by a member that starts hosting buckets it holds no entries for. The reply carries
// the encoded image in Value and Found is set when any entry was included.
type ImageRequestMessage struct {
	RegionID    string
	BucketIDs   []int
	ProcessorID uint64
}

// Format implements Message.
func (*ImageRequestMessage) Format() FormatID { return FormatImage }

// ImageEntry is one entry of a bucket image on the wire.
type ImageEntry struct {
	BucketID int
	Key      WireKey
	Kind     uint8
	Value    []byte
	Tag      *version.Wire
}

// EncodeImage packs image entries into the Value of a reply.
func EncodeImage(entries []ImageEntry) ([]byte, error) {
	data, err := msgpack.MarshalAsArray(entries)
	if err != nil {
		return nil, ewrap.Wrap(err, "encode image")
	}

	return data, nil
}

// DecodeImage unpacks a reply Value produced by EncodeImage.
func DecodeImage(data []byte) ([]ImageEntry, error) {
	var entries []ImageEntry

	err := msgpack.UnmarshalAsArray(data, &entries)
	if err != nil {
		return nil, ewrap.Wrapf(sentinel.ErrCorruptFrame, "image: %v", err)
	}

	return entries, nil
}

// ReplyMessage acknowledges an OperationMessage or answers a FetchMessage. Tag is the
// version actually stored by the replier; Err is set when the operation failed on the
// replier. Value and Found carry the result of a fetch.
type ReplyMessage struct {
	ProcessorID uint64
	Tag         *version.Wire
	Err         *RemoteError
	Value       []byte
	Found       bool
}

// Format implements Message.
func (*ReplyMessage) Format() FormatID { return FormatReply }

//nolint:gochecknoglobals // format id to operation table
var formatOps = map[FormatID]event.Operation{
	FormatInvalidate: event.OpInvalidate,
	FormatDestroy:    event.OpDestroy,
	FormatUpdate:     event.OpUpdate,
}
