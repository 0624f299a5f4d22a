// Package event describes one mutation in flight through the replication protocol.
//
// An EntryEvent is created per operation attempt, mutated while the protocol step runs
// and released exactly once when the step ends. Off-heap values the event references
// are acquired with Hold and returned by Release, so a deferred Release covers every
// exit path of the step.
package event

import (
	"fmt"
	"sync/atomic"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/offheap"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// Operation is the kind of mutation an event describes.
type Operation uint8

// Operations.
const (
	OpInvalidate Operation = iota + 1
	OpDestroy
	OpUpdate
)

func (o Operation) String() string {
	switch o {
	case OpInvalidate:
		return "invalidate"
	case OpDestroy:
		return "destroy"
	case OpUpdate:
		return "update"
	}

	return fmt.Sprintf("operation(%d)", uint8(o))
}

// EntryEvent is a single-use descriptor of one in-flight mutation.
type EntryEvent struct {
	Region            string
	Op                Operation
	Key               entry.Key
	CallbackArg       []byte
	ID                ID
	Origin            cluster.NodeID // member the event was received from, empty when local
	OriginRemote      bool
	PossibleDuplicate bool

	newValue entry.Value
	oldValue entry.Value
	oldRef   *offheap.Ref
	tag      *version.Tag
	held     []*offheap.Ref
	released atomic.Bool
}

// New creates an event for op on key in region.
func New(region string, op Operation, key entry.Key) *EntryEvent {
	return &EntryEvent{Region: region, Op: op, Key: key}
}

// SetNewValue records the value the mutation installs.
func (e *EntryEvent) SetNewValue(v entry.Value) {
	e.mustBeLive()

	e.newValue = v
}

// NewValue returns the value the mutation installs, if any.
func (e *EntryEvent) NewValue() entry.Value { return e.newValue }

// SetOldValue records the heap value the mutation replaced.
func (e *EntryEvent) SetOldValue(v entry.Value) {
	e.mustBeLive()

	e.oldValue = v
}

// HoldOldValue records an off-heap old value. The event takes ownership of ref.
func (e *EntryEvent) HoldOldValue(ref *offheap.Ref) {
	e.Hold(ref)
	e.oldRef = ref
}

// OldValue returns the value the mutation replaced. An off-heap old value is read
// through the held reference and returned in encoded form.
func (e *EntryEvent) OldValue() (entry.Value, error) {
	e.mustBeLive()

	if e.oldRef == nil {
		return e.oldValue, nil
	}

	data, err := e.oldRef.Bytes()
	if err != nil {
		return entry.Value{}, err
	}

	return entry.EncodedValue(data), nil
}

// Hold transfers ownership of ref to the event; it is released by Release.
func (e *EntryEvent) Hold(ref *offheap.Ref) {
	e.mustBeLive()

	if ref != nil {
		e.held = append(e.held, ref)
	}
}

// Held returns the number of off-heap references the event owns.
func (e *EntryEvent) Held() int { return len(e.held) }

// VersionTag returns the stamped tag, nil until one is set.
func (e *EntryEvent) VersionTag() *version.Tag { return e.tag }

// SetVersionTag attaches a stamped tag.
func (e *EntryEvent) SetVersionTag(t version.Tag) {
	e.mustBeLive()

	e.tag = &t
}

// StampDraft attaches a tag generated locally: the draft is stamped with the local
// member, and the previous member is taken from the superseded tag when known.
func (e *EntryEvent) StampDraft(d version.Draft, local cluster.NodeID, superseded *version.Tag) version.Tag {
	var previous cluster.NodeID
	if superseded != nil {
		previous = superseded.Member
	}

	t := version.Stamp(d, local, previous)
	e.SetVersionTag(t)

	return t
}

// SetWireTag attaches a tag received on the wire, stamping empty identities with sender.
func (e *EntryEvent) SetWireTag(w *version.Wire, sender cluster.NodeID) {
	if w == nil {
		return
	}

	e.SetVersionTag(w.ReplaceNullIDs(sender))
}

// Release returns every held off-heap reference. It must run exactly once; a second
// call panics.
func (e *EntryEvent) Release() {
	if !e.released.CompareAndSwap(false, true) {
		panic(ewrap.Wrapf(sentinel.ErrDoubleRelease, "event %s on %s", e.ID, e.Key))
	}

	for _, ref := range e.held {
		ref.Release()
	}

	e.held = nil
	e.oldRef = nil
}

// Released reports whether Release has run.
func (e *EntryEvent) Released() bool { return e.released.Load() }

func (e *EntryEvent) String() string {
	return fmt.Sprintf("%s %s/%s id=%s remote=%t", e.Op, e.Region, e.Key, e.ID, e.OriginRemote)
}

func (e *EntryEvent) mustBeLive() {
	if e.released.Load() {
		panic(ewrap.Wrapf(sentinel.ErrEventReleased, "event %s on %s", e.ID, e.Key))
	}
}
