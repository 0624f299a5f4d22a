// Package version implements the conflict-resolution metadata attached to every
// entry mutation of a partitioned region.
//
// A tag goes through two phases. A Draft is created where the counters are known
// but the originating member may not be (for example when the tag is generated
// before it is attached to a stored entry). Stamp turns a Draft into a Tag by
// supplying the member identity. On the wire the identity of the sending member
// is omitted to keep messages small; Wire.ReplaceNullIDs restores it from the
// sender on receipt, so a Tag is never compared with a missing identity.
package version

import (
	"fmt"
	"time"

	"github.com/hyp3rd/hypergrid/internal/cluster"
)

// Draft is a version tag whose originating member has not been stamped yet.
type Draft struct {
	RegionVersion uint64
	EntryVersion  uint64
	Timestamp     int64 // distributed system timestamp, unix milliseconds
}

// Tag is a stamped version tag. Tags are immutable values once stamped.
type Tag struct {
	Member         cluster.NodeID
	PreviousMember cluster.NodeID
	RegionVersion  uint64
	EntryVersion   uint64
	Timestamp      int64
}

// Stamp converts a draft into a tag originating at member. previous records the
// member that produced the version being superseded; an empty previous is replaced by member.
func Stamp(d Draft, member, previous cluster.NodeID) Tag {
	if previous.IsZero() {
		previous = member
	}

	return Tag{
		Member:         member,
		PreviousMember: previous,
		RegionVersion:  d.RegionVersion,
		EntryVersion:   d.EntryVersion,
		Timestamp:      d.Timestamp,
	}
}

// NextDraft builds the draft for the mutation that supersedes existing (nil when the
// entry has no version yet). regionVersion must come from the region's Source.
func NextDraft(existing *Tag, regionVersion uint64, now time.Time) Draft {
	var entryVersion uint64 = 1
	if existing != nil {
		entryVersion = existing.EntryVersion + 1
	}

	return Draft{
		RegionVersion: regionVersion,
		EntryVersion:  entryVersion,
		Timestamp:     now.UnixMilli(),
	}
}

// Next returns the stamped tag produced by member for the mutation that supersedes existing.
func Next(existing *Tag, member cluster.NodeID, regionVersion uint64, now time.Time) Tag {
	var previous cluster.NodeID
	if existing != nil {
		previous = existing.Member
	}

	return Stamp(NextDraft(existing, regionVersion, now), member, previous)
}

// Equal reports whether two tags identify the same version.
func (t Tag) Equal(o Tag) bool {
	return t.EntryVersion == o.EntryVersion && t.Member == o.Member && t.RegionVersion == o.RegionVersion
}

// ToWire returns the wire form of the tag as sent by sender. Identity fields equal
// to the sender are left empty; the receiver restores them with ReplaceNullIDs.
func (t Tag) ToWire(sender cluster.NodeID) *Wire {
	w := &Wire{
		RegionVersion: t.RegionVersion,
		EntryVersion:  t.EntryVersion,
		Timestamp:     t.Timestamp,
	}

	if t.Member != sender {
		w.Member = string(t.Member)
	}

	if t.PreviousMember != sender {
		w.PreviousMember = string(t.PreviousMember)
	}

	return w
}

func (t Tag) String() string {
	return fmt.Sprintf("{v%d; rv%d; mbr=%s; prev=%s; time=%d}",
		t.EntryVersion, t.RegionVersion, t.Member, t.PreviousMember, t.Timestamp)
}

// Wire is the serialized form of a tag. Empty identity fields mean "the sender".
type Wire struct {
	Member         string
	PreviousMember string
	RegionVersion  uint64
	EntryVersion   uint64
	Timestamp      int64
}

// ReplaceNullIDs resolves the wire tag against the member it was received from.
func (w *Wire) ReplaceNullIDs(sender cluster.NodeID) Tag {
	member := cluster.NodeID(w.Member)
	if member.IsZero() {
		member = sender
	}

	previous := cluster.NodeID(w.PreviousMember)
	if previous.IsZero() {
		previous = sender
	}

	return Tag{
		Member:         member,
		PreviousMember: previous,
		RegionVersion:  w.RegionVersion,
		EntryVersion:   w.EntryVersion,
		Timestamp:      w.Timestamp,
	}
}
