package event

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hyp3rd/hypergrid/internal/cluster"
)

// ID identifies an operation for duplicate suppression. Sequences are increasing per
// (Member, ThreadID); a retry of the same operation reuses its ID.
type ID struct {
	Member   cluster.NodeID
	ThreadID uint64
	Sequence uint64
}

// IsZero reports whether the id was never assigned.
func (id ID) IsZero() bool { return id.Member.IsZero() && id.ThreadID == 0 && id.Sequence == 0 }

func (id ID) String() string {
	return fmt.Sprintf("%s/%x/%d", id.Member, id.ThreadID, id.Sequence)
}

// IDSource issues event ids for one member thread.
type IDSource struct {
	member cluster.NodeID
	thread uint64
	seq    atomic.Uint64
}

// NewIDSource creates a source for member with a fresh thread id.
func NewIDSource(member cluster.NodeID) *IDSource {
	return &IDSource{member: member, thread: newThreadID()}
}

// NewThread returns an independent source for the same member.
func (s *IDSource) NewThread() *IDSource { return NewIDSource(s.member) }

// Member returns the member the source issues ids for.
func (s *IDSource) Member() cluster.NodeID { return s.member }

// Next returns the next id.
func (s *IDSource) Next() ID {
	return ID{Member: s.member, ThreadID: s.thread, Sequence: s.seq.Add(1)}
}

func newThreadID() uint64 {
	u := uuid.New()

	id := binary.BigEndian.Uint64(u[:8])
	if id == 0 {
		id = 1
	}

	return id
}
