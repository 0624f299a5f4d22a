package bucket

import (
	"sync"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// window is how many sequences below the highest one a thread may still deliver out
// of order. Operations hold their thread until their replies are in, so only
// fire-and-forget notifications can arrive reordered.
const window = 64

type threadKey struct {
	member cluster.NodeID
	thread uint64
}

type threadState struct {
	highest uint64
	seen    uint64 // bit i set: sequence highest-i was applied
	tags    [window]*version.Tag
}

// Tracker suppresses duplicate deliveries of the same operation. Each (member, thread)
// pair keeps the highest sequence applied plus a sliding window of the sequences
// just below it, with the tag each one produced so a replay can be acknowledged
// with the same version.
type Tracker struct {
	mu      sync.Mutex
	threads map[threadKey]*threadState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker { return &Tracker{threads: map[threadKey]*threadState{}} }

// Seen reports whether id was already recorded, returning the tag recorded with it.
// Sequences older than the window are treated as seen.
func (t *Tracker) Seen(id event.ID) (*version.Tag, bool) {
	if id.IsZero() {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.seenLocked(id)
}

// Observe records id and reports whether it had been recorded before, as one step.
func (t *Tracker) Observe(id event.ID, tag *version.Tag) bool {
	if id.IsZero() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seenLocked(id); dup {
		return true
	}

	t.recordLocked(id, tag)

	return false
}

func (t *Tracker) seenLocked(id event.ID) (*version.Tag, bool) {
	st, ok := t.threads[threadKey{id.Member, id.ThreadID}]
	if !ok || id.Sequence > st.highest {
		return nil, false
	}

	diff := st.highest - id.Sequence
	if diff >= window {
		return nil, true
	}

	if st.seen&(1<<diff) == 0 {
		return nil, false
	}

	return st.tags[id.Sequence%window], true
}

// Record marks id as applied with the resulting tag.
func (t *Tracker) Record(id event.ID, tag *version.Tag) {
	if id.IsZero() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.recordLocked(id, tag)
}

func (t *Tracker) recordLocked(id event.ID, tag *version.Tag) {
	k := threadKey{id.Member, id.ThreadID}

	st, ok := t.threads[k]
	if !ok {
		st = &threadState{}
		t.threads[k] = st
	}

	switch {
	case id.Sequence > st.highest:
		shift := id.Sequence - st.highest
		if shift >= window {
			st.seen = 0
		} else {
			st.seen <<= shift
		}

		st.highest = id.Sequence
		st.seen |= 1
	case st.highest-id.Sequence < window:
		st.seen |= 1 << (st.highest - id.Sequence)
	default:
		return
	}

	st.tags[id.Sequence%window] = tag
}

// Threads returns the number of tracked (member, thread) pairs.
func (t *Tracker) Threads() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.threads)
}

// Forget drops the state of every thread of member, used once it left the cluster.
func (t *Tracker) Forget(member cluster.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.threads {
		if k.member == member {
			delete(t.threads, k)
		}
	}
}
