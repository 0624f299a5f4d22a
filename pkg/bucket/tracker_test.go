package bucket

import (
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

func TestTrackerWindow(t *testing.T) {
	tr := NewTracker()
	id := func(seq uint64) event.ID { return event.ID{Member: "m2", ThreadID: 5, Sequence: seq} }

	_, dup := tr.Seen(id(1))
	assert.False(t, dup)

	tr.Record(id(1), &version.Tag{EntryVersion: 1})
	tr.Record(id(3), &version.Tag{EntryVersion: 3})

	tag, dup := tr.Seen(id(1))
	assert.True(t, dup)
	assert.Equal(t, uint64(1), tag.EntryVersion)

	// 2 arrived late: it was never applied and must not be suppressed
	_, dup = tr.Seen(id(2))
	assert.False(t, dup)

	tr.Record(id(2), &version.Tag{EntryVersion: 2})

	tag, dup = tr.Seen(id(2))
	assert.True(t, dup)
	assert.Equal(t, uint64(2), tag.EntryVersion)

	tr.Record(id(3+window), nil)

	_, dup = tr.Seen(id(3))
	assert.True(t, dup)

	// within the window but never recorded
	_, dup = tr.Seen(id(4))
	assert.False(t, dup)

	// other threads are independent
	_, dup = tr.Seen(event.ID{Member: "m2", ThreadID: 6, Sequence: 1})
	assert.False(t, dup)

	_, dup = tr.Seen(event.ID{})
	assert.False(t, dup)

	assert.Equal(t, 1, tr.Threads())
	tr.Forget("m2")
	assert.Equal(t, 0, tr.Threads())
}

func TestTrackerObserve(t *testing.T) {
	tr := NewTracker()
	id := event.ID{Member: "m3", ThreadID: 9, Sequence: 7}

	assert.False(t, tr.Observe(id, nil))
	assert.True(t, tr.Observe(id, nil))
	assert.False(t, tr.Observe(event.ID{}, nil))
}
