package version

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/cluster"
)

func tag(ev uint64, member string) Tag {
	return Tag{Member: cluster.NodeID(member), PreviousMember: cluster.NodeID(member), EntryVersion: ev, RegionVersion: ev}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		existing *Tag
		incoming Tag
		want     Decision
	}{
		{name: "no existing tag", existing: nil, incoming: tag(1, "a"), want: Accept},
		{name: "greater entry version", existing: ptr(tag(2, "z")), incoming: tag(3, "a"), want: Accept},
		{name: "lower entry version", existing: ptr(tag(3, "a")), incoming: tag(2, "z"), want: Reject},
		{name: "equal version greater member", existing: ptr(tag(2, "a")), incoming: tag(2, "b"), want: Accept},
		{name: "equal version smaller member", existing: ptr(tag(2, "b")), incoming: tag(2, "a"), want: Reject},
		{name: "replayed tag", existing: ptr(tag(2, "a")), incoming: tag(2, "a"), want: Reject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.existing, tt.incoming))
		})
	}
}

func TestWinnerIsSymmetric(t *testing.T) {
	members := []string{"a", "b", "m", "zz"}

	for ev1 := uint64(1); ev1 <= 3; ev1++ {
		for ev2 := uint64(1); ev2 <= 3; ev2++ {
			for _, m1 := range members {
				for _, m2 := range members {
					a, b := tag(ev1, m1), tag(ev2, m2)

					t.Run(fmt.Sprintf("%d%s-%d%s", ev1, m1, ev2, m2), func(t *testing.T) {
						assert.True(t, Winner(a, b).Equal(Winner(b, a)))

						if ev1 != ev2 {
							want := a
							if ev2 > ev1 {
								want = b
							}

							assert.True(t, Winner(a, b).Equal(want))
						}
					})
				}
			}
		}
	}
}

func TestWireReplaceNullIDs(t *testing.T) {
	sender := cluster.NodeID("sender")

	local := Stamp(NextDraft(nil, 7, time.UnixMilli(42)), sender, "")
	assert.Equal(t, sender, local.PreviousMember)

	w := local.ToWire(sender)
	assert.Equal(t, "", w.Member)
	assert.Equal(t, "", w.PreviousMember)

	got := w.ReplaceNullIDs(sender)
	assert.Equal(t, local, got)

	foreign := Tag{Member: "other", PreviousMember: "third", EntryVersion: 4, RegionVersion: 9}
	w = foreign.ToWire(sender)
	assert.Equal(t, "other", w.Member)
	assert.Equal(t, foreign, w.ReplaceNullIDs(sender))
}

func TestNextIncrementsEntryVersion(t *testing.T) {
	first := Next(nil, "m1", 1, time.Now())
	assert.Equal(t, uint64(1), first.EntryVersion)
	assert.Equal(t, cluster.NodeID("m1"), first.PreviousMember)

	second := Next(&first, "m2", 2, time.Now())
	assert.Equal(t, uint64(2), second.EntryVersion)
	assert.Equal(t, cluster.NodeID("m1"), second.PreviousMember)
	assert.Equal(t, Accept, Resolve(&first, second))
}

func TestSourceIsGapFreeUnderConcurrency(t *testing.T) {
	var (
		src Source
		mu  sync.Mutex
		wg  sync.WaitGroup
	)

	seen := map[uint64]struct{}{}

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 500 {
				v := src.Next()

				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 4000, len(seen))
	assert.Equal(t, uint64(4000), src.Current())

	for v := uint64(1); v <= 4000; v++ {
		_, ok := seen[v]
		assert.True(t, ok)
	}

	src.Advance(10)
	assert.Equal(t, uint64(4000), src.Current())
	src.Advance(5000)
	assert.Equal(t, uint64(5001), src.Next())
}

func TestVector(t *testing.T) {
	v := NewVector()
	v.Record(tag(3, "a"))
	v.Record(tag(1, "a"))
	v.Record(tag(2, "b"))

	assert.True(t, v.Contains(tag(2, "a")))
	assert.False(t, v.Contains(tag(4, "a")))
	assert.Equal(t, []MemberVersion{{Member: "a", RegionVersion: 3}, {Member: "b", RegionVersion: 2}}, v.Snapshot())
}

func ptr(t Tag) *Tag { return &t }
