package bucket

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/offheap"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

type testCodec struct{ s serializer.ISerializer }

func (c testCodec) Encode(v any) ([]byte, error)    { return c.s.Marshal(v) }
func (c testCodec) Decode(data []byte) (any, error) { return serializer.Decode(c.s, data) }

type testContext struct{ arena *offheap.Arena }

func (c testContext) Arena() *offheap.Arena { return c.arena }
func (testContext) Codec() entry.Codec      { return testCodec{s: &serializer.MsgpackSerializer{}} }

func newBucket(t *testing.T, f entry.Factory, opts ...offheap.Option) (*Bucket, *offheap.Arena) {
	t.Helper()

	arena, err := offheap.NewArena(append([]offheap.Option{offheap.WithStore(offheap.NewMapStore())}, opts...)...)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}

	t.Cleanup(func() { _ = arena.Close() })

	b := New(7, "orders", f, testContext{arena: arena})
	b.Host(true)

	return b, arena
}

var ids = event.NewIDSource("m1")

func newEvent(op event.Operation, key string) *event.EntryEvent {
	ev := event.New("orders", op, entry.NewKey(key))
	ev.ID = ids.Next()

	return ev
}

func primaryOpts(src *version.Source) ApplyOptions {
	return ApplyOptions{Local: "m1", Source: src, Generate: true}
}

func TestPrimaryInvalidateAssignsFirstVersion(t *testing.T) {
	b, _ := newBucket(t, entry.HeapFactory())
	assert.Nil(t, b.Load(entry.NewKey("K"), entry.ObjectValue("v")))

	src := &version.Source{}
	ev := newEvent(event.OpInvalidate, "K")

	defer ev.Release()

	res, err := b.Apply(ev, primaryOpts(src))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	assert.True(t, res.Applied)
	assert.Equal(t, uint64(1), res.Tag.EntryVersion)
	assert.Equal(t, "m1", string(res.Tag.Member))
	assert.Equal(t, uint64(1), src.Current())

	old, err := ev.OldValue()
	assert.Nil(t, err)
	assert.Equal(t, "v", old.Object)

	_, tag, ok, err := b.Get(entry.NewKey("K"))
	assert.Nil(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), tag.EntryVersion)
}

func TestReplicaRejectsOlderVersion(t *testing.T) {
	b, _ := newBucket(t, entry.HeapFactory())
	b.SetPrimary(false)
	assert.Nil(t, b.Load(entry.NewKey("K"), entry.ObjectValue("v")))

	src := &version.Source{}
	apply := func(ev uint64) Result {
		e := newEvent(event.OpInvalidate, "K")
		defer e.Release()

		e.SetVersionTag(version.Tag{Member: "p", PreviousMember: "p", EntryVersion: ev, RegionVersion: ev + 10})

		res, err := b.Apply(e, ApplyOptions{Local: "m1", Source: src})
		if err != nil {
			t.Fatalf("apply v%d: %v", ev, err)
		}

		return res
	}

	res := apply(3)
	assert.True(t, res.Applied)
	assert.Equal(t, uint64(13), src.Current())

	res = apply(2)
	assert.False(t, res.Applied)
	assert.Equal(t, uint64(3), res.Tag.EntryVersion)

	_, tag, _, _ := b.Get(entry.NewKey("K"))
	assert.Equal(t, uint64(3), tag.EntryVersion)
}

func TestEqualVersionTieBreak(t *testing.T) {
	b, _ := newBucket(t, entry.HeapFactory())
	b.SetPrimary(false)
	assert.Nil(t, b.Load(entry.NewKey("K"), entry.ObjectValue("v")))

	for _, member := range []string{"m-b", "m-a", "m-c"} {
		ev := newEvent(event.OpUpdate, "K")
		ev.SetNewValue(entry.ObjectValue(member))
		ev.SetVersionTag(version.Tag{Member: cluster.NodeID(member), PreviousMember: "p", EntryVersion: 4})

		_, err := b.Apply(ev, ApplyOptions{Local: "m1"})
		assert.Nil(t, err)
		ev.Release()
	}

	v, tag, ok, err := b.Get(entry.NewKey("K"))
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "m-c", v.Object)
	assert.Equal(t, "m-c", string(tag.Member))
}

func TestMissingKeyIsNotFound(t *testing.T) {
	b, _ := newBucket(t, entry.HeapFactory())

	for _, op := range []event.Operation{event.OpInvalidate, event.OpDestroy} {
		ev := newEvent(op, "absent")

		_, err := b.Apply(ev, primaryOpts(&version.Source{}))
		assert.True(t, errors.Is(err, sentinel.ErrEntryNotFound))
		assert.False(t, errors.Is(err, sentinel.ErrPrimaryMoved))

		ev.Release()
	}
}

func TestDestroyLeavesTombstone(t *testing.T) {
	b, _ := newBucket(t, entry.HeapFactory())
	assert.Nil(t, b.Load(entry.NewKey("K"), entry.ObjectValue("v")))

	src := &version.Source{}

	ev := newEvent(event.OpDestroy, "K")
	_, err := b.Apply(ev, primaryOpts(src))
	assert.Nil(t, err)
	ev.Release()

	assert.False(t, b.Contains(entry.NewKey("K")))
	assert.Equal(t, 1, b.Stats().Tombstones)

	ev = newEvent(event.OpDestroy, "K")
	_, err = b.Apply(ev, primaryOpts(src))
	assert.True(t, errors.Is(err, sentinel.ErrEntryNotFound))
	ev.Release()

	// an update resurrects the key and continues its version history
	ev = newEvent(event.OpUpdate, "K")
	ev.SetNewValue(entry.ObjectValue("again"))
	res, err := b.Apply(ev, primaryOpts(src))
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), res.Tag.EntryVersion)
	ev.Release()

	ev = newEvent(event.OpDestroy, "K")
	_, err = b.Apply(ev, primaryOpts(src))
	assert.Nil(t, err)
	ev.Release()

	assert.Equal(t, 0, b.Reap(time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, b.Reap(time.Now().Add(time.Second)))
	assert.Equal(t, 0, b.Stats().Tombstones)
}

func TestOwnershipChecks(t *testing.T) {
	b, _ := newBucket(t, entry.HeapFactory())
	assert.Nil(t, b.Load(entry.NewKey("K"), entry.ObjectValue("v")))

	assert.Nil(t, b.BeginTransfer())
	assert.True(t, b.Moving())

	ev := newEvent(event.OpInvalidate, "K")
	_, err := b.Apply(ev, primaryOpts(&version.Source{}))
	assert.True(t, errors.Is(err, sentinel.ErrPrimaryMoved))
	assert.False(t, errors.Is(err, sentinel.ErrEntryNotFound))
	ev.Release()

	b.EndTransfer(false)
	assert.False(t, b.Primary())
	assert.True(t, errors.Is(b.BeginTransfer(), sentinel.ErrPrimaryMoved))

	b.Unhost()

	ev = newEvent(event.OpInvalidate, "K")
	ev.SetVersionTag(version.Tag{Member: "p", EntryVersion: 9})
	_, err = b.Apply(ev, ApplyOptions{Local: "m1"})
	assert.True(t, errors.Is(err, sentinel.ErrPrimaryMoved))
	assert.True(t, errors.Is(err, sentinel.ErrBucketNotHosted))
	ev.Release()

	assert.Equal(t, 0, b.Stats().Entries)
}

func TestDuplicateDeliveryIsSuppressed(t *testing.T) {
	b, _ := newBucket(t, entry.HeapFactory())
	b.SetPrimary(false)

	ev := newEvent(event.OpUpdate, "K")
	ev.SetNewValue(entry.ObjectValue("v1"))
	ev.SetVersionTag(version.Tag{Member: "p", PreviousMember: "p", EntryVersion: 1})

	first, err := b.Apply(ev, ApplyOptions{Local: "m1"})
	assert.Nil(t, err)
	assert.True(t, first.Applied)
	assert.True(t, first.Created)

	replay := event.New("orders", event.OpUpdate, entry.NewKey("K"))
	replay.ID = ev.ID
	replay.PossibleDuplicate = true
	replay.SetNewValue(entry.ObjectValue("v1"))
	replay.SetVersionTag(version.Tag{Member: "p", PreviousMember: "p", EntryVersion: 1})

	second, err := b.Apply(replay, ApplyOptions{Local: "m1"})
	assert.Nil(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Applied)
	assert.Equal(t, first.Tag, second.Tag)

	ev.Release()
	replay.Release()
}

// Scenario: an off-heap value replaced three times frees exactly the three superseded buffers.
func TestOffHeapReplacementsFreeSupersededBuffers(t *testing.T) {
	var freed []offheap.Address

	b, arena := newBucket(t, entry.OffHeapFactory(), offheap.WithFreeHook(func(a offheap.Address) {
		freed = append(freed, a)
	}))

	key := entry.NewKey("K")
	assert.Nil(t, b.Load(key, entry.ObjectValue("v0")))

	src := &version.Source{}

	for i, v := range []string{"v1", "v2", "v3"} {
		ev := newEvent(event.OpUpdate, "K")
		ev.SetNewValue(entry.ObjectValue(v))

		res, err := b.Apply(ev, primaryOpts(src))
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}

		assert.Equal(t, uint64(i+1), res.Tag.EntryVersion)

		// the event holds the superseded buffer until it is released
		assert.Equal(t, 1, ev.Held())
		assert.Equal(t, i, len(freed))

		ev.Release()
	}

	assert.Equal(t, 3, len(freed))
	assert.Equal(t, uint64(3), arena.Stats().Frees)
	assert.Equal(t, 1, arena.Stats().LiveSlots)

	v, _, ok, err := b.Get(key)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v3", v.Object)

	b.Unhost()
	assert.Equal(t, 4, len(freed))
}

func TestConcurrentUpdatesSerializePerKey(t *testing.T) {
	b, _ := newBucket(t, entry.HeapFactory())
	src := &version.Source{}

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			thread := ids.NewThread()

			for range 50 {
				ev := event.New("orders", event.OpUpdate, entry.NewKey("hot"))
				ev.ID = thread.Next()
				ev.SetNewValue(entry.ObjectValue("x"))

				_, err := b.Apply(ev, primaryOpts(src))
				if err != nil {
					t.Errorf("apply: %v", err)
				}

				ev.Release()
			}
		}()
	}

	wg.Wait()

	_, tag, ok, err := b.Get(entry.NewKey("hot"))
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(400), tag.EntryVersion)
	assert.Equal(t, uint64(400), src.Current())
}

func TestApplyRacingUnhostLeavesNoEntries(t *testing.T) {
	b, arena := newBucket(t, entry.OffHeapFactory())
	src := &version.Source{}

	var wg sync.WaitGroup

	start := make(chan struct{})

	for w := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			thread := ids.NewThread()

			<-start

			for i := range 200 {
				ev := event.New("orders", event.OpUpdate, entry.NewKey(w*1000+i))
				ev.ID = thread.Next()
				ev.SetNewValue(entry.ObjectValue("x"))

				_, err := b.Apply(ev, primaryOpts(src))
				if err != nil && !errors.Is(err, sentinel.ErrPrimaryMoved) {
					t.Errorf("apply: %v", err)
				}

				ev.Release()
			}
		}()
	}

	close(start)
	time.Sleep(time.Millisecond)
	b.Unhost()
	wg.Wait()

	assert.Equal(t, 0, b.entries.Count())
	assert.Equal(t, 0, arena.Stats().LiveSlots)
}

func TestRecoveringCopyRejectsPrimaryWorkAndKeepsNewerVersions(t *testing.T) {
	b := New(3, "orders", entry.HeapFactory(), testContext{})
	b.HostRecovering(true)

	assert.True(t, b.Hosting())
	assert.True(t, b.Recovering())
	assert.False(t, b.Ready())

	ev := newEvent(event.OpUpdate, "K")
	ev.SetNewValue(entry.ObjectValue("v"))
	_, err := b.Apply(ev, primaryOpts(&version.Source{}))
	assert.True(t, errors.Is(err, sentinel.ErrPrimaryMoved))
	ev.Release()

	// a replicated destroy of a key the image has not delivered yet leaves a tombstone
	ev = newEvent(event.OpDestroy, "gone")
	ev.SetVersionTag(version.Tag{Member: "p", PreviousMember: "p", EntryVersion: 5})
	res, err := b.Apply(ev, ApplyOptions{Local: "m1"})
	assert.Nil(t, err)
	assert.True(t, res.Applied)
	ev.Release()

	installed, err := b.Install(ImageEntry{
		Key:   entry.NewKey("gone"),
		Kind:  entry.KindObject,
		Value: encode(t, "stale"),
		Tag:   &version.Tag{Member: "p", EntryVersion: 4},
	})
	assert.Nil(t, err)
	assert.False(t, installed)

	installed, err = b.Install(ImageEntry{
		Key:   entry.NewKey("K"),
		Kind:  entry.KindObject,
		Value: encode(t, "v1"),
		Tag:   &version.Tag{Member: "p", EntryVersion: 1},
	})
	assert.Nil(t, err)
	assert.True(t, installed)

	// replaying the same image entry is a no-op
	installed, err = b.Install(ImageEntry{Key: entry.NewKey("K"), Kind: entry.KindObject, Value: encode(t, "v1"), Tag: &version.Tag{Member: "p", EntryVersion: 1}})
	assert.Nil(t, err)
	assert.False(t, installed)

	_, _, ok, _ := b.Get(entry.NewKey("gone"))
	assert.False(t, ok)

	b.MarkReady()
	assert.True(t, b.Ready())

	ev = newEvent(event.OpUpdate, "K")
	ev.SetNewValue(entry.ObjectValue("v2"))
	res, err = b.Apply(ev, primaryOpts(&version.Source{}))
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), res.Tag.EntryVersion)
	ev.Release()

	// a ready copy still reports removals of unknown keys
	ev = newEvent(event.OpInvalidate, "never")
	ev.SetVersionTag(version.Tag{Member: "p", EntryVersion: 1})
	_, err = b.Apply(ev, ApplyOptions{Local: "m1"})
	assert.True(t, errors.Is(err, sentinel.ErrEntryNotFound))
	ev.Release()
}

func TestRetiredBucketKeepsImageUntilUnhosted(t *testing.T) {
	b, _ := newBucket(t, entry.HeapFactory())
	src := &version.Source{}

	for _, k := range []string{"a", "b"} {
		ev := newEvent(event.OpUpdate, k)
		ev.SetNewValue(entry.ObjectValue("v-" + k))

		_, err := b.Apply(ev, primaryOpts(src))
		assert.Nil(t, err)
		ev.Release()
	}

	ev := newEvent(event.OpDestroy, "b")
	_, err := b.Apply(ev, primaryOpts(src))
	assert.Nil(t, err)
	ev.Release()

	b.Retire()
	assert.False(t, b.Hosting())
	assert.True(t, b.Retiring())

	ev = newEvent(event.OpUpdate, "a")
	ev.SetNewValue(entry.ObjectValue("late"))
	_, err = b.Apply(ev, primaryOpts(src))
	assert.True(t, errors.Is(err, sentinel.ErrPrimaryMoved))
	ev.Release()

	img, err := b.Image()
	assert.Nil(t, err)
	assert.Equal(t, 2, len(img))

	kinds := map[string]entry.Kind{}
	for _, ie := range img {
		kinds[ie.Key.String()] = ie.Kind
		assert.NotNil(t, ie.Tag)
	}

	assert.Equal(t, entry.KindObject, kinds["a"])
	assert.Equal(t, entry.KindTombstone, kinds["b"])

	// a fresh copy built from the image matches the source
	dst := New(7, "orders", entry.HeapFactory(), testContext{})
	dst.HostRecovering(false)

	for _, ie := range img {
		_, err = dst.Install(ie)
		assert.Nil(t, err)
	}

	v, tag, ok, err := dst.Get(entry.NewKey("a"))
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v-a", v.Object)
	assert.Equal(t, uint64(1), tag.EntryVersion)
	assert.Equal(t, 1, dst.Stats().Tombstones)

	b.Unhost()
	assert.False(t, b.Retiring())

	img, err = b.Image()
	assert.Nil(t, err)
	assert.Equal(t, 0, len(img))
}

func TestStatsReportFootprint(t *testing.T) {
	b, _ := newBucket(t, entry.OffHeapFactory())
	assert.Equal(t, int64(0), b.Stats().Bytes)

	assert.Nil(t, b.Load(entry.NewKey("K"), entry.ObjectValue("a value with some length")))

	small := b.Stats().Bytes
	if small <= 0 {
		t.Fatalf("expected a positive footprint, got %d", small)
	}

	assert.Nil(t, b.Load(entry.NewKey("L"), entry.ObjectValue(string(make([]byte, 4096)))))
	assert.True(t, b.Stats().Bytes > small+4096)

	b.Unhost()
	assert.Equal(t, int64(0), b.Stats().Bytes)
}

func encode(t *testing.T, v any) []byte {
	t.Helper()

	data, err := testContext{}.Codec().Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	return data
}
