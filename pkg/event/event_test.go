package event

import (
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/offheap"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

func expectPanic(t *testing.T, target error, fn func()) {
	t.Helper()

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatalf("expected panic")
		}

		err, ok := rec.(error)
		assert.True(t, ok)
		assert.True(t, errors.Is(err, target))
	}()

	fn()
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, "invalidate", OpInvalidate.String())
	assert.Equal(t, "destroy", OpDestroy.String())
	assert.Equal(t, "update", OpUpdate.String())
}

func TestIDSource(t *testing.T) {
	src := NewIDSource("m1")

	a, b := src.Next(), src.Next()
	assert.Equal(t, a.ThreadID, b.ThreadID)
	assert.Equal(t, a.Sequence+1, b.Sequence)
	assert.False(t, a.IsZero())

	other := src.NewThread().Next()
	assert.True(t, other.ThreadID != a.ThreadID)
	assert.Equal(t, uint64(1), other.Sequence)
	assert.True(t, ID{}.IsZero())
}

func TestStampDraftUsesLocalIdentity(t *testing.T) {
	ev := New("orders", OpInvalidate, entry.NewKey("k"))
	defer ev.Release()

	prior := &version.Tag{Member: "m0", EntryVersion: 4}
	tag := ev.StampDraft(version.NextDraft(prior, 10, time.Now()), "m1", prior)

	assert.Equal(t, "m1", string(tag.Member))
	assert.Equal(t, "m0", string(tag.PreviousMember))
	assert.Equal(t, uint64(5), ev.VersionTag().EntryVersion)
}

func TestSetWireTagStampsSender(t *testing.T) {
	ev := New("orders", OpDestroy, entry.NewKey("k"))
	defer ev.Release()

	ev.SetWireTag(&version.Wire{EntryVersion: 2}, "m2")
	assert.Equal(t, "m2", string(ev.VersionTag().Member))
	assert.Equal(t, "m2", string(ev.VersionTag().PreviousMember))
}

func TestReleaseReturnsHeldRefsOnce(t *testing.T) {
	arena, err := offheap.NewArena(offheap.WithStore(offheap.NewMapStore()))
	if err != nil {
		t.Fatalf("arena: %v", err)
	}

	owner, err := arena.Allocate([]byte("old"))
	assert.Nil(t, err)

	held, err := owner.Retain()
	assert.Nil(t, err)

	ev := New("orders", OpUpdate, entry.NewKey(1))
	ev.HoldOldValue(held)
	owner.Release()

	old, err := ev.OldValue()
	assert.Nil(t, err)
	assert.Equal(t, "old", string(old.Bytes))
	assert.Equal(t, 1, ev.Held())

	ev.Release()
	assert.Equal(t, uint64(1), arena.Stats().Frees)

	expectPanic(t, sentinel.ErrDoubleRelease, ev.Release)
	expectPanic(t, sentinel.ErrEventReleased, func() { ev.SetNewValue(entry.ObjectValue("x")) })
}

func TestReleaseOnErrorPath(t *testing.T) {
	arena, err := offheap.NewArena(offheap.WithStore(offheap.NewMapStore()))
	if err != nil {
		t.Fatalf("arena: %v", err)
	}

	step := func() (err error) {
		ev := New("orders", OpInvalidate, entry.NewKey("k"))
		defer ev.Release()

		ref, err := arena.Allocate([]byte("v"))
		if err != nil {
			return err
		}

		ev.Hold(ref)

		return sentinel.ErrEntryNotFound
	}

	assert.True(t, errors.Is(step(), sentinel.ErrEntryNotFound))
	assert.Equal(t, 0, arena.Stats().LiveSlots)
}
