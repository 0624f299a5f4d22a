package cluster

import (
	"testing"

	"github.com/longbridgeapp/assert"
)

func TestNewNodeDerivesStableID(t *testing.T) {
	a := NewNode("", "10.0.0.1:7000")
	b := NewNode("", "10.0.0.1:7000")

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 16, len(a.ID))
	assert.Nil(t, a.Validate())
	assert.NotNil(t, NewNode("x", "").Validate())
}

func TestNodeIDCompare(t *testing.T) {
	assert.True(t, NodeID("a").Compare("b") < 0)
	assert.True(t, NodeID("b").Compare("a") > 0)
	assert.Equal(t, 0, NodeID("a").Compare("a"))
	assert.True(t, NodeID("").IsZero())
}

func TestRingOwnersDistinctAndStable(t *testing.T) {
	ring := NewRing(WithRedundancy(2), WithVirtualNodes(16))
	m := NewMembership(ring)

	for _, addr := range []string{"a:1", "b:1", "c:1", "d:1"} {
		m.Upsert(NewNode("", addr))
	}

	for bucket := range 64 {
		owners := ring.Owners(bucket)
		assert.Equal(t, 3, len(owners))

		seen := map[NodeID]struct{}{}
		for _, o := range owners {
			_, dup := seen[o]
			assert.False(t, dup)

			seen[o] = struct{}{}
		}

		again := ring.Owners(bucket)
		assert.Equal(t, owners, again)

		primary, ok := ring.Primary(bucket)
		assert.True(t, ok)
		assert.Equal(t, owners[0], primary)
	}

	assert.Equal(t, 2, ring.Redundancy())
	assert.Equal(t, 64, len(ring.VNodeHashes()))
}

func TestRingEmpty(t *testing.T) {
	ring := NewRing()

	assert.Equal(t, 0, len(ring.Owners(1)))

	_, ok := ring.Primary(1)
	assert.False(t, ok)
}

func TestMembershipDepartureListeners(t *testing.T) {
	ring := NewRing(WithRedundancy(1))
	m := NewMembership(ring)

	n1 := NewNode("n1", "n1:0")
	n2 := NewNode("n2", "n2:0")
	m.Upsert(n1)
	m.Upsert(n2)

	var departed []NodeID

	m.OnDeparture(func(id NodeID) { departed = append(departed, id) })

	v := m.Version()

	assert.True(t, m.Remove("n2"))
	assert.False(t, m.Remove("n2"))
	assert.Equal(t, []NodeID{"n2"}, departed)
	assert.True(t, m.Version() > v)
	assert.False(t, m.Has("n2"))

	for bucket := range 8 {
		assert.Equal(t, []NodeID{"n1"}, ring.Owners(bucket))
	}

	m.Upsert(NewNode("n3", "n3:0"))
	assert.True(t, m.Mark("n3", NodeDead))
	assert.Equal(t, []NodeID{"n2", "n3"}, departed)
	assert.False(t, m.Has("n3"))
	assert.Equal(t, "dead", NodeDead.String())
	assert.False(t, m.Mark("missing", NodeAlive))
}

func TestMembershipArrivals(t *testing.T) {
	m := NewMembership(NewRing())

	var arrived []NodeID

	m.OnArrival(func(id NodeID) { arrived = append(arrived, id) })

	m.Upsert(NewNode("n1", "n1:0"))
	m.Upsert(NewNode("n1", "n1:1"))
	assert.Equal(t, []NodeID{"n1"}, arrived)

	assert.True(t, m.Mark("n1", NodeSuspect))
	assert.True(t, m.Mark("n1", NodeDead))
	assert.True(t, m.Mark("n1", NodeAlive))
	assert.Equal(t, []NodeID{"n1", "n1"}, arrived)
	assert.True(t, m.Has("n1"))
}
